package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/card
func (s *Server) getCard(c *gin.Context) {
	dm := s.lm.DeviceManager()

	cd, err := dm.Card()
	if err != nil {
		respondError(c, "No card attached", err)
		return
	}

	status := cd.Status()
	names := make(map[int]string, len(status.Slots))
	for _, slot := range status.Slots {
		if n := dm.SlotName(slot.Index); n != "" {
			names[slot.Index] = n
		}
	}

	resp := gin.H{
		"status":     status,
		"slot_names": names,
	}
	if p := dm.Profile(); p != nil {
		resp["profile"] = p.CardProfile
	}
	c.JSON(http.StatusOK, resp)
}
