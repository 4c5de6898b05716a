package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	go func() {
		if err := s.lm.Shutdown(context.Background()); err != nil {
			s.logger.Error("Shutdown failed", zap.Error(err))
		}
	}()
}

// GET /api/v1/journal?limit=N
func (s *Server) getJournal(c *gin.Context) {
	j := s.lm.Journal()
	if j == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("JOURNAL_503", "Command journal disabled", nil))
		return
	}

	limit := 100
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("JOURNAL_400", "Invalid limit", q))
			return
		}
		limit = n
	}

	records, err := j.ListCommands(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("JOURNAL_500", "Failed to list commands", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"commands": records,
		"count":    len(records),
	})
}
