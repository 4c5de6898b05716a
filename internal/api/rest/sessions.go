package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/superdarn/timingd/internal/auth"
	"github.com/superdarn/timingd/internal/card"
	"github.com/superdarn/timingd/internal/devices"
	"github.com/superdarn/timingd/internal/storage"
	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap"
)

const journalTimeout = 2 * time.Second

type OpenSessionRequest struct {
	// Slot is an index ("5") or a profile slot name ("do_fifo").
	Slot string `json:"slot" binding:"required"`
}

type ControlRequest struct {
	Code string `json:"code" binding:"required"`
	Arg  *int64 `json:"arg" binding:"required"`
}

// GET /api/v1/sessions
func (s *Server) listSessions(c *gin.Context) {
	sessions := s.lm.DeviceManager().ListSessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// POST /api/v1/sessions
func (s *Server) openSession(c *gin.Context) {
	var req OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CARD_400", "Invalid request body", err.Error()))
		return
	}

	dm := s.lm.DeviceManager()
	slot, err := dm.ResolveSlot(req.Slot)
	if err != nil {
		respondError(c, "Unknown slot", err)
		return
	}

	session, err := dm.OpenSession(slot, auth.Actor(c))
	if err != nil {
		respondError(c, "Failed to open session", err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// DELETE /api/v1/sessions/:id
func (s *Server) closeSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if err := s.lm.DeviceManager().CloseSession(id); err != nil {
		respondError(c, "Failed to close session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session closed"})
}

// POST /api/v1/sessions/:id/write?count=N
//
// The request body is the raw byte stream. count defaults to the body length.
func (s *Server) writeSession(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	count := int(c.Request.ContentLength)
	if q := c.Query("count"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("CARD_400", "Invalid count", err.Error()))
			return
		}
		count = n
	}
	if count < 0 {
		c.JSON(http.StatusLengthRequired, types.NewErrorResponse("CARD_411", "count or Content-Length required", nil))
		return
	}

	n, err := s.lm.DeviceManager().Write(session.ID, c.Request.Body, count)
	s.journal(c, session, "write", n, "", nil, err)
	if err != nil {
		status, code := types.Classify(err)
		_ = c.Error(err)
		c.JSON(status, types.NewErrorResponse(code, "Write failed", gin.H{
			"reason": err.Error(),
			"count":  n,
		}))
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": n})
}

// GET /api/v1/sessions/:id/read?count=N
func (s *Server) readSession(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	count, err := strconv.Atoi(c.Query("count"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CARD_400", "Invalid count", err.Error()))
		return
	}

	data, err := s.lm.DeviceManager().Read(session.ID, count)
	s.journal(c, session, "read", len(data), "", nil, err)
	if err != nil {
		respondError(c, "Read failed", err)
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", data)
}

// POST /api/v1/sessions/:id/control
func (s *Server) controlSession(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CARD_400", "Invalid request body", err.Error()))
		return
	}

	code, err := card.ParseControlCode(req.Code)
	if err == nil {
		err = s.lm.DeviceManager().Control(session.ID, code, *req.Arg)
	}
	s.journal(c, session, "control", 0, req.Code, req.Arg, err)
	if err != nil {
		respondError(c, "Control failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": req.Code, "arg": *req.Arg})
}

// POST /api/v1/sessions/:id/wait?timeout=500ms
func (s *Server) waitSession(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	timeout := s.waitTimeout
	if q := c.Query("timeout"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 || d > s.waitTimeout {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("CARD_400", "Invalid timeout",
				fmt.Sprintf("timeout must be a positive duration up to %s", s.waitTimeout)))
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	start := time.Now()
	err := s.lm.DeviceManager().Wait(ctx, session.ID)
	if errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusGatewayTimeout, types.NewErrorResponse("CARD_TIMEOUT", "Transfer still in progress", err.Error()))
		return
	}
	if err != nil {
		respondError(c, "Wait failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"state": "idle", "waited": time.Since(start).String()})
}

func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CARD_400", "Invalid session ID", err.Error()))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) session(c *gin.Context) (*devices.Session, bool) {
	id, ok := sessionID(c)
	if !ok {
		return nil, false
	}

	session, exists := s.lm.DeviceManager().GetSession(id)
	if !exists {
		respondError(c, "Session not found", fmt.Errorf("%w: session %s", types.ErrDeviceNotFound, id))
		return nil, false
	}
	return session, true
}

// journal records one byte-stream call when the journal is enabled.
func (s *Server) journal(c *gin.Context, session *devices.Session, op string, n int, code string, arg *int64, callErr error) {
	j := s.lm.Journal()
	if j == nil {
		return
	}

	rec := &storage.CommandRecord{
		SessionID: &session.ID,
		Slot:      session.Slot,
		Operation: op,
		Bytes:     n,
		Code:      code,
		Arg:       arg,
		Actor:     auth.Actor(c),
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), journalTimeout)
	defer cancel()
	if err := j.RecordCommand(ctx, rec); err != nil {
		s.logger.Warn("Failed to journal command",
			zap.String("operation", op),
			zap.Int("slot", session.Slot),
			zap.Error(err))
	}
}
