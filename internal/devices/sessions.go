package devices

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/superdarn/timingd/internal/card"
	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap"
)

// Session associates one caller with one slot. Opening and closing carry no
// hardware side effects.
type Session struct {
	ID         uuid.UUID `json:"id"`
	Slot       int       `json:"slot"`
	SlotName   string    `json:"slot_name,omitempty"`
	Kind       string    `json:"kind"`
	Owner      string    `json:"owner"`
	OpenedAt   time.Time `json:"opened_at"`
	LastUsed   time.Time `json:"last_used"`
	Operations uint64    `json:"operations"`
}

// OpenSession opens a session on the slot for owner.
func (m *Manager) OpenSession(slot int, owner string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.card == nil {
		return nil, fmt.Errorf("%w: no card attached", types.ErrDeviceNotFound)
	}
	d, err := m.card.Registry().Device(slot)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:       uuid.New(),
		Slot:     slot,
		SlotName: slotName(m.profile, slot),
		Kind:     d.Kind.String(),
		Owner:    owner,
		OpenedAt: now,
		LastUsed: now,
	}
	m.sessions[s.ID] = s

	m.logger.Debug("Session opened",
		zap.String("session", s.ID.String()),
		zap.Int("slot", slot),
		zap.String("owner", owner))

	snapshot := *s
	return &snapshot, nil
}

func (m *Manager) CloseSession(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: session %s", types.ErrDeviceNotFound, id)
	}
	delete(m.sessions, id)

	m.logger.Debug("Session closed", zap.String("session", id.String()))
	return nil
}

func (m *Manager) GetSession(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	snapshot := *s
	return &snapshot, true
}

func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot := *s
		out = append(out, &snapshot)
	}
	return out
}

// use marks the session busy and returns the card and slot to operate on.
func (m *Manager) use(id uuid.UUID) (*card.Card, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, 0, fmt.Errorf("%w: session %s", types.ErrDeviceNotFound, id)
	}
	if m.card == nil {
		return nil, 0, fmt.Errorf("%w: no card attached", types.ErrDeviceNotFound)
	}
	s.LastUsed = time.Now()
	s.Operations++
	return m.card, s.Slot, nil
}

func (m *Manager) Read(id uuid.UUID, count int) ([]byte, error) {
	c, slot, err := m.use(id)
	if err != nil {
		return nil, err
	}
	return c.Read(slot, count)
}

func (m *Manager) Write(id uuid.UUID, src io.Reader, count int) (int, error) {
	c, slot, err := m.use(id)
	if err != nil {
		return 0, err
	}
	return c.Write(slot, src, count)
}

func (m *Manager) Control(id uuid.UUID, code card.ControlCode, arg int64) error {
	c, slot, err := m.use(id)
	if err != nil {
		return err
	}
	return c.Control(slot, code, arg)
}

// Wait blocks until the session's bulk transfer completes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) error {
	c, slot, err := m.use(id)
	if err != nil {
		return err
	}
	return c.WaitBulk(ctx, slot)
}
