package devices

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/superdarn/timingd/internal/card"
	"github.com/superdarn/timingd/internal/pci"
	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap"
)

// Manager owns the attached card, its profile and the caller sessions open
// on its slots.
type Manager struct {
	loader   *ProfileLoader
	profile  *types.CardProfileDefinition
	card     *card.Card
	sessions map[uuid.UUID]*Session
	mu       sync.RWMutex
	logger   *zap.Logger
}

func NewManager(searchPaths []string, logger *zap.Logger) (*Manager, error) {
	loader, err := NewProfileLoader(searchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile loader: %w", err)
	}

	return &Manager{
		loader:   loader,
		sessions: make(map[uuid.UUID]*Session),
		logger:   logger,
	}, nil
}

// AttachOptions carry the runtime settings that are not part of a profile.
type AttachOptions struct {
	DMABufferSize int
	Sources       []SourceRef
	Sink          card.EventSink
}

// SourceRef is an interrupt status source whose slot is given by index or
// profile slot name.
type SourceRef struct {
	Slot    string
	Offset  int
	Width   int
	Mask    uint32
	Ack     uint32
	Meaning string
}

// LoadProfile loads and selects the named profile.
func (m *Manager) LoadProfile(name string) (*types.CardProfileDefinition, error) {
	profile, err := m.loader.Load(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", name, err)
	}

	m.mu.Lock()
	m.profile = profile
	m.mu.Unlock()
	return profile, nil
}

// Attach brings up the card described by the named profile on bus.
func (m *Manager) Attach(bus pci.Bus, profileName string, opts AttachOptions) (*card.Card, error) {
	profile, err := m.LoadProfile(profileName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.card != nil {
		return nil, fmt.Errorf("%w: card already attached", types.ErrResourceConflict)
	}

	sources := make([]card.StatusSource, 0, len(opts.Sources))
	for _, ref := range opts.Sources {
		slot, err := resolveSlot(profile, ref.Slot)
		if err != nil {
			return nil, fmt.Errorf("invalid interrupt source: %w", err)
		}
		sources = append(sources, card.StatusSource{
			Slot:    slot,
			Offset:  ref.Offset,
			Width:   ref.Width,
			Mask:    ref.Mask,
			Ack:     ref.Ack,
			Meaning: card.Meaning(ref.Meaning),
		})
	}

	registry, err := card.NewRegistry(TopologyOf(profile))
	if err != nil {
		return nil, fmt.Errorf("invalid topology in profile %s: %w", profileName, err)
	}

	c, err := card.Attach(bus, registry, card.Options{
		Owner:           profile.CardProfile.ID,
		SubsystemVendor: profile.Identity.SubsystemVendorID,
		SubsystemDevice: profile.Identity.SubsystemDeviceID,
		SharedBAR:       profile.Regions.SharedBAR,
		BusMasterBAR:    profile.Regions.BusMasterBAR,
		DMABufferSize:   opts.DMABufferSize,
		Sources:         sources,
		Sink:            opts.Sink,
	}, m.logger.Named("card"))
	if err != nil {
		return nil, err
	}
	m.card = c

	m.logger.Info("Card loaded",
		zap.String("profile", profileName),
		zap.String("model", profile.CardProfile.Vendor+" "+profile.CardProfile.Model),
		zap.Int("interrupt_sources", len(sources)))

	return c, nil
}

// Detach closes every session and releases the card.
func (m *Manager) Detach() error {
	m.mu.Lock()
	c := m.card
	m.card = nil
	closed := len(m.sessions)
	m.sessions = make(map[uuid.UUID]*Session)
	m.mu.Unlock()

	if c == nil {
		return nil
	}

	m.logger.Info("Detaching card", zap.Int("closed_sessions", closed))
	return c.Detach()
}

// Card returns the attached card.
func (m *Manager) Card() (*card.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.card == nil {
		return nil, fmt.Errorf("%w: no card attached", types.ErrDeviceNotFound)
	}
	return m.card, nil
}

func (m *Manager) Profile() *types.CardProfileDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

// ResolveSlot turns a slot reference, an index or a profile slot name, into
// an index.
func (m *Manager) ResolveSlot(ref string) (int, error) {
	m.mu.RLock()
	profile := m.profile
	m.mu.RUnlock()

	return resolveSlot(profile, ref)
}

func resolveSlot(profile *types.CardProfileDefinition, ref string) (int, error) {
	if i, err := strconv.Atoi(ref); err == nil {
		return i, nil
	}
	if profile != nil {
		if i, ok := profile.SlotByName(ref); ok {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown slot %q", types.ErrDeviceNotFound, ref)
}

// SlotName returns the profile name of a slot, if it has one.
func (m *Manager) SlotName(index int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slotName(m.profile, index)
}

func slotName(profile *types.CardProfileDefinition, index int) string {
	if profile == nil {
		return ""
	}
	for _, s := range profile.Slots {
		if s.Index == index {
			return s.Name
		}
	}
	return ""
}
