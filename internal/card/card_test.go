package card

import (
	"bytes"
	"sync"
	"testing"

	"github.com/superdarn/timingd/internal/hw"
	"github.com/superdarn/timingd/internal/pci"
	"go.uber.org/zap/zaptest"
)

const (
	testBusMasterBAR = 0
	testSharedBAR    = 2
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func newSimBus() *pci.SimBus {
	return pci.NewSimBus(DefaultSubsystemVendor, DefaultSubsystemDevice, map[int]int{
		testBusMasterBAR: 0x100,
		testSharedBAR:    0x40,
	})
}

// attachSim attaches a reference card to a fresh simulator.
func attachSim(t *testing.T, opts Options) (*Card, *pci.SimBus) {
	t.Helper()

	bus := newSimBus()
	reg, err := NewRegistry(ReferenceTopology())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	opts.SharedBAR = testSharedBAR
	opts.BusMasterBAR = testBusMasterBAR
	c, err := Attach(bus, reg, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	t.Cleanup(func() { c.Detach() })
	return c, bus
}

func sharedTrace(bus *pci.SimBus) *hw.Recorder {
	return bus.Trace(testSharedBAR)
}

func busMasterTrace(bus *pci.SimBus) *hw.Recorder {
	return bus.Trace(testBusMasterBAR)
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i + 1)
	}
	return p
}

func write(c *Card, index int, p []byte) (int, error) {
	return c.Write(index, bytes.NewReader(p), len(p))
}
