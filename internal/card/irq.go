package card

import (
	"fmt"
	"sync"
	"time"

	"github.com/superdarn/timingd/internal/hw"
	"github.com/superdarn/timingd/internal/pci"
	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap"
)

type CompletionState int

const (
	Idle CompletionState = iota
	AwaitingCompletion
)

func (s CompletionState) String() string {
	if s == AwaitingCompletion {
		return "awaiting_completion"
	}
	return "idle"
}

type Meaning string

const (
	MeaningDMADone Meaning = "dma_done"
	MeaningDIO     Meaning = "dio"
)

// StatusSource is one status register bit group that marks an interrupt as
// this card's. The register sits Offset bytes past the slot's base; when any
// Mask bit is set, Ack is written back to the same register.
type StatusSource struct {
	Slot    int     `mapstructure:"slot" json:"slot"`
	Offset  int     `mapstructure:"offset" json:"offset"`
	Width   int     `mapstructure:"width" json:"width"`
	Mask    uint32  `mapstructure:"mask" json:"mask"`
	Ack     uint32  `mapstructure:"ack" json:"ack"`
	Meaning Meaning `mapstructure:"meaning" json:"meaning"`
}

func (s StatusSource) validate(t Topology) error {
	if s.Slot < 0 || s.Slot >= t.Slots {
		return fmt.Errorf("%w: status source slot %d", types.ErrInvalidArgument, s.Slot)
	}
	if s.Offset < 0 {
		return fmt.Errorf("%w: status source offset %d", types.ErrInvalidArgument, s.Offset)
	}
	if s.Width != 8 && s.Width != 32 {
		return fmt.Errorf("%w: status source width %d, expected 8 or 32", types.ErrInvalidArgument, s.Width)
	}
	if s.Mask == 0 {
		return fmt.Errorf("%w: status source on slot %d has an empty mask", types.ErrInvalidArgument, s.Slot)
	}
	if s.Meaning != MeaningDMADone && s.Meaning != MeaningDIO {
		return fmt.Errorf("%w: status source meaning %q", types.ErrInvalidArgument, s.Meaning)
	}
	return nil
}

func (s StatusSource) pending(base hw.Addr) (bool, error) {
	a := base.At(s.Offset)
	var v uint32
	if s.Width == 8 {
		b, err := a.Read8()
		if err != nil {
			return false, err
		}
		v = uint32(b)
	} else {
		w, err := a.Read32()
		if err != nil {
			return false, err
		}
		v = w
	}
	return v&s.Mask != 0, nil
}

func (s StatusSource) acknowledge(base hw.Addr) error {
	a := base.At(s.Offset)
	if s.Width == 8 {
		return a.Write8(uint8(s.Ack))
	}
	return a.Write32(s.Ack)
}

type InterruptStats struct {
	Handled uint64    `json:"handled"`
	Foreign uint64    `json:"foreign"`
	Last    time.Time `json:"last,omitempty"`
}

// interruptState is the two-state completion machine of the bulk slot plus
// line counters. Every critical section is a few assignments.
type interruptState struct {
	sources []StatusSource

	mu      sync.Mutex
	current CompletionState
	done    chan struct{}
	stopped bool
	counts  InterruptStats
}

func (s *interruptState) init(sources []StatusSource) {
	s.sources = append([]StatusSource(nil), sources...)
}

// arm moves to AwaitingCompletion and reports whether it left Idle. A
// transfer started while another is outstanding shares its waiters.
func (s *interruptState) arm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != Idle {
		return false
	}
	s.done = make(chan struct{})
	s.current = AwaitingCompletion
	return true
}

// signalled reports whether a dma_done source can ever complete a transfer.
func (s *interruptState) signalled() bool {
	for _, src := range s.sources {
		if src.Meaning == MeaningDMADone {
			return true
		}
	}
	return false
}

// complete returns to Idle and wakes waiters. It reports whether a transfer
// was outstanding.
func (s *interruptState) complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != AwaitingCompletion {
		return false
	}
	s.current = Idle
	close(s.done)
	return true
}

// abort wakes waiters for good; used at detach.
func (s *interruptState) abort() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.complete()
}

func (s *interruptState) aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// wait returns the channel closed at completion, nil when Idle.
func (s *interruptState) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == Idle {
		return nil
	}
	return s.done
}

func (s *interruptState) state() CompletionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *interruptState) count(mine bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mine {
		s.counts.Handled++
		s.counts.Last = time.Now()
	} else {
		s.counts.Foreign++
	}
}

func (s *interruptState) stats() InterruptStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// HandleInterrupt is called for every interrupt on the shared line. It checks
// the configured status sources, acknowledges those that are set and reports
// whether the interrupt was this card's. It never blocks.
func (c *Card) HandleInterrupt() pci.IRQResult {
	var hits []StatusSource

	for _, src := range c.irq.sources {
		d, err := c.registry.Device(src.Slot)
		if err != nil {
			continue
		}
		set, err := src.pending(d.Base)
		if err != nil || !set {
			continue
		}
		if err := src.acknowledge(d.Base); err != nil {
			c.logger.Warn("Failed to acknowledge interrupt",
				c.slotField(src.Slot),
				zap.String("meaning", string(src.Meaning)),
				zap.Error(err))
		}
		hits = append(hits, src)
	}

	if len(hits) == 0 {
		c.irq.count(false)
		return pci.IRQNone
	}
	c.irq.count(true)

	bulk := c.registry.Topology().BulkSlot
	for _, src := range hits {
		if src.Meaning == MeaningDMADone {
			if c.irq.complete() {
				c.publish(Event{Type: EventDMAComplete, Slot: bulk})
			}
			continue
		}
		c.publish(Event{Type: EventInterrupt, Slot: src.Slot, Meaning: string(src.Meaning)})
	}
	return pci.IRQHandled
}
