package card

import (
	"fmt"
	"sync"
	"time"

	"github.com/superdarn/timingd/internal/hw"
	"github.com/superdarn/timingd/internal/pci"
	"go.uber.org/zap"
)

// ADLINK PCI-7300A identity as reported in the subsystem ids.
const (
	DefaultSubsystemVendor = 0x144A
	DefaultSubsystemDevice = 0x7300
	DefaultDMABufferSize   = 20 * 1024
	DefaultOwner           = "timing"
)

// Options describe how to attach one card.
type Options struct {
	// Owner names the claimed regions and the interrupt handler.
	Owner           string
	SubsystemVendor uint16
	SubsystemDevice uint16
	SharedBAR       int
	BusMasterBAR    int
	DMABufferSize   int
	// Sources are the status bits recognized on the shared interrupt line.
	Sources []StatusSource
	Sink    EventSink
}

func (o *Options) setDefaults() {
	if o.Owner == "" {
		o.Owner = DefaultOwner
	}
	if o.SubsystemVendor == 0 {
		o.SubsystemVendor = DefaultSubsystemVendor
	}
	if o.SubsystemDevice == 0 {
		o.SubsystemDevice = DefaultSubsystemDevice
	}
	if o.DMABufferSize <= 0 {
		o.DMABufferSize = DefaultDMABufferSize
	}
}

// Card is one attached timing card: the bound registry, the DMA buffer and
// the resources to give back at detach.
type Card struct {
	registry *Registry
	logger   *zap.Logger
	sink     EventSink
	owner    string

	// held shared by every call and exclusively by Detach
	life     sync.RWMutex
	detached bool

	// serializes copy + program + start of a bulk transfer
	dmaMu sync.Mutex
	dma   *pci.DMABuffer

	irq interruptState

	bus     pci.Bus
	windows []hw.Window
}

// New builds a card around an already bound registry. Attach is the normal
// way to get one; New is for callers that obtained windows and buffer
// themselves.
func New(registry *Registry, dma *pci.DMABuffer, opts Options, logger *zap.Logger) (*Card, error) {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, src := range opts.Sources {
		if err := src.validate(registry.Topology()); err != nil {
			return nil, err
		}
	}

	c := &Card{
		registry: registry,
		logger:   logger,
		sink:     opts.Sink,
		owner:    opts.Owner,
		dma:      dma,
	}
	c.irq.init(opts.Sources)
	return c, nil
}

func (c *Card) Registry() *Registry {
	return c.registry
}

func (c *Card) Topology() Topology {
	return c.registry.Topology()
}

// DMABuffer returns the card's transfer buffer.
func (c *Card) DMABuffer() *pci.DMABuffer {
	return c.dma
}

// Status is a point-in-time view of the card for status endpoints.
type Status struct {
	Attached        bool         `json:"attached"`
	Topology        Topology     `json:"topology"`
	Slots           []SlotStatus `json:"slots"`
	BusMasterOffset int64        `json:"bus_master_offset"`
	DMABufferBytes  int          `json:"dma_buffer_bytes"`
	DMABusAddress   uint64       `json:"dma_bus_address"`
	BulkState       string       `json:"bulk_state"`
	// CompletionInterrupt is set when a dma_done source is configured, so
	// bulk transfers report completion.
	CompletionInterrupt bool           `json:"completion_interrupt"`
	Interrupts          InterruptStats `json:"interrupts"`
}

type SlotStatus struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Base   string `json:"base"`
	Length int    `json:"length"`
	Bulk   bool   `json:"bulk,omitempty"`
}

func (c *Card) Status() Status {
	c.life.RLock()
	defer c.life.RUnlock()

	t := c.registry.Topology()
	st := Status{
		Attached: !c.detached && c.registry.Bound(),
		Topology: t,
	}
	for _, d := range c.registry.Devices() {
		st.Slots = append(st.Slots, SlotStatus{
			Index:  d.Index,
			Kind:   d.Kind.String(),
			Base:   d.Base.String(),
			Length: d.Length,
			Bulk:   d.Index == t.BulkSlot,
		})
		if d.BusMaster != nil && st.BusMasterOffset == 0 {
			st.BusMasterOffset = d.BusMaster.Offset
		}
	}
	if c.dma != nil {
		st.DMABufferBytes = c.dma.Cap()
		st.DMABusAddress = c.dma.Bus
	}
	st.BulkState = c.irq.state().String()
	st.CompletionInterrupt = c.irq.signalled()
	st.Interrupts = c.irq.stats()
	return st
}

func (c *Card) publish(e Event) {
	if c.sink == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.sink.Publish(e)
}

func (c *Card) slotField(index int) zap.Field {
	return zap.Int("slot", index)
}

func zapHex(key string, v int64) zap.Field {
	return zap.String(key, fmt.Sprintf("0x%x", v))
}
