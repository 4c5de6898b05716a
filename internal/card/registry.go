// Package card is the control core of the radar timing card. One shared
// register window is partitioned into logical device slots, each bound to a
// chip with its own write protocol:
//
//   - DigitalIO slots (PCI-7300A ports) take 32-bit little-endian chunks
//   - Timer slots (8254 counters) take exactly one byte
//   - the BusMaster slot (PLX 9080) lives in its own window and carries the
//     configurable sub-window offset
//
// Writes to the configured bulk slot are moved into the on-board FIFO by the
// PLX 9080 DMA engine. The shared interrupt line is handled by HandleInterrupt.
package card

import (
	"fmt"
	"sync"

	"github.com/superdarn/timingd/internal/hw"
	"github.com/superdarn/timingd/internal/types"
)

type Kind int

const (
	KindDigitalIO Kind = iota
	KindTimer
	KindBusMaster
)

func (k Kind) String() string {
	switch k {
	case KindDigitalIO:
		return "digital_io"
	case KindTimer:
		return "timer"
	case KindBusMaster:
		return "bus_master"
	default:
		return "unknown"
	}
}

// Topology fixes the slot partition at initialization time: the first IOPorts
// slots are DigitalIO, the next Timers slots are Timer and the rest BusMaster.
type Topology struct {
	Slots    int `json:"slots"`
	IOPorts  int `json:"io_ports"`
	Timers   int `json:"timers"`
	PortSize int `json:"port_size"`
	// BulkSlot is the DigitalIO slot whose writes go through DMA.
	BulkSlot int `json:"bulk_slot"`
}

// ReferenceTopology is the PCI-7300A layout: 8 I/O ports, 4 timer registers,
// one PLX 9080 slot, FIFO on slot 5.
func ReferenceTopology() Topology {
	return Topology{Slots: 13, IOPorts: 8, Timers: 4, PortSize: 4, BulkSlot: 5}
}

func (t Topology) Validate() error {
	if t.IOPorts < 0 || t.Timers < 0 {
		return fmt.Errorf("%w: negative slot count", types.ErrInvalidArgument)
	}
	if t.PortSize <= 0 {
		return fmt.Errorf("%w: port size must be positive", types.ErrInvalidArgument)
	}
	if t.Slots <= t.IOPorts+t.Timers {
		return fmt.Errorf("%w: %d slots leave no bus-master slot after %d io ports and %d timers",
			types.ErrInvalidArgument, t.Slots, t.IOPorts, t.Timers)
	}
	if t.BulkSlot < 0 || t.BulkSlot >= t.IOPorts {
		return fmt.Errorf("%w: bulk slot %d is not a digital io slot", types.ErrInvalidArgument, t.BulkSlot)
	}
	return nil
}

// KindOf applies the contiguous partition rule.
func (t Topology) KindOf(index int) Kind {
	switch {
	case index < t.IOPorts:
		return KindDigitalIO
	case index < t.IOPorts+t.Timers:
		return KindTimer
	default:
		return KindBusMaster
	}
}

// BusMasterConfig is the payload carried only by BusMaster slots.
type BusMasterConfig struct {
	Offset int64
}

// LogicalDevice is one addressable slot. Descriptors handed out by the
// Registry are copies; Base is a non-owning reference into a window.
type LogicalDevice struct {
	Index     int
	Kind      Kind
	Base      hw.Addr
	Length    int
	BusMaster *BusMasterConfig
}

// Registry owns the slot descriptors of one card.
type Registry struct {
	topology Topology

	mu        sync.RWMutex
	devices   []LogicalDevice
	busMaster int
	bound     bool
}

func NewRegistry(t Topology) (*Registry, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		topology:  t,
		devices:   make([]LogicalDevice, t.Slots),
		busMaster: -1,
	}
	for i := range r.devices {
		d := &r.devices[i]
		d.Index = i
		d.Kind = t.KindOf(i)
		if d.Kind == KindBusMaster {
			d.BusMaster = &BusMasterConfig{}
			if r.busMaster < 0 {
				r.busMaster = i
			}
		}
	}
	return r, nil
}

func (r *Registry) Topology() Topology {
	return r.topology
}

// Bind places every slot: DigitalIO and Timer slots at index*PortSize in the
// shared window, BusMaster slots at the start of their own window. Each
// slot's length is the span left in its window after its base.
func (r *Registry) Bind(window, busMasterWindow hw.Window) error {
	if window == nil {
		return fmt.Errorf("%w: shared register window unavailable", types.ErrDeviceNotFound)
	}
	if busMasterWindow == nil {
		return fmt.Errorf("%w: bus-master register window unavailable", types.ErrDeviceNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bound {
		return fmt.Errorf("%w: registry already bound", types.ErrResourceConflict)
	}

	placed := make([]hw.Addr, len(r.devices))
	lengths := make([]int, len(r.devices))
	for i, d := range r.devices {
		var a hw.Addr
		if d.Kind == KindBusMaster {
			a = hw.Addr{Window: busMasterWindow}
		} else {
			a = hw.Addr{Window: window, Offset: i * r.topology.PortSize}
		}
		if !a.Valid() {
			return fmt.Errorf("%w: slot %d base 0x%x outside window of 0x%x bytes",
				types.ErrDeviceNotFound, i, a.Offset, a.Window.Len())
		}
		placed[i] = a
		lengths[i] = a.Window.Len() - a.Offset
	}

	for i := range r.devices {
		r.devices[i].Base = placed[i]
		r.devices[i].Length = lengths[i]
	}
	r.bound = true
	return nil
}

// Unbind drops every window reference; later lookups fail DeviceNotFound.
func (r *Registry) Unbind() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.devices {
		r.devices[i].Base = hw.Addr{}
		r.devices[i].Length = 0
	}
	r.bound = false
}

func (r *Registry) Bound() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bound
}

func (r *Registry) Device(index int) (LogicalDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.device(index)
}

func (r *Registry) device(index int) (LogicalDevice, error) {
	if index < 0 || index >= len(r.devices) {
		return LogicalDevice{}, fmt.Errorf("%w: slot %d", types.ErrDeviceNotFound, index)
	}
	if !r.bound {
		return LogicalDevice{}, fmt.Errorf("%w: card not attached", types.ErrDeviceNotFound)
	}
	return r.devices[index].clone(), nil
}

// BusMaster returns the slot that drives the PLX 9080.
func (r *Registry) BusMaster() (LogicalDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.device(r.busMaster)
}

// Devices returns a snapshot of all slots, bound or not.
func (r *Registry) Devices() []LogicalDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LogicalDevice, len(r.devices))
	for i := range r.devices {
		out[i] = r.devices[i].clone()
	}
	return out
}

func (r *Registry) setOffset(index int, offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.device(index)
	if err != nil {
		return err
	}
	if d.Kind != KindBusMaster {
		return fmt.Errorf("%w: slot %d is %s, not bus master", types.ErrInvalidOperation, index, d.Kind)
	}
	r.devices[index].BusMaster.Offset = offset
	return nil
}

func (d LogicalDevice) clone() LogicalDevice {
	if d.BusMaster != nil {
		bm := *d.BusMaster
		d.BusMaster = &bm
	}
	return d
}
