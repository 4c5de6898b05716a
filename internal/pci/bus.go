// Package pci provides the bus collaborator the card core consumes at attach
// and detach time: enabling the function, claiming and mapping its BARs,
// allocating a DMA-capable buffer and hooking the (shared) interrupt line.
//
// Two implementations exist. SysfsBus drives real hardware from user space
// through /sys/bus/pci, a UIO device for the interrupt line and a u-dma-buf
// device for the coherent buffer. SimBus backs everything with memory.
package pci

import (
	"fmt"

	"github.com/superdarn/timingd/internal/hw"
)

// IRQResult is what an interrupt handler reports for one interrupt.
type IRQResult int

const (
	// IRQNone means the interrupt was raised by another device on the line.
	IRQNone IRQResult = iota
	IRQHandled
)

func (r IRQResult) String() string {
	if r == IRQHandled {
		return "handled"
	}
	return "none"
}

// Handler is called once per interrupt on the line. It must not block.
type Handler func() IRQResult

// DMABuffer is a physically contiguous buffer the bus master can read.
type DMABuffer struct {
	Virt []byte
	Bus  uint64
}

func (b *DMABuffer) Cap() int {
	return len(b.Virt)
}

func (b *DMABuffer) String() string {
	return fmt.Sprintf("dma{bus=0x%x size=%d}", b.Bus, len(b.Virt))
}

// Bus is the set of bus and interrupt services used at attach/detach. None of
// these calls sit on the per-request path.
type Bus interface {
	EnableDevice() error
	DisableDevice() error
	SubsystemID() (vendor, device uint16, err error)
	SetBusMaster(enable bool) error

	RequestRegions(owner string) error
	ReleaseRegions() error
	MapRegion(bar int) (hw.Window, error)
	Unmap(w hw.Window) error

	AllocateDMABuffer(size int) (*DMABuffer, error)
	FreeDMABuffer(b *DMABuffer) error

	RegisterInterrupt(name string, h Handler) error
	UnregisterInterrupt() error
}
