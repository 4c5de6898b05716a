package pci

import (
	"fmt"
	"sync"

	"github.com/superdarn/timingd/internal/hw"
	"github.com/superdarn/timingd/internal/types"
)

// DefaultSimBusAddress is the bus address handed out for simulated buffers.
const DefaultSimBusAddress = 0x1f000000

// SimBus is an in-memory bus: BARs are hw.Memory windows seen through a
// hw.Recorder, the DMA buffer is a Go slice and interrupts are raised by
// calling Fire. Every call is logged so attach/detach ordering can be checked.
type SimBus struct {
	SubsystemVendor uint16
	SubsystemDevice uint16
	// BusAddress is reported for the next allocated DMA buffer.
	BusAddress uint64
	// Fail makes the named method return the given error, e.g. "MapRegion:1".
	Fail map[string]error

	mu       sync.Mutex
	sizes    map[int]int
	regions  map[int]*hw.Memory
	traces   map[int]*hw.Recorder
	mapped   map[hw.Window]int
	enabled  bool
	master   bool
	claimed  bool
	dma      *DMABuffer
	handler  Handler
	calls    []string
	irqCount int
}

// NewSimBus creates a simulated card reporting the given subsystem ids, with
// one memory region of the given size per BAR.
func NewSimBus(subVendor, subDevice uint16, barSizes map[int]int) *SimBus {
	return &SimBus{
		SubsystemVendor: subVendor,
		SubsystemDevice: subDevice,
		BusAddress:      DefaultSimBusAddress,
		Fail:            make(map[string]error),
		sizes:           barSizes,
		regions:         make(map[int]*hw.Memory),
		traces:          make(map[int]*hw.Recorder),
		mapped:          make(map[hw.Window]int),
	}
}

func (s *SimBus) call(name string) error {
	s.calls = append(s.calls, name)
	if err, ok := s.Fail[name]; ok {
		return err
	}
	return nil
}

// Calls returns the ordered list of bus calls made so far.
func (s *SimBus) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *SimBus) EnableDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("EnableDevice"); err != nil {
		return err
	}
	s.enabled = true
	return nil
}

func (s *SimBus) DisableDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	return s.call("DisableDevice")
}

func (s *SimBus) SubsystemID() (uint16, uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("SubsystemID"); err != nil {
		return 0, 0, err
	}
	return s.SubsystemVendor, s.SubsystemDevice, nil
}

func (s *SimBus) SetBusMaster(enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(fmt.Sprintf("SetBusMaster:%t", enable)); err != nil {
		return err
	}
	s.master = enable
	return nil
}

func (s *SimBus) RequestRegions(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("RequestRegions"); err != nil {
		return err
	}
	if s.claimed {
		return fmt.Errorf("%w: regions already claimed", types.ErrResourceConflict)
	}
	s.claimed = true
	return nil
}

func (s *SimBus) ReleaseRegions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = false
	return s.call("ReleaseRegions")
}

func (s *SimBus) MapRegion(bar int) (hw.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(fmt.Sprintf("MapRegion:%d", bar)); err != nil {
		return nil, err
	}
	size, ok := s.sizes[bar]
	if !ok || size <= 0 {
		return nil, fmt.Errorf("%w: bar %d not implemented", types.ErrDeviceNotFound, bar)
	}
	rec, ok := s.traces[bar]
	if !ok {
		m := hw.NewMemory(size)
		rec = hw.NewRecorder(m)
		s.regions[bar] = m
		s.traces[bar] = rec
	}
	s.mapped[rec] = bar
	return rec, nil
}

func (s *SimBus) Unmap(w hw.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bar, ok := s.mapped[w]
	if err := s.call(fmt.Sprintf("Unmap:%d", bar)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("window not mapped")
	}
	delete(s.mapped, w)
	return nil
}

// Region exposes the backing memory of a BAR so tests can inspect registers.
func (s *SimBus) Region(bar int) *hw.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regions[bar]
}

// Trace returns the write recorder in front of a BAR, nil until it is mapped.
func (s *SimBus) Trace(bar int) *hw.Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traces[bar]
}

func (s *SimBus) AllocateDMABuffer(size int) (*DMABuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("AllocateDMABuffer"); err != nil {
		return nil, err
	}
	if s.dma != nil {
		return nil, fmt.Errorf("%w: dma buffer already allocated", types.ErrResourceConflict)
	}
	s.dma = &DMABuffer{Virt: make([]byte, size), Bus: s.BusAddress}
	return s.dma, nil
}

func (s *SimBus) FreeDMABuffer(b *DMABuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("FreeDMABuffer"); err != nil {
		return err
	}
	if b != s.dma {
		return fmt.Errorf("dma buffer not allocated by this bus")
	}
	s.dma = nil
	return nil
}

// DMABuffer returns the currently allocated buffer, if any.
func (s *SimBus) DMABuffer() *DMABuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dma
}

func (s *SimBus) RegisterInterrupt(name string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("RegisterInterrupt"); err != nil {
		return err
	}
	if s.handler != nil {
		return fmt.Errorf("%w: interrupt line already claimed", types.ErrResourceConflict)
	}
	s.handler = h
	return nil
}

func (s *SimBus) UnregisterInterrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil
	return s.call("UnregisterInterrupt")
}

// Fire raises one interrupt on the line and returns the handler's verdict.
// With no handler registered the interrupt is nobody's.
func (s *SimBus) Fire() IRQResult {
	s.mu.Lock()
	h := s.handler
	s.irqCount++
	s.mu.Unlock()

	if h == nil {
		return IRQNone
	}
	return h()
}

// State reports whether the device is enabled, bus mastering and claimed.
func (s *SimBus) State() (enabled, master, claimed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, s.master, s.claimed
}
