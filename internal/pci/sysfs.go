//go:build linux

package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/superdarn/timingd/internal/hw"
	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultSysfsRoot = "/sys/bus/pci/devices"
	DefaultDMAClass  = "/sys/class/u-dma-buf"

	// offset of the command register in PCI configuration space
	configCommand = 0x04
	// bit 2 of the command register
	commandBusMaster = 1 << 2
)

type SysfsOptions struct {
	// Root is the sysfs directory holding PCI functions.
	Root string
	// Address is the function's bus address, e.g. "0000:03:00.0".
	Address string
	// UIODevice is the UIO node bound to the function, e.g. "/dev/uio0".
	UIODevice string
	// DMADevice is the u-dma-buf node name, e.g. "udmabuf0".
	DMADevice string
	// DMAClass is the u-dma-buf sysfs class directory.
	DMAClass string
}

// SysfsBus drives one PCI function from user space.
type SysfsBus struct {
	opts   SysfsOptions
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	lock    *os.File
	regions map[hw.Window]struct{}
	dma     map[*DMABuffer]*os.File
	irq     *irqListener
}

func NewSysfsBus(opts SysfsOptions, logger *zap.Logger) (*SysfsBus, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("%w: pci address not configured", types.ErrDeviceNotFound)
	}
	if opts.Root == "" {
		opts.Root = DefaultSysfsRoot
	}
	if opts.DMAClass == "" {
		opts.DMAClass = DefaultDMAClass
	}

	dir := filepath.Join(opts.Root, opts.Address)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrDeviceNotFound, opts.Address, err)
	}

	return &SysfsBus{
		opts:    opts,
		dir:     dir,
		logger:  logger,
		regions: make(map[hw.Window]struct{}),
		dma:     make(map[*DMABuffer]*os.File),
	}, nil
}

func (b *SysfsBus) EnableDevice() error {
	return os.WriteFile(filepath.Join(b.dir, "enable"), []byte("1"), 0)
}

func (b *SysfsBus) DisableDevice() error {
	return os.WriteFile(filepath.Join(b.dir, "enable"), []byte("0"), 0)
}

func (b *SysfsBus) SubsystemID() (uint16, uint16, error) {
	vendor, err := b.readHex("subsystem_vendor")
	if err != nil {
		return 0, 0, err
	}
	device, err := b.readHex("subsystem_device")
	if err != nil {
		return 0, 0, err
	}
	return vendor, device, nil
}

func (b *SysfsBus) readHex(name string) (uint16, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", name, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return uint16(v), nil
}

// SetBusMaster flips the bus master bit in the command register.
func (b *SysfsBus) SetBusMaster(enable bool) error {
	f, err := os.OpenFile(filepath.Join(b.dir, "config"), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open config space: %w", err)
	}
	defer f.Close()

	var buf [2]byte
	if _, err := f.ReadAt(buf[:], configCommand); err != nil {
		return fmt.Errorf("failed to read command register: %w", err)
	}
	cmd := binary.LittleEndian.Uint16(buf[:])
	if enable {
		cmd |= commandBusMaster
	} else {
		cmd &^= commandBusMaster
	}
	binary.LittleEndian.PutUint16(buf[:], cmd)
	if _, err := f.WriteAt(buf[:], configCommand); err != nil {
		return fmt.Errorf("failed to write command register: %w", err)
	}
	return nil
}

// RequestRegions takes an exclusive advisory lock on the function so a second
// daemon cannot drive the same card.
func (b *SysfsBus) RequestRegions(owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lock != nil {
		return fmt.Errorf("%w: regions already held", types.ErrResourceConflict)
	}

	f, err := os.Open(filepath.Join(b.dir, "config"))
	if err != nil {
		return fmt.Errorf("failed to open config space: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s regions claimed by another process", types.ErrResourceConflict, b.opts.Address)
		}
		return fmt.Errorf("failed to lock regions: %w", err)
	}
	b.lock = f

	b.logger.Debug("Regions claimed", zap.String("address", b.opts.Address), zap.String("owner", owner))
	return nil
}

func (b *SysfsBus) ReleaseRegions() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lock == nil {
		return nil
	}
	unix.Flock(int(b.lock.Fd()), unix.LOCK_UN)
	err := b.lock.Close()
	b.lock = nil
	return err
}

func (b *SysfsBus) MapRegion(bar int) (hw.Window, error) {
	path := filepath.Join(b.dir, fmt.Sprintf("resource%d", bar))
	w, err := hw.MapFile(path, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: bar %d: %v", types.ErrDeviceNotFound, bar, err)
	}

	b.mu.Lock()
	b.regions[w] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug("Region mapped", zap.Int("bar", bar), zap.Int("len", w.Len()))
	return w, nil
}

func (b *SysfsBus) Unmap(w hw.Window) error {
	b.mu.Lock()
	_, ok := b.regions[w]
	delete(b.regions, w)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("window not mapped by this bus")
	}
	return w.(*hw.MMIO).Close()
}

// AllocateDMABuffer maps size bytes of a u-dma-buf device. The buffer itself
// is reserved by the u-dma-buf module at load time.
func (b *SysfsBus) AllocateDMABuffer(size int) (*DMABuffer, error) {
	if b.opts.DMADevice == "" {
		return nil, fmt.Errorf("%w: no dma device configured", types.ErrUnsupported)
	}
	class := filepath.Join(b.opts.DMAClass, b.opts.DMADevice)

	avail, err := readUint(filepath.Join(class, "size"))
	if err != nil {
		return nil, err
	}
	if uint64(size) > avail {
		return nil, fmt.Errorf("%w: dma device holds %d bytes, need %d", types.ErrUnsupported, avail, size)
	}
	phys, err := readUint(filepath.Join(class, "phys_addr"))
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join("/dev", b.opts.DMADevice), os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open dma device: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap dma device: %w", err)
	}

	buf := &DMABuffer{Virt: mem, Bus: phys}
	b.mu.Lock()
	b.dma[buf] = f
	b.mu.Unlock()
	return buf, nil
}

func (b *SysfsBus) FreeDMABuffer(buf *DMABuffer) error {
	b.mu.Lock()
	f, ok := b.dma[buf]
	delete(b.dma, buf)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("dma buffer not allocated by this bus")
	}
	err := unix.Munmap(buf.Virt)
	buf.Virt = nil
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (b *SysfsBus) RegisterInterrupt(name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.irq != nil {
		return fmt.Errorf("%w: interrupt handler already registered", types.ErrResourceConflict)
	}
	if b.opts.UIODevice == "" {
		return fmt.Errorf("%w: no uio device configured", types.ErrResourceConflict)
	}

	l, err := newIRQListener(b.opts.UIODevice, name, h, b.logger)
	if err != nil {
		return err
	}
	if err := l.Start(); err != nil {
		l.close()
		return err
	}
	b.irq = l
	return nil
}

func (b *SysfsBus) UnregisterInterrupt() error {
	b.mu.Lock()
	l := b.irq
	b.irq = nil
	b.mu.Unlock()

	if l == nil {
		return nil
	}
	l.Stop()
	return l.close()
}

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return v, nil
}
