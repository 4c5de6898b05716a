//go:build linux

package hw

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMIO is a Window over a memory-mapped device file, typically a PCI sysfs
// resourceN file or /dev/mem.
type MMIO struct {
	f   *os.File
	mem []byte
}

// MapFile maps size bytes of path starting at offset for read/write access.
// A size of zero maps the whole file.
func MapFile(path string, offset int64, size int) (*MMIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	if size == 0 {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		size = int(st.Size() - offset)
	}
	if size <= 0 {
		f.Close()
		return nil, fmt.Errorf("%s: empty region", path)
	}

	mem, err := unix.Mmap(int(f.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
	}

	return &MMIO{f: f, mem: mem}, nil
}

func (m *MMIO) Len() int {
	return len(m.mem)
}

func (m *MMIO) Read8(off int) (uint8, error) {
	if err := checkRange(len(m.mem), off, 1); err != nil {
		return 0, err
	}
	return m.mem[off], nil
}

func (m *MMIO) Read32(off int) (uint32, error) {
	p, err := m.word(off)
	if err != nil {
		return 0, err
	}
	return leToHost(atomic.LoadUint32(p)), nil
}

func (m *MMIO) Write8(off int, v uint8) error {
	if err := checkRange(len(m.mem), off, 1); err != nil {
		return err
	}
	m.mem[off] = v
	return nil
}

func (m *MMIO) Write32(off int, v uint32) error {
	p, err := m.word(off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, leToHost(v))
	return nil
}

func (m *MMIO) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(len(m.mem), int(off), len(p)); err != nil {
		return 0, err
	}
	return copy(p, m.mem[off:]), nil
}

// Close unmaps the window. The window must not be used afterwards.
func (m *MMIO) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// word returns an aligned pointer for a single-width 32-bit access.
func (m *MMIO) word(off int) (*uint32, error) {
	if err := checkRange(len(m.mem), off, 4); err != nil {
		return nil, err
	}
	if off%4 != 0 {
		return nil, fmt.Errorf("%w: offset 0x%x", ErrMisaligned, off)
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off])), nil
}

var hostLittleEndian = func() bool {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	return b[0] == 1
}()

// leToHost swaps bytes on big-endian hosts; the conversion is its own inverse.
func leToHost(v uint32) uint32 {
	if hostLittleEndian {
		return v
	}
	return v>>24 | (v>>8)&0xff00 | (v<<8)&0xff0000 | v<<24
}
