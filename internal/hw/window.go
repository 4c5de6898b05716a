// Package hw provides register windows: contiguous address spans through which
// card registers are read and written. A window is either a real mapping of a
// PCI BAR (MMIO) or an in-memory stand-in (Memory) used by the simulator and
// tests. Addr pairs a window with a byte offset so every derived register
// address stays bounds-checked.
package hw

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfRange = errors.New("access outside register window")
	ErrMisaligned = errors.New("misaligned register access")
	ErrClosed     = errors.New("register window closed")
)

// Window is a mapped register span. 32-bit accesses are little-endian on the
// bus regardless of host byte order.
type Window interface {
	Len() int
	Read8(off int) (uint8, error)
	Read32(off int) (uint32, error)
	Write8(off int, v uint8) error
	Write32(off int, v uint32) error
	// ReadAt copies len(p) bytes starting at off.
	ReadAt(p []byte, off int64) (int, error)
}

// Addr is a derived register address: a window handle plus a byte offset.
type Addr struct {
	Window Window
	Offset int
}

func (a Addr) Valid() bool {
	return a.Window != nil && a.Offset >= 0 && a.Offset < a.Window.Len()
}

// At returns the address delta bytes past a.
func (a Addr) At(delta int) Addr {
	return Addr{Window: a.Window, Offset: a.Offset + delta}
}

func (a Addr) Read8() (uint8, error) {
	if a.Window == nil {
		return 0, ErrClosed
	}
	return a.Window.Read8(a.Offset)
}

func (a Addr) Read32() (uint32, error) {
	if a.Window == nil {
		return 0, ErrClosed
	}
	return a.Window.Read32(a.Offset)
}

func (a Addr) Write8(v uint8) error {
	if a.Window == nil {
		return ErrClosed
	}
	return a.Window.Write8(a.Offset, v)
}

func (a Addr) Write32(v uint32) error {
	if a.Window == nil {
		return ErrClosed
	}
	return a.Window.Write32(a.Offset, v)
}

// Read copies len(p) bytes starting at the address.
func (a Addr) Read(p []byte) (int, error) {
	if a.Window == nil {
		return 0, ErrClosed
	}
	return a.Window.ReadAt(p, int64(a.Offset))
}

func (a Addr) String() string {
	if a.Window == nil {
		return "<unbound>"
	}
	return fmt.Sprintf("+0x%x/0x%x", a.Offset, a.Window.Len())
}

func checkRange(size, off, n int) error {
	if off < 0 || n < 0 || off+n > size {
		return fmt.Errorf("%w: offset 0x%x len %d window 0x%x", ErrOutOfRange, off, n, size)
	}
	return nil
}
