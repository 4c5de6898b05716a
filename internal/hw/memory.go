package hw

import (
	"encoding/binary"
	"sync"
)

// Memory is a Window backed by ordinary memory. Registers behave like plain
// storage: the last value written is the value read back.
type Memory struct {
	mu  sync.Mutex
	buf []byte
}

func NewMemory(size int) *Memory {
	return &Memory{buf: make([]byte, size)}
}

func (m *Memory) Len() int {
	return len(m.buf)
}

func (m *Memory) Read8(off int) (uint8, error) {
	if err := checkRange(len(m.buf), off, 1); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf[off], nil
}

func (m *Memory) Read32(off int) (uint32, error) {
	if err := checkRange(len(m.buf), off, 4); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint32(m.buf[off:]), nil
}

func (m *Memory) Write8(off int, v uint8) error {
	if err := checkRange(len(m.buf), off, 1); err != nil {
		return err
	}
	m.mu.Lock()
	m.buf[off] = v
	m.mu.Unlock()
	return nil
}

func (m *Memory) Write32(off int, v uint32) error {
	if err := checkRange(len(m.buf), off, 4); err != nil {
		return err
	}
	m.mu.Lock()
	binary.LittleEndian.PutUint32(m.buf[off:], v)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(len(m.buf), int(off), len(p)); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(p, m.buf[off:]), nil
}
