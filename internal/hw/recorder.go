package hw

import (
	"fmt"
	"sync"
)

type OpKind int

const (
	OpWrite8 OpKind = iota
	OpWrite32
)

func (k OpKind) String() string {
	switch k {
	case OpWrite8:
		return "w8"
	case OpWrite32:
		return "w32"
	default:
		return "unknown"
	}
}

// Op is one register write seen by a Recorder.
type Op struct {
	Kind   OpKind
	Offset int
	Value  uint32
}

func (o Op) String() string {
	return fmt.Sprintf("%s[0x%02x]=0x%x", o.Kind, o.Offset, o.Value)
}

// Recorder wraps a Window and keeps an ordered trace of every successful
// register write. Reads pass through untraced.
type Recorder struct {
	Window

	mu  sync.Mutex
	ops []Op
}

func NewRecorder(w Window) *Recorder {
	return &Recorder{Window: w}
}

func (r *Recorder) Write8(off int, v uint8) error {
	if err := r.Window.Write8(off, v); err != nil {
		return err
	}
	r.record(Op{Kind: OpWrite8, Offset: off, Value: uint32(v)})
	return nil
}

func (r *Recorder) Write32(off int, v uint32) error {
	if err := r.Window.Write32(off, v); err != nil {
		return err
	}
	r.record(Op{Kind: OpWrite32, Offset: off, Value: v})
	return nil
}

func (r *Recorder) record(op Op) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

// Ops returns a copy of the trace.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Op, len(r.ops))
	copy(out, r.ops)
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.ops = nil
	r.mu.Unlock()
}
