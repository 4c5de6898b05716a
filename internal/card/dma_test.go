package card

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/superdarn/timingd/internal/hw"
	"github.com/superdarn/timingd/internal/pci"
	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap/zaptest"
)

func TestBulkWriteTrace(t *testing.T) {
	sink := &recordingSink{}
	c, bus := attachSim(t, Options{Sink: sink})
	p := payload(4096)

	n, err := write(c, 5, p)
	if err != nil || n != len(p) {
		t.Fatalf("bulk write returned %d, %v", n, err)
	}

	want := []hw.Op{
		{Kind: hw.OpWrite8, Offset: 0xA9, Value: 0x08},
		{Kind: hw.OpWrite8, Offset: 0xA9, Value: 0x00},
		{Kind: hw.OpWrite32, Offset: 0x94, Value: 0x00000801},
		{Kind: hw.OpWrite32, Offset: 0x98, Value: pci.DefaultSimBusAddress},
		{Kind: hw.OpWrite32, Offset: 0x9C, Value: 0x14},
		{Kind: hw.OpWrite32, Offset: 0xA0, Value: 4096},
		{Kind: hw.OpWrite32, Offset: 0xA4, Value: 0},
		{Kind: hw.OpWrite8, Offset: 0xA9, Value: 0x01},
		{Kind: hw.OpWrite8, Offset: 0xA9, Value: 0x03},
	}
	got := busMasterTrace(bus).Ops()
	if len(got) != len(want) {
		t.Fatalf("got %d register writes %v, expected %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d: got %s expected %s", i, got[i], want[i])
		}
	}

	if ops := sharedTrace(bus).Ops(); len(ops) != 0 {
		t.Errorf("bulk write touched the shared window: %v", ops)
	}
	if !bytes.Equal(bus.DMABuffer().Virt[:len(p)], p) {
		t.Error("dma buffer does not hold the payload")
	}
	if st := c.Status(); st.BulkState != AwaitingCompletion.String() {
		t.Errorf("bulk state %s", st.BulkState)
	}
	if evs := sink.types(); len(evs) != 2 || evs[1] != EventDMAStarted {
		t.Errorf("events %v", evs)
	}
}

func TestBulkWriteCapacity(t *testing.T) {
	c, bus := attachSim(t, Options{DMABufferSize: 1024})

	if _, err := write(c, 5, payload(1025)); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if ops := busMasterTrace(bus).Ops(); len(ops) != 0 {
		t.Errorf("oversized transfer programmed %v", ops)
	}
	if n, err := write(c, 5, payload(1024)); err != nil || n != 1024 {
		t.Errorf("full buffer returned %d, %v", n, err)
	}
}

func TestBulkWriteCopyFault(t *testing.T) {
	c, bus := attachSim(t, Options{})

	_, err := c.Write(5, iotest.ErrReader(errors.New("bad address")), 512)
	if !errors.Is(err, types.ErrIOFault) {
		t.Fatalf("expected ErrIOFault, got %v", err)
	}
	if ops := busMasterTrace(bus).Ops(); len(ops) != 0 {
		t.Errorf("registers written after copy fault: %v", ops)
	}
	if st := c.Status(); st.BulkState != Idle.String() {
		t.Errorf("bulk state %s after copy fault", st.BulkState)
	}
}

var dmaDone = StatusSource{Slot: 12, Offset: 0xA8, Width: 8, Mask: 0x10, Ack: 0x08, Meaning: MeaningDMADone}

func TestInterruptWithoutSources(t *testing.T) {
	c, bus := attachSim(t, Options{})

	if got := bus.Fire(); got != pci.IRQNone {
		t.Errorf("expected none, got %s", got)
	}
	if st := c.Status(); st.Interrupts.Foreign != 1 || st.Interrupts.Handled != 0 {
		t.Errorf("unexpected counters %+v", st.Interrupts)
	}
}

func TestInterruptCompletesBulk(t *testing.T) {
	sink := &recordingSink{}
	c, bus := attachSim(t, Options{Sources: []StatusSource{dmaDone}, Sink: sink})

	if _, err := write(c, 5, payload(64)); err != nil {
		t.Fatalf("bulk write failed: %v", err)
	}

	waited := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		waited <- c.WaitBulk(ctx, 5)
	}()

	// status bit clear: somebody else's interrupt
	if got := bus.Fire(); got != pci.IRQNone {
		t.Fatalf("expected none, got %s", got)
	}

	plx := bus.Region(testBusMasterBAR)
	plx.Write8(0xA8, 0x10)
	if got := bus.Fire(); got != pci.IRQHandled {
		t.Fatalf("expected handled, got %s", got)
	}
	if v, _ := plx.Read8(0xA8); v != 0x08 {
		t.Errorf("status register holds 0x%02x after acknowledge", v)
	}

	if err := <-waited; err != nil {
		t.Errorf("WaitBulk returned %v", err)
	}
	if st := c.Status(); st.BulkState != Idle.String() {
		t.Errorf("bulk state %s after completion", st.BulkState)
	}

	evs := sink.types()
	if evs[len(evs)-1] != EventDMAComplete {
		t.Errorf("events %v", evs)
	}
}

func TestInterruptDIOSource(t *testing.T) {
	sink := &recordingSink{}
	dio := StatusSource{Slot: 3, Width: 32, Mask: 1 << 2, Ack: 0x0d, Meaning: MeaningDIO}
	c, bus := attachSim(t, Options{Sources: []StatusSource{dio}, Sink: sink})

	bus.Region(testSharedBAR).Write32(12, 1<<2)
	if got := bus.Fire(); got != pci.IRQHandled {
		t.Fatalf("expected handled, got %s", got)
	}
	if v, _ := bus.Region(testSharedBAR).Read32(12); v != 0x0d {
		t.Errorf("status register holds 0x%x", v)
	}
	if st := c.Status(); st.BulkState != Idle.String() {
		t.Errorf("dio interrupt changed bulk state to %s", st.BulkState)
	}
	evs := sink.types()
	if evs[len(evs)-1] != EventInterrupt {
		t.Errorf("events %v", evs)
	}
}

func TestInvalidStatusSource(t *testing.T) {
	reg, _ := NewRegistry(ReferenceTopology())
	bad := dmaDone
	bad.Width = 16

	if _, err := New(reg, nil, Options{Sources: []StatusSource{bad}}, nil); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestWaitBulk(t *testing.T) {
	c, _ := attachSim(t, Options{})

	if err := c.WaitBulk(context.Background(), 5); err != nil {
		t.Errorf("idle wait returned %v", err)
	}
	if err := c.WaitBulk(context.Background(), 3); !errors.Is(err, types.ErrInvalidOperation) {
		t.Errorf("non-bulk slot: expected ErrInvalidOperation, got %v", err)
	}

	write(c, 5, payload(16))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitBulk(ctx, 5); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestWaitBulkWokenByDetach(t *testing.T) {
	c, _ := attachSim(t, Options{})
	write(c, 5, payload(16))

	waited := make(chan error, 1)
	go func() { waited <- c.WaitBulk(context.Background(), 5) }()

	// the waiter may or may not have registered yet; both paths end in DeviceNotFound
	time.Sleep(10 * time.Millisecond)
	c.Detach()

	select {
	case err := <-waited:
		if !errors.Is(err, types.ErrDeviceNotFound) {
			t.Errorf("expected ErrDeviceNotFound, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken by detach")
	}
}

// bmWindow is a bus-master window that can refuse writes and reports each
// DMASIZ1 write before it lands.
type bmWindow struct {
	hw.Window
	fail   atomic.Bool
	onSize func(uint32)
}

func (w *bmWindow) Write8(off int, v uint8) error {
	if w.fail.Load() {
		return errors.New("master abort")
	}
	return w.Window.Write8(off, v)
}

func (w *bmWindow) Write32(off int, v uint32) error {
	if w.fail.Load() {
		return errors.New("master abort")
	}
	if off == plxDMASIZ1 && w.onSize != nil {
		w.onSize(v)
	}
	return w.Window.Write32(off, v)
}

const testDMABus = 0x2000

// newBareCard builds a card over in-memory windows without a bus.
func newBareCard(t *testing.T, opts Options) (*Card, *bmWindow, *hw.Recorder) {
	t.Helper()

	reg, err := NewRegistry(ReferenceTopology())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	bm := &bmWindow{Window: hw.NewMemory(0x100)}
	rec := hw.NewRecorder(bm)
	if err := reg.Bind(hw.NewMemory(0x40), rec); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	dma := &pci.DMABuffer{Virt: make([]byte, 4096), Bus: testDMABus}
	c, err := New(reg, dma, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, bm, rec
}

func TestConcurrentBulkWritesDoNotInterleave(t *testing.T) {
	c, bm, rec := newBareCard(t, Options{})

	const writers = 8
	tag := make(map[uint32]byte, writers)
	for i := range writers {
		tag[uint32(256+i*100)] = byte(0xA0 + i)
	}

	var mu sync.Mutex
	var mismatched []uint32
	bm.onSize = func(size uint32) {
		want := tag[size]
		for _, b := range c.dma.Virt[:size] {
			if b != want {
				mu.Lock()
				mismatched = append(mismatched, size)
				mu.Unlock()
				return
			}
		}
	}

	var wg sync.WaitGroup
	for size, b := range tag {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := bytes.Repeat([]byte{b}, int(size))
			if n, err := write(c, 5, p); err != nil || n != len(p) {
				t.Errorf("bulk write of %d returned %d, %v", size, n, err)
			}
		}()
	}
	wg.Wait()

	if len(mismatched) != 0 {
		t.Errorf("dma buffer did not hold the programmed transfer for sizes %v", mismatched)
	}

	ops := rec.Ops()
	if len(ops) != writers*9 {
		t.Fatalf("got %d register writes, expected %d", len(ops), writers*9)
	}
	seen := make(map[uint32]bool)
	for g := range writers {
		group := ops[g*9 : (g+1)*9]
		size := group[5].Value
		if _, ok := tag[size]; !ok || seen[size] {
			t.Fatalf("program %d has unexpected DMASIZ1 %d", g, size)
		}
		seen[size] = true

		want := bulkProgram(testDMABus, size)
		for i := range want {
			if group[i] != want[i] {
				t.Errorf("program %d write %d: got %s expected %s", g, i, group[i], want[i])
			}
		}
	}
}

func TestFailedProgramKeepsOutstandingTransfer(t *testing.T) {
	c, bm, _ := newBareCard(t, Options{})

	if _, err := write(c, 5, payload(64)); err != nil {
		t.Fatalf("first bulk write failed: %v", err)
	}

	bm.fail.Store(true)
	if _, err := write(c, 5, payload(32)); err == nil {
		t.Fatal("expected program failure")
	}
	if st := c.Status(); st.BulkState != AwaitingCompletion.String() {
		t.Errorf("bulk state %s after failed program", st.BulkState)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitBulk(ctx, 5); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("outstanding transfer reported %v, expected deadline exceeded", err)
	}
}

func TestFailedProgramFromIdle(t *testing.T) {
	c, bm, _ := newBareCard(t, Options{})
	bm.fail.Store(true)

	if _, err := write(c, 5, payload(64)); err == nil {
		t.Fatal("expected program failure")
	}
	if st := c.Status(); st.BulkState != Idle.String() {
		t.Errorf("bulk state %s after failed program", st.BulkState)
	}
	if err := c.WaitBulk(context.Background(), 5); err != nil {
		t.Errorf("idle wait returned %v", err)
	}
}

func TestBulkWriteWhileOutstanding(t *testing.T) {
	c, bus := attachSim(t, Options{Sources: []StatusSource{dmaDone}})
	if !c.Status().CompletionInterrupt {
		t.Error("completion interrupt not reported")
	}

	if _, err := write(c, 5, payload(64)); err != nil {
		t.Fatalf("bulk write failed: %v", err)
	}
	if _, err := write(c, 5, bytes.Repeat([]byte{0xEE}, 64)); !errors.Is(err, types.ErrResourceConflict) {
		t.Fatalf("expected ErrResourceConflict, got %v", err)
	}
	if !bytes.Equal(bus.DMABuffer().Virt[:64], payload(64)) {
		t.Error("rejected write touched the dma buffer")
	}
	if ops := busMasterTrace(bus).Ops(); len(ops) != 9 {
		t.Errorf("rejected write programmed registers: %d writes", len(ops))
	}

	bus.Region(testBusMasterBAR).Write8(0xA8, 0x10)
	if got := bus.Fire(); got != pci.IRQHandled {
		t.Fatalf("expected handled, got %s", got)
	}
	if _, err := write(c, 5, payload(64)); err != nil {
		t.Errorf("bulk write after completion failed: %v", err)
	}
}

func TestBulkWriteWithoutCompletionSource(t *testing.T) {
	c, _ := attachSim(t, Options{})
	if c.Status().CompletionInterrupt {
		t.Error("completion interrupt reported without a dma_done source")
	}

	for i := range 3 {
		if _, err := write(c, 5, payload(64)); err != nil {
			t.Fatalf("bulk write %d failed: %v", i, err)
		}
	}
}
