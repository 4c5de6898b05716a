package tsg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestBuildDefaultTable(t *testing.T) {
	words, err := DefaultParams().Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(words) != 16*1024 {
		t.Fatalf("expected 16384 words, got %d", len(words))
	}

	tests := []struct {
		index int
		want  uint32
	}{
		{0, 0},
		{1, BitSS},
		{125, 0},
		{126, BitATT},
		{135, BitATT},
		{136, BitATT | BitTR},
		{150, BitATT | BitTR},
		{151, BitATT | BitTR | BitTX},
		{180, BitATT | BitTR | BitTX},
		{181, BitATT | BitTR},
		{195, BitATT | BitTR},
		{196, BitATT},
		{205, BitATT},
		{206, 0},
		// second pulse at 14 tau, centred on word 2250
		{2251, BitATT | BitTR | BitTX},
		// last pulse at 43 tau, centred on word 6600
		{6630, BitATT | BitTR | BitTX},
		{6631, BitATT | BitTR},
		{6655, BitATT},
		{6656, 0},
		{16383, 0},
	}
	for _, tt := range tests {
		if words[tt.index] != tt.want {
			t.Errorf("word %d: got 0x%04x, want 0x%04x", tt.index, words[tt.index], tt.want)
		}
	}
}

func TestBuildRejectsBadParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero clock", func(p *Params) { p.ClockPeriodUS = 0 }},
		{"no pulses", func(p *Params) { p.Pulses = nil }},
		{"unordered pulses", func(p *Params) { p.Pulses = []int{0, 14, 14} }},
		{"negative buffer", func(p *Params) { p.TRBufferUS = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			if _, err := p.Build(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEncodeLittleEndian(t *testing.T) {
	got := Encode([]uint32{0x0000F000, 0x12345678})
	want := []byte{0x00, 0xF0, 0x00, 0x00, 0x78, 0x56, 0x34, 0x12}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestWriteTrace(t *testing.T) {
	var buf bytes.Buffer
	words := []uint32{0, BitSS | BitATT, BitATT | BitTR | BitTX, BitTR}
	if err := WriteTrace(&buf, words); err != nil {
		t.Fatalf("WriteTrace failed: %v", err)
	}

	want := "_|__\n_--_\n__-_\n__--\n"
	if buf.String() != want {
		t.Errorf("got\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestControlWord(t *testing.T) {
	w, err := ControlWord(1, RWLSBOnly, 2, false)
	if err != nil {
		t.Fatalf("ControlWord failed: %v", err)
	}
	if w != 0x54 {
		t.Errorf("got 0x%02x, want 0x54", w)
	}

	if w, _ := ControlWord(2, RWLSBMSB, 3, true); w != 0xB7 {
		t.Errorf("got 0x%02x, want 0xb7", w)
	}
	if _, err := ControlWord(3, RWLSBOnly, 2, false); err == nil {
		t.Error("counter 3: expected error")
	}
	if _, err := ControlWord(0, RWLSBOnly, 6, false); err == nil {
		t.Error("mode 6: expected error")
	}
}

func TestParseSequence(t *testing.T) {
	seq, err := ParseSequence([]byte(`
tau_us: 2400
timer:
  counter: 1
  mode: 2
  count: 50
do_csr:
  reset: 0x0
  enable: 0x3
settle: 250ms
`))
	if err != nil {
		t.Fatalf("ParseSequence failed: %v", err)
	}

	if seq.Params.TauUS != 2400 || seq.Params.ClockPeriodUS != 10 {
		t.Errorf("unexpected params %+v", seq.Params)
	}
	if len(seq.Params.Pulses) != 8 {
		t.Errorf("default pulses not kept: %v", seq.Params.Pulses)
	}
	if seq.Timer.Count != 50 || seq.Settle != 250*time.Millisecond {
		t.Errorf("unexpected timer %+v settle %s", seq.Timer, seq.Settle)
	}
	if seq.CSR.Reset == nil || *seq.CSR.Reset != 0 || seq.CSR.Setup != nil || *seq.CSR.Enable != 3 {
		t.Errorf("unexpected csr %+v", seq.CSR)
	}
	if seq.Slots.FIFO != "do_fifo" {
		t.Errorf("default slots not kept: %+v", seq.Slots)
	}
}

func TestParseSequenceRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "pulse_width: 3\n"},
		{"count too large", "timer: {counter: 1, mode: 2, count: 300}\n"},
		{"bad counter", "timer: {counter: 4, mode: 2, count: 10}\n"},
		{"odd chunk", "chunk_bytes: 10\n"},
		{"empty slot", "slots: {csr: do_csr, fifo: '', timer_ctrl: timer_ctrl, timer: timer_1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSequence([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStepsOrder(t *testing.T) {
	seq := DefaultSequence()
	reset, setup, enable := uint32(0), uint32(1), uint32(3)
	seq.CSR = CSRConfig{Reset: &reset, Setup: &setup, Enable: &enable}

	steps, err := seq.Steps()
	if err != nil {
		t.Fatalf("Steps failed: %v", err)
	}

	var names []string
	var fifo []byte
	for _, s := range steps {
		names = append(names, s.Name)
		if s.Kind == StepWrite && s.Slot == "do_fifo" {
			if len(s.Data) > seq.ChunkBytes {
				t.Errorf("chunk of %d bytes exceeds %d", len(s.Data), seq.ChunkBytes)
			}
			fifo = append(fifo, s.Data...)
		}
	}

	want := []string{
		"csr reset", "timer control", "timer count", "csr setup",
		"fifo 0-20480", "fifo complete",
		"fifo 20480-40960", "fifo complete",
		"fifo 40960-61440", "fifo complete",
		"fifo 61440-65536", "fifo complete",
		"settle", "csr enable",
	}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("got steps %v", names)
	}

	if steps[1].Slot != "timer_ctrl" || !bytes.Equal(steps[1].Data, []byte{0x54}) {
		t.Errorf("unexpected control step %+v", steps[1])
	}
	if steps[2].Slot != "timer_1" || !bytes.Equal(steps[2].Data, []byte{100}) {
		t.Errorf("unexpected count step %+v", steps[2])
	}
	if binary.LittleEndian.Uint32(steps[13].Data) != 3 {
		t.Errorf("unexpected enable data % x", steps[13].Data)
	}

	words, _ := seq.Params.Build()
	if !bytes.Equal(fifo, Encode(words)) {
		t.Error("chunks do not reassemble into the table")
	}
}

func TestStepsSkipMissingCSR(t *testing.T) {
	seq := DefaultSequence()
	steps, err := seq.Steps()
	if err != nil {
		t.Fatalf("Steps failed: %v", err)
	}
	for _, s := range steps {
		if s.Slot == "do_csr" {
			t.Errorf("unexpected csr step %q", s.Name)
		}
	}
	if steps[0].Name != "timer control" {
		t.Errorf("first step is %q", steps[0].Name)
	}
}

type fakeCard struct {
	info   *CardInfo
	opened []string
	closed []string
	writes []string
	waits  int
	failOn string
}

func (f *fakeCard) CardInfo(context.Context) (*CardInfo, error) {
	if f.info == nil {
		return &CardInfo{Attached: true, DMABufferBytes: 20 * 1024, CompletionInterrupt: true}, nil
	}
	return f.info, nil
}

func (f *fakeCard) OpenSession(_ context.Context, slot string) (*Session, error) {
	f.opened = append(f.opened, slot)
	return &Session{ID: "s-" + slot}, nil
}

func (f *fakeCard) CloseSession(_ context.Context, id string) error {
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeCard) Write(_ context.Context, id string, data []byte) (int, error) {
	if id == f.failOn {
		return 0, errors.New("IOFault")
	}
	f.writes = append(f.writes, id)
	return len(data), nil
}

func (f *fakeCard) Wait(context.Context, string, time.Duration) error {
	f.waits++
	return nil
}

func TestRunnerRun(t *testing.T) {
	fc := &fakeCard{}
	r := NewRunner(fc, time.Second, zaptest.NewLogger(t))
	var slept time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	steps, _ := DefaultSequence().Steps()
	if err := r.Run(context.Background(), steps); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(fc.opened) != 3 {
		t.Errorf("expected one session per slot, opened %v", fc.opened)
	}
	if len(fc.closed) != 3 {
		t.Errorf("expected 3 sessions closed, got %v", fc.closed)
	}
	if len(fc.writes) != 6 || fc.waits != 4 {
		t.Errorf("got %d writes and %d waits", len(fc.writes), fc.waits)
	}
	if slept != time.Second {
		t.Errorf("slept %s", slept)
	}
}

func TestRunnerStopsOnFailure(t *testing.T) {
	fc := &fakeCard{failOn: "s-timer_1"}
	r := NewRunner(fc, time.Second, zaptest.NewLogger(t))

	steps, _ := DefaultSequence().Steps()
	err := r.Run(context.Background(), steps)
	if err == nil || !strings.Contains(err.Error(), "timer count") {
		t.Fatalf("expected timer count failure, got %v", err)
	}
	if len(fc.writes) != 1 {
		t.Errorf("writes continued after failure: %v", fc.writes)
	}
	if len(fc.closed) != 2 {
		t.Errorf("opened sessions not closed: %v", fc.closed)
	}
}

func TestLoadShippedSequence(t *testing.T) {
	seq, err := LoadSequence("../../configs/sequences/eight-pulse.yaml")
	if err != nil {
		t.Fatalf("LoadSequence failed: %v", err)
	}
	if seq.CSR.Reset != nil || seq.CSR.Enable != nil {
		t.Errorf("shipped sequence carries csr values %+v", seq.CSR)
	}

	want := DefaultSequence()
	got, _ := seq.Params.Build()
	ref, _ := want.Params.Build()
	if !bytes.Equal(Encode(got), Encode(ref)) {
		t.Error("shipped sequence differs from the built-in one")
	}
}

func TestRunnerWithoutCompletionInterrupt(t *testing.T) {
	fc := &fakeCard{info: &CardInfo{Attached: true, DMABufferBytes: 20 * 1024}}
	r := NewRunner(fc, time.Second, zaptest.NewLogger(t))
	var pauses []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	steps, _ := DefaultSequence().Steps()
	if err := r.Run(context.Background(), steps); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if fc.waits != 0 {
		t.Errorf("waited %d times on a card that cannot signal completion", fc.waits)
	}
	if len(fc.writes) != 6 {
		t.Errorf("got %d writes", len(fc.writes))
	}
	want := []time.Duration{minChunkPause, minChunkPause, minChunkPause, minChunkPause, time.Second}
	if len(pauses) != len(want) {
		t.Fatalf("got pauses %v", pauses)
	}
	for i := range want {
		if pauses[i] != want[i] {
			t.Errorf("pause %d: got %s, want %s", i, pauses[i], want[i])
		}
	}
}

func TestChunkPause(t *testing.T) {
	seq := DefaultSequence()
	if got := seq.ChunkPause(1024); got != minChunkPause {
		t.Errorf("small chunk: got %s", got)
	}
	seq.DMABytesPerSecond = 1_000_000
	if got := seq.ChunkPause(20 * 1024); got != 20480*time.Microsecond {
		t.Errorf("slow bus: got %s", got)
	}
}

func TestRunnerPreflight(t *testing.T) {
	tests := []struct {
		name  string
		info  *CardInfo
		steps func() []Step
	}{
		{
			name: "detached",
			info: &CardInfo{},
			steps: func() []Step {
				s, _ := DefaultSequence().Steps()
				return s
			},
		},
		{
			name: "chunk larger than dma buffer",
			info: &CardInfo{Attached: true, DMABufferBytes: 4096, CompletionInterrupt: true},
			steps: func() []Step {
				s, _ := DefaultSequence().Steps()
				return s
			},
		},
		{
			name: "no completion source and no pause",
			info: &CardInfo{Attached: true, DMABufferBytes: 20 * 1024},
			steps: func() []Step {
				return []Step{
					{Kind: StepWrite, Name: "fifo", Slot: "do_fifo", Data: make([]byte, 64)},
					{Kind: StepWait, Name: "fifo complete", Slot: "do_fifo"},
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeCard{info: tt.info}
			r := NewRunner(fc, time.Second, zaptest.NewLogger(t))
			if err := r.Run(context.Background(), tt.steps()); err == nil {
				t.Fatal("expected error")
			}
			if len(fc.opened) != 0 || len(fc.writes) != 0 {
				t.Errorf("card touched before the check: opened %v, writes %v", fc.opened, fc.writes)
			}
		})
	}
}
