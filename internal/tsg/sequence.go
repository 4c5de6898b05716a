package tsg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Sequence is a pulse-sequence file: the table parameters, the timer
// setup and the slots and digital output CSR values used to run it.
type Sequence struct {
	Params Params      `yaml:",inline"`
	Timer  TimerConfig `yaml:"timer"`
	CSR    CSRConfig   `yaml:"do_csr"`
	Slots  SlotNames   `yaml:"slots"`
	// Settle is the pause between loading the FIFO and enabling output.
	Settle time.Duration `yaml:"settle"`
	// ChunkBytes bounds one bulk write; the card's DMA buffer size.
	ChunkBytes int `yaml:"chunk_bytes"`
	// DMABytesPerSecond sizes the pause after each chunk on cards that
	// cannot signal completion.
	DMABytesPerSecond int `yaml:"dma_bytes_per_second"`
}

// minChunkPause is the shortest pause taken in place of a completion wait.
const minChunkPause = 10 * time.Millisecond

// ChunkPause is how long a chunk of n bytes is given to drain into the FIFO
// when no completion interrupt is available.
func (s *Sequence) ChunkPause(n int) time.Duration {
	d := time.Duration(int64(n) * int64(time.Second) / int64(s.DMABytesPerSecond))
	return max(d, minChunkPause)
}

// TimerConfig programs the 8254 counter that clocks the FIFO.
type TimerConfig struct {
	Counter int  `yaml:"counter"`
	Mode    int  `yaml:"mode"`
	Count   int  `yaml:"count"`
	BCD     bool `yaml:"bcd"`
}

// CSRConfig holds raw digital output CSR words. A nil value skips that write.
type CSRConfig struct {
	Reset  *uint32 `yaml:"reset"`
	Setup  *uint32 `yaml:"setup"`
	Enable *uint32 `yaml:"enable"`
}

// SlotNames are slot references, names or indices, on the card.
type SlotNames struct {
	CSR       string `yaml:"csr"`
	FIFO      string `yaml:"fifo"`
	TimerCtrl string `yaml:"timer_ctrl"`
	Timer     string `yaml:"timer"`
}

// DefaultSequence is the built-in test sequence without CSR values.
func DefaultSequence() Sequence {
	return Sequence{
		Params: DefaultParams(),
		Timer:  TimerConfig{Counter: 1, Mode: 2, Count: 100},
		Slots: SlotNames{
			CSR:       "do_csr",
			FIFO:      "do_fifo",
			TimerCtrl: "timer_ctrl",
			Timer:     "timer_1",
		},
		Settle:            time.Second,
		ChunkBytes:        20 * 1024,
		DMABytesPerSecond: 10_000_000,
	}
}

// LoadSequence reads a sequence file over the defaults.
func LoadSequence(path string) (*Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	return ParseSequence(data)
}

func ParseSequence(data []byte) (*Sequence, error) {
	seq := DefaultSequence()
	seq.Params.Pulses = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seq); err != nil {
		return nil, fmt.Errorf("failed to parse sequence: %w", err)
	}
	if seq.Params.Pulses == nil {
		seq.Params.Pulses = DefaultParams().Pulses
	}

	if err := seq.Validate(); err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *Sequence) Validate() error {
	if err := s.Params.Validate(); err != nil {
		return err
	}
	if s.Timer.Count < 0 || s.Timer.Count > 0xFF {
		return fmt.Errorf("timer count %d does not fit the LSB-only load", s.Timer.Count)
	}
	if _, err := ControlWord(s.Timer.Counter, RWLSBOnly, s.Timer.Mode, s.Timer.BCD); err != nil {
		return err
	}
	if s.ChunkBytes <= 0 || s.ChunkBytes%4 != 0 {
		return fmt.Errorf("chunk_bytes must be a positive multiple of 4")
	}
	if s.DMABytesPerSecond <= 0 {
		return fmt.Errorf("dma_bytes_per_second must be positive")
	}
	if s.Slots.CSR == "" || s.Slots.FIFO == "" || s.Slots.TimerCtrl == "" || s.Slots.Timer == "" {
		return fmt.Errorf("all of slots.csr, slots.fifo, slots.timer_ctrl and slots.timer are required")
	}
	return nil
}

// StepKind says how a step reaches the card.
type StepKind int

const (
	StepWrite StepKind = iota // write Data to Slot
	StepWait                  // wait for the bulk transfer on Slot
	StepPause                 // sleep for Pause
)

// Step is one action of a run. On a StepWait, Pause is what the runner
// sleeps instead when the card has no completion interrupt.
type Step struct {
	Kind  StepKind
	Name  string
	Slot  string
	Data  []byte
	Pause time.Duration
}

// Steps returns the run in order: CSR reset, timer control word, timer
// count, CSR setup, the table in bulk chunks with a completion wait after
// each, the settle pause and CSR enable. A chunk is never written while the
// previous one may still be in the DMA buffer.
func (s *Sequence) Steps() ([]Step, error) {
	words, err := s.Params.Build()
	if err != nil {
		return nil, err
	}
	ctrl, err := ControlWord(s.Timer.Counter, RWLSBOnly, s.Timer.Mode, s.Timer.BCD)
	if err != nil {
		return nil, err
	}

	var steps []Step
	csr := func(name string, v *uint32) {
		if v == nil {
			return
		}
		steps = append(steps, Step{
			Kind: StepWrite,
			Name: name,
			Slot: s.Slots.CSR,
			Data: binary.LittleEndian.AppendUint32(nil, *v),
		})
	}

	csr("csr reset", s.CSR.Reset)
	steps = append(steps,
		Step{Kind: StepWrite, Name: "timer control", Slot: s.Slots.TimerCtrl, Data: []byte{ctrl}},
		Step{Kind: StepWrite, Name: "timer count", Slot: s.Slots.Timer, Data: []byte{byte(s.Timer.Count)}},
	)
	csr("csr setup", s.CSR.Setup)

	table := Encode(words)
	for off := 0; off < len(table); off += s.ChunkBytes {
		end := min(off+s.ChunkBytes, len(table))
		steps = append(steps,
			Step{Kind: StepWrite, Name: fmt.Sprintf("fifo %d-%d", off, end), Slot: s.Slots.FIFO, Data: table[off:end]},
			Step{Kind: StepWait, Name: "fifo complete", Slot: s.Slots.FIFO, Pause: s.ChunkPause(end - off)},
		)
	}

	if s.Settle > 0 {
		steps = append(steps, Step{Kind: StepPause, Name: "settle", Pause: s.Settle})
	}
	csr("csr enable", s.CSR.Enable)
	return steps, nil
}
