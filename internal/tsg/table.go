// Package tsg builds the pulse table for the digital output FIFO and the
// register writes that load and start it.
package tsg

import (
	"encoding/binary"
	"fmt"
)

// Output bits of a table word.
const (
	BitATT uint32 = 1 << 15 // attenuator
	BitTR  uint32 = 1 << 14 // transmit/receive switch
	BitTX  uint32 = 1 << 13 // transmitter gate
	BitSS  uint32 = 1 << 12 // scope sync
)

// Params describe one pulse sequence. Durations are in microseconds and are
// truncated to whole clock periods.
type Params struct {
	ClockPeriodUS int   `yaml:"clock_period_us"`
	TauUS         int   `yaml:"tau_us"`
	TRBufferUS    int   `yaml:"tr_buffer_us"`
	ATTBufferUS   int   `yaml:"att_buffer_us"`
	TXDurationUS  int   `yaml:"tx_duration_us"`
	TableWords    int   `yaml:"table_words"`
	Pulses        []int `yaml:"pulses"` // in units of tau
}

// DefaultParams is the eight-pulse test sequence: a 16K word table clocked
// at 10us with tau 1.5ms.
func DefaultParams() Params {
	return Params{
		ClockPeriodUS: 10,
		TauUS:         1500,
		TRBufferUS:    150,
		ATTBufferUS:   100,
		TXDurationUS:  300,
		TableWords:    16 * 1024,
		Pulses:        []int{0, 14, 22, 24, 27, 31, 42, 43},
	}
}

func (p Params) Validate() error {
	switch {
	case p.ClockPeriodUS <= 0:
		return fmt.Errorf("clock_period_us must be positive")
	case p.TableWords <= 0:
		return fmt.Errorf("table_words must be positive")
	case p.TauUS <= 0:
		return fmt.Errorf("tau_us must be positive")
	case p.TRBufferUS < 0 || p.ATTBufferUS < 0 || p.TXDurationUS < 0:
		return fmt.Errorf("buffers and tx_duration_us must not be negative")
	case len(p.Pulses) == 0:
		return fmt.Errorf("at least one pulse is required")
	}
	for i := 1; i < len(p.Pulses); i++ {
		if p.Pulses[i] <= p.Pulses[i-1] {
			return fmt.Errorf("pulses must be strictly increasing, got %v", p.Pulses)
		}
	}
	if p.Pulses[0] < 0 {
		return fmt.Errorf("pulse offsets must not be negative")
	}
	return nil
}

// Build returns the table. Pulse k is centred on word (Pulses[k]+1)*tau, the
// extra tau leaving room in front of the first pulse. Around each centre TX
// is high for tx_duration, TR additionally for tr_buffer either side and ATT
// for a further att_buffer. Word 1 carries the scope sync. Pulses are
// processed in order; a pulse is finished once its ATT window closes.
func (p Params) Build() ([]uint32, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tau := p.TauUS / p.ClockPeriodUS
	trBuf := p.TRBufferUS / p.ClockPeriodUS
	attBuf := p.ATTBufferUS / p.ClockPeriodUS
	tx := p.TXDurationUS / p.ClockPeriodUS

	words := make([]uint32, p.TableWords)
	j := 0
	for i := range words {
		if j >= len(p.Pulses) {
			break
		}

		var w uint32
		if i == 1 {
			w |= BitSS
		}

		centre := (p.Pulses[j] + 1) * tau
		if i > centre-trBuf-attBuf && i <= centre+trBuf+attBuf+tx {
			w |= BitATT
		}
		if i > centre-trBuf && i <= centre+trBuf+tx {
			w |= BitTR
		}
		if i > centre && i <= centre+tx {
			w |= BitTX
		}
		if i == centre+trBuf+attBuf+tx {
			j++
		}
		words[i] = w
	}
	return words, nil
}

// Encode lays the table out as little-endian 32-bit words, the order the
// FIFO consumes them.
func Encode(words []uint32) []byte {
	buf := make([]byte, 0, 4*len(words))
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	return buf
}
