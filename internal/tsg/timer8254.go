package tsg

import "fmt"

// 8254 read/load modes, bits 5-4 of the control word.
const (
	RWLatch   = 0
	RWLSBOnly = 1
	RWMSBOnly = 2
	RWLSBMSB  = 3
)

// ControlWord encodes an 8254 control word: counter select in bits 7-6,
// read/load mode in bits 5-4, counting mode in bits 3-1 and BCD in bit 0.
func ControlWord(counter, rw, mode int, bcd bool) (byte, error) {
	if counter < 0 || counter > 2 {
		return 0, fmt.Errorf("8254 counter %d out of range 0-2", counter)
	}
	if rw < RWLatch || rw > RWLSBMSB {
		return 0, fmt.Errorf("8254 read/load mode %d out of range 0-3", rw)
	}
	if mode < 0 || mode > 5 {
		return 0, fmt.Errorf("8254 mode %d out of range 0-5", mode)
	}

	w := byte(counter<<6 | rw<<4 | mode<<1)
	if bcd {
		w |= 1
	}
	return w, nil
}
