package card

import (
	"fmt"
	"io"

	"github.com/superdarn/timingd/internal/types"
)

// writeTimer passes one byte to an 8254 register. Control words and counts
// are both a single byte wide.
func writeTimer(d LogicalDevice, src io.Reader, count int) (int, error) {
	if count != 1 {
		return 0, fmt.Errorf("%w: 8254 registers take 1 byte, got %d", types.ErrInvalidArgument, count)
	}

	var b [1]byte
	if _, err := io.ReadFull(src, b[:]); err != nil {
		return 0, fmt.Errorf("%w: slot %d: %v", types.ErrIOFault, d.Index, err)
	}
	if err := d.Base.Write8(b[0]); err != nil {
		return 0, fmt.Errorf("failed to write slot %d: %w", d.Index, err)
	}
	return 1, nil
}
