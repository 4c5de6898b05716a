package card

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/superdarn/timingd/internal/types"
)

// dioChunk is the register width of the PCI-7300A ports.
const dioChunk = 4

// writeDigitalIO streams src into the slot's command register four bytes at a
// time. Every chunk lands on the same address; a short final chunk is zero
// padded in its high bytes. Writes already issued when src fails stay issued.
func writeDigitalIO(d LogicalDevice, src io.Reader, count int) (int, error) {
	var chunk [dioChunk]byte
	done := 0

	for done < count {
		n := min(dioChunk, count-done)
		clear(chunk[:])
		if _, err := io.ReadFull(src, chunk[:n]); err != nil {
			return done, fmt.Errorf("%w: slot %d after %d bytes: %v", types.ErrIOFault, d.Index, done, err)
		}
		if err := d.Base.Write32(binary.LittleEndian.Uint32(chunk[:])); err != nil {
			return done, fmt.Errorf("failed to write slot %d: %w", d.Index, err)
		}
		done += n
	}
	return done, nil
}
