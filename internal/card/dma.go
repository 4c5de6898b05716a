package card

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap"
)

// writeBulk copies count bytes into the DMA buffer and starts the PLX 9080
// moving them into the on-board FIFO. It returns as soon as the transfer is
// started; WaitBulk reports completion.
func (c *Card) writeBulk(index int, src io.Reader, count int) (int, error) {
	bm, err := c.registry.BusMaster()
	if err != nil {
		return 0, err
	}

	c.dmaMu.Lock()
	defer c.dmaMu.Unlock()

	if c.dma == nil {
		return 0, fmt.Errorf("%w: no dma buffer", types.ErrUnsupported)
	}
	if c.dma.Bus > math.MaxUint32 {
		return 0, fmt.Errorf("%w: dma buffer at 0x%x is not 32-bit addressable", types.ErrUnsupported, c.dma.Bus)
	}
	if count > c.dma.Cap() {
		return 0, fmt.Errorf("%w: transfer of %d bytes exceeds %d byte dma buffer",
			types.ErrInvalidArgument, count, c.dma.Cap())
	}

	// Without a dma_done source nothing ever reports completion, so the
	// buffer is reused on the caller's word.
	if c.irq.signalled() && c.irq.state() == AwaitingCompletion {
		return 0, fmt.Errorf("%w: bulk transfer on slot %d still in progress", types.ErrResourceConflict, index)
	}

	if _, err := io.ReadFull(src, c.dma.Virt[:count]); err != nil {
		return 0, fmt.Errorf("%w: bulk transfer on slot %d: %v", types.ErrIOFault, index, err)
	}

	started := c.irq.arm()
	if err := apply(bm.Base, bulkProgram(uint32(c.dma.Bus), uint32(count))); err != nil {
		if started {
			c.irq.complete()
		}
		return 0, fmt.Errorf("failed to program dma: %w", err)
	}

	c.logger.Debug("DMA started",
		c.slotField(index),
		zap.Int("bytes", count),
		zapHex("bus_addr", int64(c.dma.Bus)))
	c.publish(Event{Type: EventDMAStarted, Slot: index, Count: count})

	return count, nil
}

// WaitBulk blocks until the last transfer started on the bulk slot completes
// or ctx ends. It returns at once when no transfer is outstanding.
func (c *Card) WaitBulk(ctx context.Context, index int) error {
	c.life.RLock()
	_, err := c.lookup(index)
	bulk := c.registry.Topology().BulkSlot
	done := c.irq.wait()
	c.life.RUnlock()

	if err != nil {
		return err
	}
	if index != bulk {
		return fmt.Errorf("%w: slot %d does not do bulk transfers", types.ErrInvalidOperation, index)
	}
	if done == nil {
		return nil
	}

	select {
	case <-done:
		if c.irq.aborted() {
			return fmt.Errorf("%w: card detached during transfer", types.ErrDeviceNotFound)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed waiting for bulk completion on slot %d: %w", index, ctx.Err())
	}
}
