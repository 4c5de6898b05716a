package card

import (
	"fmt"
	"io"

	"github.com/superdarn/timingd/internal/types"
)

type ControlCode int

const (
	// ControlSetBusMasterOffset stores the PLX 9080 sub-window offset.
	ControlSetBusMasterOffset ControlCode = 1
)

func (c ControlCode) String() string {
	if c == ControlSetBusMasterOffset {
		return "set_busmaster_offset"
	}
	return fmt.Sprintf("control(%d)", int(c))
}

// ParseControlCode maps a wire name to its code.
func ParseControlCode(name string) (ControlCode, error) {
	if name == ControlSetBusMasterOffset.String() {
		return ControlSetBusMasterOffset, nil
	}
	return 0, fmt.Errorf("%w: unknown control code %q", types.ErrInvalidOperation, name)
}

// Read copies count bytes starting at the slot's base. The result holds the
// bytes actually copied.
func (c *Card) Read(index, count int) ([]byte, error) {
	c.life.RLock()
	defer c.life.RUnlock()

	d, err := c.lookup(index)
	if err != nil {
		return nil, err
	}
	if count < 0 || count > d.Length {
		return nil, fmt.Errorf("%w: read of %d bytes from slot %d with %d bytes of registers",
			types.ErrInvalidArgument, count, index, d.Length)
	}

	buf := make([]byte, count)
	n, err := d.Base.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read slot %d: %w", index, err)
	}
	return buf[:n], nil
}

// Write routes count bytes from src to the slot's write protocol and returns
// the number of bytes consumed. A failure reading src is an IOFault.
func (c *Card) Write(index int, src io.Reader, count int) (int, error) {
	c.life.RLock()
	defer c.life.RUnlock()

	d, err := c.lookup(index)
	if err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, fmt.Errorf("%w: negative write length", types.ErrInvalidArgument)
	}

	switch {
	case d.Kind == KindTimer:
		return writeTimer(d, src, count)
	case index == c.registry.Topology().BulkSlot:
		return c.writeBulk(index, src, count)
	default:
		return writeDigitalIO(d, src, count)
	}
}

// Control performs a device control call. Only ControlSetBusMasterOffset is
// recognized, on BusMaster slots, with 0 <= arg <= MaxBusOffset.
func (c *Card) Control(index int, code ControlCode, arg int64) error {
	c.life.RLock()
	defer c.life.RUnlock()

	d, err := c.lookup(index)
	if err != nil {
		return err
	}
	if code != ControlSetBusMasterOffset {
		return fmt.Errorf("%w: %s", types.ErrInvalidOperation, code)
	}
	if d.Kind != KindBusMaster {
		return fmt.Errorf("%w: slot %d is %s, not bus master", types.ErrInvalidOperation, index, d.Kind)
	}
	if arg < 0 || arg > MaxBusOffset {
		return fmt.Errorf("%w: offset 0x%x outside [0, 0x%x]", types.ErrInvalidOperation, arg, MaxBusOffset)
	}

	if err := c.registry.setOffset(index, arg); err != nil {
		return err
	}
	c.logger.Debug("Bus-master offset set", c.slotField(index), zapHex("offset", arg))
	return nil
}

func (c *Card) lookup(index int) (LogicalDevice, error) {
	if c.detached {
		return LogicalDevice{}, fmt.Errorf("%w: card detached", types.ErrDeviceNotFound)
	}
	return c.registry.Device(index)
}
