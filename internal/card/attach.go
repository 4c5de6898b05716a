package card

import (
	"errors"
	"fmt"
	"math"

	"github.com/superdarn/timingd/internal/hw"
	"github.com/superdarn/timingd/internal/pci"
	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap"
)

// Attach brings the card up on bus and binds registry to its windows:
// enable, identity check, bus mastering, regions, both BARs, DMA buffer,
// interrupt line. Whatever was acquired before a failure is released in
// reverse order.
func Attach(bus pci.Bus, registry *Registry, opts Options, logger *zap.Logger) (*Card, error) {
	c, err := New(registry, nil, opts, logger)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()
	log := c.logger.With(zap.String("owner", opts.Owner))

	var undo []func() error
	fail := func(err error) (*Card, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			if rerr := undo[i](); rerr != nil {
				log.Warn("Release after failed attach failed", zap.Error(rerr))
			}
		}
		log.Error("Attach failed", zap.Error(err))
		return nil, err
	}

	if err := bus.EnableDevice(); err != nil {
		return fail(fmt.Errorf("failed to enable device: %w", err))
	}
	undo = append(undo, bus.DisableDevice)

	vendor, device, err := bus.SubsystemID()
	if err != nil {
		return fail(fmt.Errorf("failed to read subsystem id: %w", err))
	}
	if vendor != opts.SubsystemVendor || device != opts.SubsystemDevice {
		return fail(fmt.Errorf("%w: subsystem %04x:%04x, expected %04x:%04x",
			types.ErrDeviceNotFound, vendor, device, opts.SubsystemVendor, opts.SubsystemDevice))
	}

	if err := bus.SetBusMaster(true); err != nil {
		return fail(fmt.Errorf("failed to enable bus mastering: %w", err))
	}
	undo = append(undo, func() error { return bus.SetBusMaster(false) })

	if err := bus.RequestRegions(opts.Owner); err != nil {
		return fail(fmt.Errorf("failed to claim regions: %w", err))
	}
	undo = append(undo, bus.ReleaseRegions)

	shared, err := bus.MapRegion(opts.SharedBAR)
	if err != nil {
		return fail(fmt.Errorf("failed to map shared window (bar %d): %w", opts.SharedBAR, err))
	}
	undo = append(undo, func() error { return bus.Unmap(shared) })

	busMaster, err := bus.MapRegion(opts.BusMasterBAR)
	if err != nil {
		return fail(fmt.Errorf("failed to map bus-master window (bar %d): %w", opts.BusMasterBAR, err))
	}
	undo = append(undo, func() error { return bus.Unmap(busMaster) })

	buf, err := bus.AllocateDMABuffer(opts.DMABufferSize)
	if err != nil {
		return fail(fmt.Errorf("failed to allocate dma buffer: %w", err))
	}
	undo = append(undo, func() error { return bus.FreeDMABuffer(buf) })
	if buf.Bus > math.MaxUint32 {
		return fail(fmt.Errorf("%w: dma buffer at 0x%x needs 64-bit addressing", types.ErrUnsupported, buf.Bus))
	}

	if err := registry.Bind(shared, busMaster); err != nil {
		return fail(fmt.Errorf("failed to bind registry: %w", err))
	}
	undo = append(undo, func() error { registry.Unbind(); return nil })

	c.bus = bus
	c.dma = buf
	c.windows = []hw.Window{shared, busMaster}

	if err := bus.RegisterInterrupt(opts.Owner, c.HandleInterrupt); err != nil {
		return fail(fmt.Errorf("failed to register interrupt: %w", err))
	}

	log.Info("Card attached",
		zap.Int("slots", registry.Topology().Slots),
		zap.Int("shared_len", shared.Len()),
		zap.Int("bus_master_len", busMaster.Len()),
		zap.Stringer("dma", buf))
	c.publish(Event{Type: EventAttach, Slot: -1})

	return c, nil
}

// Detach releases everything Attach acquired in reverse order: interrupt
// line, DMA buffer, windows, regions, bus mastering, device. Afterwards every
// call on every slot fails with DeviceNotFound.
func (c *Card) Detach() error {
	c.life.Lock()
	defer c.life.Unlock()

	if c.detached {
		return nil
	}
	c.detached = true

	var errs []error
	if c.bus != nil {
		if err := c.bus.UnregisterInterrupt(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unregister interrupt: %w", err))
		}
	}
	c.irq.abort()

	if c.bus != nil {
		if c.dma != nil {
			if err := c.bus.FreeDMABuffer(c.dma); err != nil {
				errs = append(errs, fmt.Errorf("failed to free dma buffer: %w", err))
			}
		}
		for i := len(c.windows) - 1; i >= 0; i-- {
			if err := c.bus.Unmap(c.windows[i]); err != nil {
				errs = append(errs, fmt.Errorf("failed to unmap window: %w", err))
			}
		}
		if err := c.bus.ReleaseRegions(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release regions: %w", err))
		}
		if err := c.bus.SetBusMaster(false); err != nil {
			errs = append(errs, fmt.Errorf("failed to disable bus mastering: %w", err))
		}
		if err := c.bus.DisableDevice(); err != nil {
			errs = append(errs, fmt.Errorf("failed to disable device: %w", err))
		}
	}
	c.dma = nil
	c.windows = nil
	c.registry.Unbind()

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("Card detached with errors", zap.Error(err))
	} else {
		c.logger.Info("Card detached", zap.String("owner", c.owner))
	}
	c.publish(Event{Type: EventDetach, Slot: -1})
	return err
}
