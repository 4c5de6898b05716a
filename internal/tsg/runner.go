package tsg

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Card is the subset of the client a Runner drives.
type Card interface {
	CardInfo(ctx context.Context) (*CardInfo, error)
	OpenSession(ctx context.Context, slot string) (*Session, error)
	CloseSession(ctx context.Context, id string) error
	Write(ctx context.Context, id string, data []byte) (int, error)
	Wait(ctx context.Context, id string, timeout time.Duration) error
}

// Runner executes sequence steps, one session per slot.
type Runner struct {
	card        Card
	waitTimeout time.Duration
	sleep       func(context.Context, time.Duration) error
	logger      *zap.Logger
}

func NewRunner(card Card, waitTimeout time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		card:        card,
		waitTimeout: waitTimeout,
		sleep:       sleepCtx,
		logger:      logger,
	}
}

// Run executes steps in order and stops at the first failure. Sessions
// opened along the way are closed before returning. The card is checked
// before the first write; a run it cannot complete touches no registers.
func (r *Runner) Run(ctx context.Context, steps []Step) error {
	signalled, err := r.preflight(ctx, steps)
	if err != nil {
		return err
	}

	sessions := make(map[string]string)
	defer func() {
		for slot, id := range sessions {
			if cerr := r.card.CloseSession(context.WithoutCancel(ctx), id); cerr != nil {
				r.logger.Warn("Failed to close session", zap.String("slot", slot), zap.Error(cerr))
			}
		}
	}()

	session := func(slot string) (string, error) {
		if id, ok := sessions[slot]; ok {
			return id, nil
		}
		s, err := r.card.OpenSession(ctx, slot)
		if err != nil {
			return "", err
		}
		sessions[slot] = s.ID
		return s.ID, nil
	}

	for i, step := range steps {
		switch {
		case step.Kind == StepPause:
			r.logger.Debug("Pausing", zap.Duration("pause", step.Pause))
			if err := r.sleep(ctx, step.Pause); err != nil {
				return err
			}
			continue
		case step.Kind == StepWait && !signalled:
			r.logger.Debug("Pausing for bulk transfer", zap.Duration("pause", step.Pause))
			if err := r.sleep(ctx, step.Pause); err != nil {
				return err
			}
			continue
		}

		id, err := session(step.Slot)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Name, err)
		}

		switch step.Kind {
		case StepWrite:
			n, err := r.card.Write(ctx, id, step.Data)
			if err != nil {
				return fmt.Errorf("step %d (%s): %w", i, step.Name, err)
			}
			if n != len(step.Data) {
				return fmt.Errorf("step %d (%s): short write %d of %d bytes", i, step.Name, n, len(step.Data))
			}
			r.logger.Debug("Wrote",
				zap.String("step", step.Name),
				zap.String("slot", step.Slot),
				zap.Int("bytes", n))
		case StepWait:
			if err := r.card.Wait(ctx, id, r.waitTimeout); err != nil {
				return fmt.Errorf("step %d (%s): %w", i, step.Name, err)
			}
		}
	}
	return nil
}

// preflight checks the bulk writes against the card and reports whether it
// signals transfer completion.
func (r *Runner) preflight(ctx context.Context, steps []Step) (bool, error) {
	bulk := make(map[string]bool)
	for _, s := range steps {
		if s.Kind == StepWait {
			bulk[s.Slot] = true
		}
	}
	if len(bulk) == 0 {
		return true, nil
	}

	info, err := r.card.CardInfo(ctx)
	if err != nil {
		return false, err
	}
	if !info.Attached {
		return false, fmt.Errorf("card is not attached")
	}

	for i, s := range steps {
		switch {
		case s.Kind == StepWrite && bulk[s.Slot] && info.DMABufferBytes > 0 && len(s.Data) > info.DMABufferBytes:
			return false, fmt.Errorf("step %d (%s): %d bytes exceed the %d byte dma buffer",
				i, s.Name, len(s.Data), info.DMABufferBytes)
		case s.Kind == StepWait && !info.CompletionInterrupt && s.Pause <= 0:
			return false, fmt.Errorf("step %d (%s): card has no dma_done interrupt source and the step has no pause",
				i, s.Name)
		}
	}

	if !info.CompletionInterrupt {
		r.logger.Warn("Card has no dma_done interrupt source, pausing after each bulk write instead of waiting")
	}
	return info.CompletionInterrupt, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
