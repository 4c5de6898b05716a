//go:build linux

package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// poll timeout in milliseconds; bounds how long Stop waits for the loop
const uioPollTimeout = 100

// irqListener waits on a UIO device and calls the handler once per interrupt.
// Reading the device blocks until the next interrupt; writing 1 re-arms it.
type irqListener struct {
	f       *os.File
	name    string
	handler Handler
	logger  *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex

	handled uint64
	foreign uint64
}

func newIRQListener(path, name string, h Handler, logger *zap.Logger) (*irqListener, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return nil, fmt.Errorf("%w: %s in use", types.ErrResourceConflict, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	return &irqListener{
		f:        f,
		name:     name,
		handler:  h,
		logger:   logger,
		stopChan: make(chan struct{}),
	}, nil
}

// Start arms the line and starts the wait loop.
func (l *irqListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}

	if err := l.rearm(); err != nil {
		return fmt.Errorf("failed to enable interrupt: %w", err)
	}

	l.running = true
	l.wg.Add(1)

	go l.waitLoop()

	l.logger.Info("Interrupt listener started",
		zap.String("name", l.name),
		zap.String("device", l.f.Name()))

	return nil
}

// Stop ends the wait loop and waits for it to exit.
func (l *irqListener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	close(l.stopChan)
	l.wg.Wait()

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	l.logger.Info("Interrupt listener stopped",
		zap.String("name", l.name),
		zap.Uint64("handled", l.handled),
		zap.Uint64("foreign", l.foreign))
}

func (l *irqListener) close() error {
	return l.f.Close()
}

func (l *irqListener) waitLoop() {
	defer l.wg.Done()

	fds := []unix.PollFd{{Fd: int32(l.f.Fd()), Events: unix.POLLIN}}
	var count [4]byte

	for {
		select {
		case <-l.stopChan:
			return
		default:
		}

		n, err := unix.Poll(fds, uioPollTimeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.logger.Error("Interrupt poll failed", zap.String("name", l.name), zap.Error(err))
			return
		}
		if n == 0 {
			continue
		}

		if _, err := l.f.Read(count[:]); err != nil {
			l.logger.Error("Interrupt read failed", zap.String("name", l.name), zap.Error(err))
			return
		}

		if l.handler() == IRQHandled {
			l.handled++
		} else {
			l.foreign++
		}

		if err := l.rearm(); err != nil {
			l.logger.Error("Interrupt re-arm failed", zap.String("name", l.name), zap.Error(err))
			return
		}
	}
}

func (l *irqListener) rearm() error {
	var one [4]byte
	binary.NativeEndian.PutUint32(one[:], 1)
	_, err := l.f.Write(one[:])
	return err
}
