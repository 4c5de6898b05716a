//go:build !linux

package pci

import (
	"fmt"

	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap"
)

type SysfsOptions struct {
	Root      string
	Address   string
	UIODevice string
	DMADevice string
	DMAClass  string
}

// NewSysfsBus is only available on Linux; use the simulator elsewhere.
func NewSysfsBus(opts SysfsOptions, logger *zap.Logger) (Bus, error) {
	return nil, fmt.Errorf("%w: sysfs pci access requires linux", types.ErrUnsupported)
}
