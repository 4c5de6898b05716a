package interfaces

import (
	"context"
	"time"

	"github.com/superdarn/timingd/internal/config"
	"github.com/superdarn/timingd/internal/devices"
	"github.com/superdarn/timingd/internal/storage"
)

// SystemStatus represents the current daemon state
type SystemStatus struct {
	State       string        `json:"state"`
	Profile     string        `json:"profile,omitempty"`
	Bus         string        `json:"bus"`
	Attached    bool          `json:"attached"`
	Sessions    int           `json:"sessions"`
	LiveClients int           `json:"live_clients"`
	Journal     bool          `json:"journal"`
	Uptime      time.Duration `json:"uptime_ns"`
	Error       string        `json:"error,omitempty"`
}

// CommandJournal records byte-stream calls. storage.PostgresClient
// implements it.
type CommandJournal interface {
	RecordCommand(ctx context.Context, rec *storage.CommandRecord) error
	ListCommands(ctx context.Context, limit int) ([]*storage.CommandRecord, error)
}

type LifecycleManager interface {
	Config() *config.Config
	DeviceManager() *devices.Manager
	// Journal is nil when the database is disabled.
	Journal() CommandJournal
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
