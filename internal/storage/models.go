package storage

import (
	"time"

	"github.com/google/uuid"
)

// CommandRecord is one journaled byte-stream call.
type CommandRecord struct {
	ID        uuid.UUID  `json:"id"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	Slot      int        `json:"slot"`
	Operation string     `json:"operation"`
	Bytes     int        `json:"bytes"`
	Code      string     `json:"code,omitempty"`
	Arg       *int64     `json:"arg,omitempty"`
	Error     string     `json:"error,omitempty"`
	Actor     string     `json:"actor"`
	CreatedAt time.Time  `json:"created_at"`
}

type AuthEvent struct {
	ID        uuid.UUID `json:"id"`
	EventType string    `json:"event_type"`
	Subject   string    `json:"subject"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Attachment records one attach of the card and the profile it ran with.
type Attachment struct {
	ID         uuid.UUID  `json:"id"`
	ProfileID  string     `json:"profile_id"`
	Definition []byte     `json:"definition"` // JSONB
	Bus        string     `json:"bus"`
	PCIAddress string     `json:"pci_address"`
	AttachedAt time.Time  `json:"attached_at"`
	DetachedAt *time.Time `json:"detached_at,omitempty"`
}
