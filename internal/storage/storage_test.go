package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// newTestClient connects to TIMINGD_TEST_DSN, skipping when it is unset.
func newTestClient(t *testing.T) *PostgresClient {
	t.Helper()

	dsn := os.Getenv("TIMINGD_TEST_DSN")
	if dsn == "" {
		t.Skip("TIMINGD_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	c := &PostgresClient{pool: pool}
	if err := c.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return c
}

func TestCommandJournal(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	sid := uuid.New()
	arg := int64(0x80)
	rec := &CommandRecord{SessionID: &sid, Slot: 12, Operation: "control", Code: "set_busmaster_offset", Arg: &arg, Actor: "test"}
	if err := c.RecordCommand(ctx, rec); err != nil {
		t.Fatalf("RecordCommand failed: %v", err)
	}

	list, err := c.ListCommands(ctx, 50)
	if err != nil {
		t.Fatalf("ListCommands failed: %v", err)
	}
	var found *CommandRecord
	for _, r := range list {
		if r.ID == rec.ID {
			found = r
		}
	}
	if found == nil {
		t.Fatal("recorded command not listed")
	}
	if found.Arg == nil || *found.Arg != arg || found.SessionID == nil || *found.SessionID != sid {
		t.Errorf("unexpected record %+v", found)
	}
}

func TestAttachmentLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.RecordAttachment(ctx, &Attachment{ProfileID: "test", Definition: []byte(`{"a":1}`), Bus: "sim"})
	if err != nil {
		t.Fatalf("RecordAttachment failed: %v", err)
	}
	if err := c.MarkDetached(ctx, id); err != nil {
		t.Fatalf("MarkDetached failed: %v", err)
	}
	if err := c.MarkDetached(ctx, id); err == nil {
		t.Error("second MarkDetached should fail")
	}

	last, err := c.LastAttachment(ctx)
	if err != nil {
		t.Fatalf("LastAttachment failed: %v", err)
	}
	if last.ID != id || last.DetachedAt == nil {
		t.Errorf("unexpected attachment %+v", last)
	}
}

func TestLogAuthEvent(t *testing.T) {
	c := newTestClient(t)
	if err := c.LogAuthEvent(context.Background(), &AuthEvent{EventType: "login", Subject: "op", Success: false, Reason: "bad password"}); err != nil {
		t.Fatalf("LogAuthEvent failed: %v", err)
	}
}
