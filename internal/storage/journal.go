package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const maxListLimit = 1000

// RecordCommand journals one byte-stream call.
func (p *PostgresClient) RecordCommand(ctx context.Context, rec *CommandRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO card_commands (id, session_id, slot, operation, bytes, code, arg, error, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.SessionID, rec.Slot, rec.Operation, rec.Bytes, rec.Code, rec.Arg, rec.Error, rec.Actor, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

// ListCommands returns the most recent commands, newest first.
func (p *PostgresClient) ListCommands(ctx context.Context, limit int) ([]*CommandRecord, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, slot, operation, bytes, code, arg, error, actor, created_at
		FROM card_commands
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var records []*CommandRecord
	for rows.Next() {
		var rec CommandRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Slot, &rec.Operation, &rec.Bytes,
			&rec.Code, &rec.Arg, &rec.Error, &rec.Actor, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (p *PostgresClient) LogAuthEvent(ctx context.Context, ev *AuthEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO auth_events (id, event_type, subject, ip_address, user_agent, success, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.EventType, ev.Subject, ev.IPAddress, ev.UserAgent, ev.Success, ev.Reason)
	return err
}

// RecordAttachment stores the profile the card was attached with and returns
// the attachment id for MarkDetached.
func (p *PostgresClient) RecordAttachment(ctx context.Context, a *Attachment) (uuid.UUID, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	err := p.pool.QueryRow(ctx, `
		INSERT INTO card_attachments (id, profile_id, definition, bus, pci_address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING attached_at
	`, a.ID, a.ProfileID, a.Definition, a.Bus, a.PCIAddress).Scan(&a.AttachedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to record attachment: %w", err)
	}
	return a.ID, nil
}

func (p *PostgresClient) MarkDetached(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE card_attachments SET detached_at = NOW() WHERE id = $1 AND detached_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark detached: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attachment not found: %s", id)
	}
	return nil
}

// LastAttachment returns the most recent attachment record.
func (p *PostgresClient) LastAttachment(ctx context.Context) (*Attachment, error) {
	var a Attachment
	err := p.pool.QueryRow(ctx, `
		SELECT id, profile_id, definition, bus, pci_address, attached_at, detached_at
		FROM card_attachments
		ORDER BY attached_at DESC
		LIMIT 1
	`).Scan(&a.ID, &a.ProfileID, &a.Definition, &a.Bus, &a.PCIAddress, &a.AttachedAt, &a.DetachedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("no attachment recorded")
		}
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return &a, nil
}
