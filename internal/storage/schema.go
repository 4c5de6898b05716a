package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS card_attachments (
		id          UUID PRIMARY KEY,
		profile_id  TEXT NOT NULL,
		definition  JSONB NOT NULL,
		bus         TEXT NOT NULL,
		pci_address TEXT NOT NULL DEFAULT '',
		attached_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		detached_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS card_commands (
		id         UUID PRIMARY KEY,
		session_id UUID,
		slot       INTEGER NOT NULL,
		operation  TEXT NOT NULL,
		bytes      INTEGER NOT NULL DEFAULT 0,
		code       TEXT NOT NULL DEFAULT '',
		arg        BIGINT,
		error      TEXT NOT NULL DEFAULT '',
		actor      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS card_commands_created_at_idx ON card_commands (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS auth_events (
		id         UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		subject    TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		success    BOOLEAN NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates the journal tables if they do not exist.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return tx.Commit(ctx)
}
