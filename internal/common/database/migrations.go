package database

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	stmt    string
}

var migrations = []migration{
	{
		version: 1,
		name:    "mailbox",
		stmt: `
CREATE TABLE IF NOT EXISTS notifications (
	id                UUID PRIMARY KEY,
	recipient_id      TEXT NOT NULL,
	type              TEXT NOT NULL,
	title             TEXT NOT NULL,
	message           TEXT NOT NULL DEFAULT '',
	action_ref        TEXT NOT NULL DEFAULT '',
	related_entity_id TEXT NOT NULL DEFAULT '',
	triggered_by      TEXT NOT NULL DEFAULT '',
	read              BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL,
	read_at           TIMESTAMPTZ,
	idempotency_key   TEXT
);
CREATE INDEX IF NOT EXISTS notifications_recipient_created_idx
	ON notifications (recipient_id, created_at DESC);
CREATE INDEX IF NOT EXISTS notifications_recipient_unread_idx
	ON notifications (recipient_id) WHERE NOT read;
CREATE UNIQUE INDEX IF NOT EXISTS notifications_idempotency_idx
	ON notifications (recipient_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS mailbox_counters (
	recipient_id TEXT PRIMARY KEY,
	unread       BIGINT NOT NULL DEFAULT 0
);`,
	},
	{
		version: 2,
		name:    "messaging",
		stmt: `
CREATE TABLE IF NOT EXISTS conversations (
	id                  TEXT PRIMARY KEY,
	participant_a       TEXT NOT NULL,
	participant_b       TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	last_message_text   TEXT NOT NULL DEFAULT '',
	last_message_time   TIMESTAMPTZ,
	last_message_sender TEXT NOT NULL DEFAULT '',
	CHECK (participant_a < participant_b)
);
CREATE INDEX IF NOT EXISTS conversations_a_idx ON conversations (participant_a);
CREATE INDEX IF NOT EXISTS conversations_b_idx ON conversations (participant_b);
CREATE TABLE IF NOT EXISTS messages (
	seq             BIGSERIAL PRIMARY KEY,
	id              UUID NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL REFERENCES conversations (id),
	sender_id       TEXT NOT NULL,
	receiver_id     TEXT NOT NULL,
	text            TEXT NOT NULL,
	ts              TIMESTAMPTZ NOT NULL,
	read            BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS messages_conversation_order_idx
	ON messages (conversation_id, ts, seq);`,
	},
}

// Migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d (%s): begin: %w", m.version, m.name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
		return fmt.Errorf("migration %d (%s): record version: %w", m.version, m.name, err)
	}
	return tx.Commit()
}
