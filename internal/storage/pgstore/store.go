// Package pgstore keeps mailboxes and conversation threads in PostgreSQL.
// Each mutation is one transaction; read transitions use conditional
// UPDATE ... WHERE NOT read so a repeat changes nothing.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"portal-mailbox/internal/common/metrics"
)

const backend = "postgres"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.StoreOpDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
