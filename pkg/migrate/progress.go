// Package migrate moves legacy embedding data into the current store
// layout. Each source category migrates independently with a resumable
// cursor, so a crash mid-run continues where it stopped.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Source categories, migrated in this order.
const (
	CategorySQLVectors      = "sql_vectors"       // embeddings stored in the relational rag_vectors table
	CategoryLegacyKBLance   = "legacy_kb_lance"   // prior columnar knowledge-base tables
	CategoryLegacyChatLance = "legacy_chat_lance" // prior columnar chat tables
)

// Category statuses. A terminal status is never re-entered.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Progress is one category's persisted migration state.
type Progress struct {
	Category       string
	Status         string
	LastCursor     string
	TotalProcessed int64
	LastError      string
}

// Terminal reports whether the category needs no further work.
func (p *Progress) Terminal() bool {
	return p.Status == StatusCompleted
}

// loadProgress reads a category's row, defaulting to pending when absent.
func loadProgress(ctx context.Context, db *sql.DB, category string) (*Progress, error) {
	p := &Progress{Category: category, Status: StatusPending}
	err := db.QueryRowContext(ctx, `
		SELECT status, last_cursor, total_processed, last_error
		FROM migration_progress WHERE category = ?`, category).
		Scan(&p.Status, &p.LastCursor, &p.TotalProcessed, &p.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load progress for %s: %w", category, err)
	}
	return p, nil
}

// save persists the progress row.
func (p *Progress) save(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO migration_progress (category, status, last_cursor, total_processed, last_error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(category) DO UPDATE SET
			status = excluded.status,
			last_cursor = excluded.last_cursor,
			total_processed = excluded.total_processed,
			last_error = excluded.last_error,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		p.Category, p.Status, p.LastCursor, p.TotalProcessed, p.LastError)
	if err != nil {
		return fmt.Errorf("save progress for %s: %w", p.Category, err)
	}
	return nil
}

// sampleLimit caps how many skipped ids one run records.
const sampleLimit = 5

// skipSampler accumulates a bounded sample of skipped source ids for the
// progress row's last_error field.
type skipSampler struct {
	total int
	ids   []string
}

func (ss *skipSampler) add(id string) {
	ss.total++
	if len(ss.ids) < sampleLimit {
		ss.ids = append(ss.ids, id)
	}
}

func (ss *skipSampler) summary(reason string) string {
	if ss.total == 0 {
		return ""
	}
	return fmt.Sprintf("%s: skipped %d rows, sample [%s]", reason, ss.total, strings.Join(ss.ids, ", "))
}
