package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/000haoji/deep-student-rag/pkg/core"
)

// Batch sizes per source kind. The relational source joins cheaply, so it
// takes larger batches than the legacy columnar tables.
const (
	sqlVectorsBatch  = 512
	legacyLanceBatch = 400
)

// settingGateFailures counts consecutive verification-gate failures. It
// resets to zero on a verified run; two failures in a row turn the quiet
// gate closure into a surfaced error.
const settingGateFailures = "rag.lance.migration.gate_failures"

// Coordinator drives the legacy-to-current migration. One Run migrates
// every pending category in order and then verifies the result; running it
// again is a no-op once everything is completed.
type Coordinator struct {
	store *core.SQLiteStore
	log   zerolog.Logger

	// skipped collects per-table engine failures of the current run.
	skipped []error

	// afterBatch runs after each persisted batch. Tests use it to simulate
	// a crash between batches.
	afterBatch func(category string, processed int) error
}

// New creates a coordinator over an open store.
func New(store *core.SQLiteStore, log zerolog.Logger) *Coordinator {
	return &Coordinator{store: store, log: log}
}

// tableError marks an engine failure scoped to one legacy source table.
// The category skips that table and continues with the next; the host sees
// the skip through last_error and, after two gate failures in a row,
// through Run's returned error.
type tableError struct {
	table string
	err   error
}

func (e *tableError) Error() string { return fmt.Sprintf("table %s: %v", e.table, e.err) }
func (e *tableError) Unwrap() error { return e.err }

// Run migrates every source category and writes the verification gate.
// Per-table engine failures are skipped and retried on the next run; any
// other failure stops the run and resumes from its cursor next time. A
// closed gate is not an error by itself — it only becomes one after two
// consecutive unverified runs.
func (c *Coordinator) Run(ctx context.Context) error {
	c.skipped = nil

	for _, category := range []string{CategorySQLVectors, CategoryLegacyKBLance, CategoryLegacyChatLance} {
		if err := c.runCategory(ctx, category); err != nil {
			// The gate stays closed until a fully verified run.
			_ = c.store.Settings().Set(ctx, core.SettingMigrationCompleted, "0")
			return err
		}
	}

	verified, err := c.verify(ctx)
	if err != nil {
		return err
	}
	if verified {
		return nil
	}

	failures := c.store.Settings().GetInt64(ctx, settingGateFailures, 0)
	if failures < 2 {
		return nil
	}
	if len(c.skipped) > 0 {
		return fmt.Errorf("migration gate failed %d consecutive runs: %w", failures, errors.Join(c.skipped...))
	}
	return fmt.Errorf("migration gate failed %d consecutive runs", failures)
}

func (c *Coordinator) runCategory(ctx context.Context, category string) error {
	rel := c.store.RelationalDB()

	p, err := loadProgress(ctx, rel, category)
	if err != nil {
		return err
	}
	if p.Terminal() {
		c.log.Debug().Str("category", category).Msg("category already migrated")
		return nil
	}

	p.Status = StatusInProgress
	if err := p.save(ctx, rel); err != nil {
		return err
	}
	c.log.Info().Str("category", category).Str("cursor", p.LastCursor).
		Int64("processed", p.TotalProcessed).Msg("migrating category")

	switch category {
	case CategorySQLVectors:
		err = c.migrateSQLVectors(ctx, p)
	case CategoryLegacyKBLance:
		err = c.migrateLegacyKB(ctx, p)
	case CategoryLegacyChatLance:
		err = c.migrateLegacyChat(ctx, p)
	default:
		err = fmt.Errorf("unknown category %s", category)
	}
	if err != nil {
		var te *tableError
		if errors.As(err, &te) {
			// Skipped tables keep the category open; clearing the cursor
			// makes the next run rescan every source table, which is safe
			// because all writes are upserts.
			c.skipped = append(c.skipped, err)
			p.LastError = err.Error()
			p.LastCursor = ""
			if saveErr := p.save(ctx, rel); saveErr != nil {
				return saveErr
			}
			c.log.Warn().Str("category", category).Err(err).
				Msg("category incomplete, legacy tables skipped")
			return nil
		}
		p.LastError = err.Error()
		_ = p.save(ctx, rel)
		return fmt.Errorf("migrate %s: %w", category, err)
	}

	p.Status = StatusCompleted
	if err := p.save(ctx, rel); err != nil {
		return err
	}
	c.log.Info().Str("category", category).Int64("processed", p.TotalProcessed).
		Msg("category migrated")
	return nil
}

// commitBatch persists progress after one batch and fires the test hook.
func (c *Coordinator) commitBatch(ctx context.Context, p *Progress, processed int) error {
	if err := p.save(ctx, c.store.RelationalDB()); err != nil {
		return err
	}
	if c.afterBatch != nil {
		if err := c.afterBatch(p.Category, processed); err != nil {
			return err
		}
	}
	return nil
}

// lanceCursor encodes a position inside an ordered list of legacy tables
// as "table:rowid".
type lanceCursor struct {
	table string
	rowid int64
}

func parseLanceCursor(raw string) lanceCursor {
	if raw == "" {
		return lanceCursor{}
	}
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return lanceCursor{}
	}
	rowid, err := strconv.ParseInt(raw[idx+1:], 10, 64)
	if err != nil {
		return lanceCursor{}
	}
	return lanceCursor{table: raw[:idx], rowid: rowid}
}

func (lc lanceCursor) String() string {
	if lc.table == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", lc.table, lc.rowid)
}

// tableExists reports presence of a table in db.
func tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
