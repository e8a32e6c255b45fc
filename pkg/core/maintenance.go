package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Minimum seconds between optimize runs per scope. Optimization rewrites
// index structures and checkpoints the WAL; running it on every ingest
// would thrash mobile storage.
const (
	chatOptimizeCooldown = 1800
	kbOptimizeCooldown   = 3600
)

// Keep non-active-revision rows around for a while so an in-flight
// replacement can still be rolled back.
const pruneRetention = 7 * 24 * time.Hour

// OptimizeOptions controls one maintenance run.
type OptimizeOptions struct {
	// Force skips the cooldown check.
	Force bool
	// DeleteUnverified removes vector rows with no relational counterpart.
	// Nil defers to the lance.optimize.delete_unverified setting.
	DeleteUnverified *bool
}

// OptimizeKBTables compacts the knowledge-base wide tables: prunes stale
// revision rows, optionally removes orphans, merges the full-text index
// segments, and checkpoints the vector database. Per-table failures are
// logged and skipped so one damaged table cannot block the rest.
func (s *SQLiteStore) OptimizeKBTables(ctx context.Context, opts OptimizeOptions) error {
	return s.optimize(ctx, kindKB, opts)
}

// OptimizeChatTables compacts the chat wide tables.
func (s *SQLiteStore) OptimizeChatTables(ctx context.Context, opts OptimizeOptions) error {
	return s.optimize(ctx, kindChat, opts)
}

func (s *SQLiteStore) optimize(ctx context.Context, kind tableKind, opts OptimizeOptions) error {
	const op = "optimize"

	if err := s.checkReadable(op); err != nil {
		return err
	}

	scope := kind.String()
	cooldown := int64(kbOptimizeCooldown)
	if kind == kindChat {
		cooldown = chatOptimizeCooldown
	}
	now := time.Now().Unix()
	last := s.settings.GetInt64(ctx, settingOptimizeLastKey+scope, 0)
	if !opts.Force && last > 0 && now-last < cooldown {
		s.log.Debug().Str("scope", scope).Int64("seconds_since", now-last).
			Msg("skipping optimize inside cooldown")
		return nil
	}

	deleteUnverified := s.settings.GetBool(ctx, settingDeleteUnverified, false)
	if opts.DeleteUnverified != nil {
		deleteUnverified = *opts.DeleteUnverified
	}

	dims, err := s.existingDims(ctx, kind)
	if err != nil {
		return unavailableErr(op, err)
	}

	tables := make([]string, 0, len(dims)*2)
	for _, d := range dims {
		tables = append(tables, tableName(kind, d))
	}
	for _, d := range candidateDims {
		legacy := legacyKBTableName(d)
		if kind == kindChat {
			legacy = legacyChatTableName(d)
		}
		if ok, err := tableExists(ctx, s.vec, legacy); err == nil && ok {
			tables = append(tables, legacy)
		}
	}

	for _, table := range tables {
		if err := s.optimizeTable(ctx, kind, table, deleteUnverified); err != nil {
			s.log.Warn().Str("table", table).Err(err).Msg("table optimize failed, continuing")
		}
	}

	if _, err := s.vec.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("wal checkpoint failed")
	}
	if _, err := s.vec.ExecContext(ctx, "PRAGMA incremental_vacuum"); err != nil {
		s.log.Warn().Err(err).Msg("incremental vacuum failed")
	}

	if err := s.settings.Set(ctx, settingOptimizeLastKey+scope, strconv.FormatInt(now, 10)); err != nil {
		return unavailableErr(op, err)
	}
	s.log.Info().Str("scope", scope).Int("tables", len(tables)).Bool("delete_unverified", deleteUnverified).
		Msg("optimize complete")
	return nil
}

func (s *SQLiteStore) optimizeTable(ctx context.Context, kind tableKind, table string, deleteUnverified bool) error {
	if kind == kindKB {
		if err := s.pruneStaleRevisions(ctx, table); err != nil {
			return fmt.Errorf("prune %s: %w", table, err)
		}
	}
	if deleteUnverified {
		if err := s.deleteOrphans(ctx, kind, table); err != nil {
			return fmt.Errorf("delete orphans %s: %w", table, err)
		}
	}

	// Canonical tables carry the external-content index; legacy tables
	// never had one.
	if ok, err := tableExists(ctx, s.vec, ftsTableName(table)); err == nil && ok {
		merge := fmt.Sprintf("INSERT INTO %s(%s) VALUES('optimize')", ftsTableName(table), ftsTableName(table))
		if _, err := s.vec.ExecContext(ctx, merge); err != nil {
			return fmt.Errorf("fts optimize %s: %w", table, err)
		}
	}
	return nil
}

// pruneStaleRevisions drops rows tagged with a revision other than the
// owning document's active one, once past the retention window.
func (s *SQLiteStore) pruneStaleRevisions(ctx context.Context, table string) error {
	cutoff := time.Now().UTC().Add(-pruneRetention).Format(time.RFC3339)

	rows, err := s.rel.QueryContext(ctx, "SELECT document_id, active_revision FROM documents")
	if err != nil {
		return err
	}
	type docRev struct{ id, rev string }
	var docs []docRev
	for rows.Next() {
		var d docRev
		if err := rows.Scan(&d.id, &d.rev); err != nil {
			_ = rows.Close()
			return err
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	stmt := fmt.Sprintf(`
		DELETE FROM %s
		WHERE document_id = ?
		  AND COALESCE(json_extract(metadata, '$.revision'), 'A') != ?
		  AND created_at < ?`, table)
	for _, d := range docs {
		if _, err := s.vec.ExecContext(ctx, stmt, d.id, d.rev, cutoff); err != nil {
			return err
		}
	}
	return nil
}

// deleteOrphans removes vector rows whose relational counterpart is gone.
func (s *SQLiteStore) deleteOrphans(ctx context.Context, kind tableKind, table string) error {
	var idCol, query string
	if kind == kindChat {
		idCol = "message_id"
		query = fmt.Sprintf("SELECT DISTINCT message_id FROM %s", table)
	} else {
		idCol = "document_id"
		query = fmt.Sprintf("SELECT DISTINCT document_id FROM %s", table)
	}

	rows, err := s.vec.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	lookup := "SELECT 1 FROM documents WHERE document_id = ?"
	if kind == kindChat {
		lookup = "SELECT 1 FROM messages WHERE message_id = ?"
	}
	var orphans []string
	for _, id := range ids {
		var exists int
		err := s.rel.QueryRowContext(ctx, lookup, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			orphans = append(orphans, id)
			continue
		}
		if err != nil {
			return err
		}
	}

	for _, group := range batchStrings(orphans, maxDeleteBatch) {
		stmt, args := inQuery("DELETE FROM "+table+" WHERE "+idCol+" IN (%s)", group)
		if _, err := s.vec.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}
	if len(orphans) > 0 {
		s.log.Info().Str("table", table).Int("orphans", len(orphans)).Msg("removed unverified rows")
	}
	return nil
}
