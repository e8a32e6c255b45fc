package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// GetStats summarizes store contents: header count, chunk rows across every
// dimension table, and on-disk footprint of both databases.
func (s *SQLiteStore) GetStats(ctx context.Context) (Stats, error) {
	const op = "get_stats"

	var stats Stats
	if err := s.checkReadable(op); err != nil {
		return stats, err
	}

	if err := s.rel.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&stats.TotalDocuments); err != nil {
		return stats, unavailableErr(op, err)
	}

	dims, err := s.existingDims(ctx, kindKB)
	if err != nil {
		return stats, unavailableErr(op, err)
	}
	for _, d := range dims {
		var n int
		if err := s.vec.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s", kbTableName(d))).Scan(&n); err != nil {
			return stats, unavailableErr(op, err)
		}
		stats.TotalChunks += n
	}

	for _, path := range []string{
		s.relPath,
		s.relPath + "-wal",
		filepath.Join(s.kbRoot, "vectors.db"),
		filepath.Join(s.kbRoot, "vectors.db-wal"),
	} {
		if info, err := os.Stat(path); err == nil {
			stats.StorageSizeBytes += info.Size()
		}
	}
	return stats, nil
}

// ClearAll wipes every chunk, document header, and chat embedding, leaving
// settings and sub-library definitions intact.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	const op = "clear_all"

	if err := s.checkWritable(op); err != nil {
		return err
	}

	for _, kind := range []tableKind{kindKB, kindChat} {
		dims, err := s.existingDims(ctx, kind)
		if err != nil {
			return unavailableErr(op, err)
		}
		for _, d := range dims {
			if _, err := s.vec.ExecContext(ctx, "DELETE FROM "+tableName(kind, d)); err != nil {
				return unavailableErr(op, err)
			}
		}
	}
	for _, d := range candidateDims {
		for _, legacy := range []string{legacyKBTableName(d), legacyChatTableName(d)} {
			ok, err := tableExists(ctx, s.vec, legacy)
			if err != nil {
				return unavailableErr(op, err)
			}
			if ok {
				if _, err := s.vec.ExecContext(ctx, "DELETE FROM "+legacy); err != nil {
					return unavailableErr(op, err)
				}
			}
		}
	}

	tx, err := s.rel.BeginTx(ctx, nil)
	if err != nil {
		return unavailableErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{"DELETE FROM chunks", "DELETE FROM documents"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return unavailableErr(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailableErr(op, err)
	}

	s.cache.Clear()
	s.log.Info().Msg("store cleared")
	return nil
}
