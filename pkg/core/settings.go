package core

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
)

// SettingMigrationCompleted is the verification gate: "1" once every
// legacy source category migrated and verified, "0" otherwise.
const SettingMigrationCompleted = "rag.lance.migration.completed"

// Setting keys consumed by this core. All live in the relational store's
// key-value settings table.
const (
	settingKBPath             = "rag.lance.path"
	settingMigrationCompleted = SettingMigrationCompleted
	settingDeleteUnverified   = "lance.optimize.delete_unverified"

	settingFTSTokenizer  = "rag.hybrid.fts.tokenizer"
	settingNgramMin      = "rag.hybrid.fts.ngram_min"
	settingNgramMax      = "rag.hybrid.fts.ngram_max"
	settingNgramPrefix   = "rag.hybrid.fts.ngram_prefix_only"
	settingFTSLanguage   = "rag.hybrid.fts.language"
	settingFTSVersionKey = "rag.lance.fts.version." // + table name

	settingOptimizeLastKey = "lance.optimize.last." // + scope

	settingRRFK            = "rag.hybrid.rrf.k"
	settingFTSWeight       = "rag.hybrid.fts_weight"
	settingVecWeight       = "rag.hybrid.vec_weight"
	settingFTSLimitMult    = "rag.hybrid.fts_limit_multiplier"
	settingVecLimitMult    = "rag.hybrid.vec_limit_multiplier"
	settingMaxCandidates   = "rag.hybrid.max_candidates"
	settingPerDocCap       = "rag.hybrid.per_doc_cap"
	settingFetchLimitMult  = "rag.hybrid.fetch_limit_multiplier"
	settingPrefilterEnable = "rag.hybrid.fts_prefilter.enabled"
)

// Settings reads and writes the single-row key-value settings table of the
// relational store.
type Settings struct {
	db *sql.DB
}

// NewSettings wraps the relational store's settings table.
func NewSettings(db *sql.DB) *Settings {
	return &Settings{db: db}
}

// Get returns the raw value and whether the key exists.
func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set writes a value, replacing any previous one.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	return err
}

// Delete removes a key. Missing keys are not an error.
func (s *Settings) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
	return err
}

// GetString returns the value or def when the key is absent.
func (s *Settings) GetString(ctx context.Context, key, def string) string {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def
	}
	return value
}

// GetInt returns the value parsed as int, or def when absent or malformed.
func (s *Settings) GetInt(ctx context.Context, key string, def int) int {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}

// GetInt64 returns the value parsed as int64, or def when absent or malformed.
func (s *Settings) GetInt64(ctx context.Context, key string, def int64) int64 {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetFloat returns the value parsed as float64, or def when absent or malformed.
func (s *Settings) GetFloat(ctx context.Context, key string, def float64) float64 {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return f
}

// GetBool returns the value parsed as bool, or def when absent or malformed.
// Accepts 1/0/true/false in any case.
func (s *Settings) GetBool(ctx context.Context, key string, def bool) bool {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return b
}

// SetInt64 writes an integer value.
func (s *Settings) SetInt64(ctx context.Context, key string, value int64) error {
	return s.Set(ctx, key, strconv.FormatInt(value, 10))
}
