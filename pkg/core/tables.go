package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ftsTokenizerConfig is the resolved full-text tokenizer configuration for
// one index build.
type ftsTokenizerConfig struct {
	Name       string // "ngram" or a concrete FTS5 tokenizer name
	NgramMin   int
	NgramMax   int
	PrefixOnly bool
	Language   string

	// Always applied regardless of tokenizer.
	MaxTokenLength int
	LowerCase      bool
	ASCIIFolding   bool
}

// resolveTokenizerConfig reads the tokenizer settings with documented
// defaults and clamps. N-gram is the safe default for mixed-script content;
// language-aware stemming is opt-in.
func (s *SQLiteStore) resolveTokenizerConfig(ctx context.Context) ftsTokenizerConfig {
	cfg := ftsTokenizerConfig{
		Name:           s.settings.GetString(ctx, settingFTSTokenizer, "ngram"),
		MaxTokenLength: 64,
		LowerCase:      true,
		ASCIIFolding:   true,
	}

	if cfg.Name == "ngram" {
		cfg.NgramMin = s.settings.GetInt(ctx, settingNgramMin, 2)
		if cfg.NgramMin < 1 {
			cfg.NgramMin = 1
		}
		if cfg.NgramMin > 6 {
			cfg.NgramMin = 6
		}
		defMax := cfg.NgramMin
		if defMax < 4 {
			defMax = 4
		}
		cfg.NgramMax = s.settings.GetInt(ctx, settingNgramMax, defMax)
		if cfg.NgramMax < cfg.NgramMin {
			cfg.NgramMax = cfg.NgramMin
		}
		if cfg.NgramMax > 8 {
			cfg.NgramMax = 8
		}
		cfg.PrefixOnly = s.settings.GetBool(ctx, settingNgramPrefix, true)
	}

	if lang := s.settings.GetString(ctx, settingFTSLanguage, ""); lang != "" {
		switch strings.ToLower(lang) {
		case "en", "english":
			cfg.Language = "en"
		default:
			s.log.Warn().Str("language", lang).Msg("ignoring invalid fts language hint")
		}
	}

	return cfg
}

// ddlClause renders the FTS5 tokenize option for this configuration.
//
// SQLite's built-in tokenizers cover the configuration space as follows:
// the trigram tokenizer realizes the n-gram mode (case folding and
// diacritic handling built in), unicode61 with remove_diacritics covers the
// fallback, and stemming is only attached for an explicit English hint,
// never in n-gram mode.
func (c ftsTokenizerConfig) ddlClause() string {
	if c.Name == "ngram" && c.NgramMin <= 3 && 3 <= c.NgramMax {
		return "'trigram'"
	}
	base := "unicode61 remove_diacritics 2"
	if c.Name != "ngram" && c.Language == "en" {
		return "'porter " + base + "'"
	}
	return "'" + base + "'"
}

// ensureKBTable opens or creates the knowledge-base wide table for
// dimension d and ensures its indexes.
func (s *SQLiteStore) ensureKBTable(ctx context.Context, d int) (string, error) {
	return s.ensureTable(ctx, kindKB, d)
}

// ensureChatTable opens or creates the chat wide table for dimension d and
// ensures its indexes.
func (s *SQLiteStore) ensureChatTable(ctx context.Context, d int) (string, error) {
	return s.ensureTable(ctx, kindChat, d)
}

// ensureTable is the table lifecycle entry point: create the wide table if
// missing, then bring its full-text index to the expected version. The
// vector path needs no separate index structure; retrieval scans a bounded
// candidate set per query.
func (s *SQLiteStore) ensureTable(ctx context.Context, kind tableKind, d int) (string, error) {
	const op = "ensure_table"

	if !validDim(d) {
		return "", wrapErr(op, KindValidation, fmt.Errorf("%w: %d not in candidate set", ErrInvalidDimension, d))
	}

	table := tableName(kind, d)

	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	if s.ensuredTables[table] {
		return table, nil
	}

	ddl := kbTableDDL(d)
	if kind == kindChat {
		ddl = chatTableDDL(d)
	}
	if _, err := s.vec.ExecContext(ctx, ddl); err != nil {
		return "", unavailableErr(op, fmt.Errorf("create table %s: %w", table, err))
	}

	if err := s.ensureFTSIndex(ctx, table); err != nil {
		return "", err
	}

	s.ensuredTables[table] = true
	return table, nil
}

// ensureFTSIndex builds the FTS5 index for the table, rebuilding in place
// when the recorded build version differs from the compiled-in one.
func (s *SQLiteStore) ensureFTSIndex(ctx context.Context, table string) error {
	const op = "ensure_fts"

	key := settingFTSVersionKey + table
	current, _, err := s.settings.Get(ctx, key)
	if err != nil {
		return unavailableErr(op, fmt.Errorf("read fts version for %s: %w", table, err))
	}

	tokenizer := s.resolveTokenizerConfig(ctx)

	if current == ftsExpectedVersion {
		// Creation with IF NOT EXISTS never replaces an existing index.
		if _, err := s.vec.ExecContext(ctx, ftsDDL(table, tokenizer.ddlClause())); err != nil {
			return unavailableErr(op, fmt.Errorf("ensure fts for %s: %w", table, err))
		}
		return nil
	}

	s.log.Info().Str("table", table).Str("from", current).Str("to", ftsExpectedVersion).
		Msg("rebuilding full-text index")

	if _, err := s.vec.ExecContext(ctx, ftsDropDDL(table)); err != nil {
		return unavailableErr(op, fmt.Errorf("drop fts for %s: %w", table, err))
	}
	if _, err := s.vec.ExecContext(ctx, ftsDDL(table, tokenizer.ddlClause())); err != nil {
		return unavailableErr(op, fmt.Errorf("create fts for %s: %w", table, err))
	}
	rebuild := fmt.Sprintf("INSERT INTO %s(%s) VALUES('rebuild')", ftsTableName(table), ftsTableName(table))
	if _, err := s.vec.ExecContext(ctx, rebuild); err != nil {
		return unavailableErr(op, fmt.Errorf("rebuild fts for %s: %w", table, err))
	}

	if err := s.settings.Set(ctx, key, ftsExpectedVersion); err != nil {
		return unavailableErr(op, fmt.Errorf("record fts version for %s: %w", table, err))
	}
	return nil
}

// tableExists reports whether a table is present in the given database.
func tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?", table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// existingDims returns the candidate dimensions whose wide table of the
// given kind already exists, in ascending order.
func (s *SQLiteStore) existingDims(ctx context.Context, kind tableKind) ([]int, error) {
	var dims []int
	for _, d := range candidateDims {
		ok, err := tableExists(ctx, s.vec, tableName(kind, d))
		if err != nil {
			return nil, err
		}
		if ok {
			dims = append(dims, d)
		}
	}
	return dims, nil
}
