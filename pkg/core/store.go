// Package core implements the hybrid vector store of the study-assistant
// retrieval substrate.
//
// Chunks and chat message vectors live in per-dimension wide tables inside
// a dedicated SQLite database under the kb root, with FTS5 full-text
// indexes kept in sync by triggers. Structured metadata (document headers,
// sub-libraries, chunk mirrors, settings, migration progress) lives in the
// application's relational SQLite database. Retrieval combines lexical and
// dense scoring with per-source-library filtering, active-revision
// filtering, and per-document diversification.
package core

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store is the in-process interface exposed to the host application.
type Store interface {
	AddChunks(ctx context.Context, chunks []Chunk) error
	DeleteChunksByDocumentID(ctx context.Context, docID string) error
	ClearDocumentChunksKeepHeader(ctx context.Context, docID string) error
	DeleteChunksByIDs(ctx context.Context, ids []string) error
	LoadDocumentChunks(ctx context.Context, docID string) ([]Chunk, error)

	Search(ctx context.Context, queryVec []float32, topK int) ([]ScoredChunk, error)
	SearchInLibraries(ctx context.Context, queryVec []float32, topK int, libs []string) ([]ScoredChunk, error)
	SearchWithPrefilter(ctx context.Context, queryText string, queryVec []float32, topK int, libs []string) ([]ScoredChunk, error)
	SearchText(ctx context.Context, queryText string, topK int) ([]ScoredChunk, error)

	AddDocumentRecordWithLibrary(ctx context.Context, header DocumentHeader) error
	GetStats(ctx context.Context) (Stats, error)
	ClearAll(ctx context.Context) error
}

// Options configures store construction.
type Options struct {
	// RelationalPath is the application's SQLite database file.
	RelationalPath string
	// KBRoot overrides the resolved kb root. Empty resolves via settings.
	KBRoot string
	// CacheCap overrides the embedding cache soft capacity.
	CacheCap int
	// DisableWarmup skips the background cache warm-up scan.
	DisableWarmup bool
	// Logger receives structured events. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

// SQLiteStore is the production Store implementation.
type SQLiteStore struct {
	rel      *sql.DB // relational application store
	vec      *sql.DB // columnar store rendition (per-dimension wide tables)
	settings *Settings
	cache    *EmbeddingCache
	log      zerolog.Logger

	kbRoot  string
	relPath string

	mu          sync.RWMutex
	closed      bool
	maintenance atomic.Bool

	tablesMu      sync.Mutex
	ensuredTables map[string]bool

	warmCancel context.CancelFunc
	warmDone   chan struct{}
}

var _ Store = (*SQLiteStore)(nil)

// Open creates the store: resolves the kb root, opens both databases,
// ensures relational schema, and spawns the cache warm-up task.
//
// On mobile platforms the host must call EnsureMobileTmpDir before spawning
// any worker; Open calls it again for the resolved root, which is a no-op
// when already pinned.
func Open(ctx context.Context, opts Options) (*SQLiteStore, error) {
	const op = "open"

	if opts.RelationalPath == "" {
		return nil, validationErr(op, "relational database path cannot be empty")
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	rel, err := openSQLite(opts.RelationalPath)
	if err != nil {
		return nil, unavailableErr(op, fmt.Errorf("open relational store: %w", err))
	}
	if _, err := rel.ExecContext(ctx, relationalDDL); err != nil {
		_ = rel.Close()
		return nil, unavailableErr(op, fmt.Errorf("relational schema: %w", err))
	}
	if _, err := rel.ExecContext(ctx,
		"INSERT OR IGNORE INTO sub_libraries (id, name) VALUES (?, ?)",
		DefaultSubLibraryID, "Default"); err != nil {
		_ = rel.Close()
		return nil, unavailableErr(op, fmt.Errorf("seed default sub-library: %w", err))
	}

	settings := NewSettings(rel)

	kbRoot := opts.KBRoot
	if kbRoot == "" {
		kbRoot, err = ResolveKBRoot(ctx, opts.RelationalPath, settings, log)
		if err != nil {
			_ = rel.Close()
			return nil, err
		}
	}
	if err := EnsureMobileTmpDir(kbRoot); err != nil {
		_ = rel.Close()
		return nil, err
	}

	vec, err := openSQLite(filepath.Join(kbRoot, "vectors.db"))
	if err != nil {
		_ = rel.Close()
		return nil, unavailableErr(op, fmt.Errorf("open columnar store: %w", err))
	}

	s := &SQLiteStore{
		rel:           rel,
		vec:           vec,
		settings:      settings,
		cache:         NewEmbeddingCache(opts.CacheCap),
		log:           log,
		kbRoot:        kbRoot,
		relPath:       opts.RelationalPath,
		ensuredTables: make(map[string]bool),
		warmDone:      make(chan struct{}),
	}

	if opts.DisableWarmup {
		close(s.warmDone)
	} else {
		warmCtx, cancel := context.WithCancel(context.Background())
		s.warmCancel = cancel
		go func() {
			defer close(s.warmDone)
			s.warmCache(warmCtx)
		}()
	}

	return s, nil
}

// openSQLite opens a database with the WAL and busy-timeout settings every
// connection needs.
func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(2 * time.Hour)
	return db, nil
}

// Settings exposes the settings accessor for collaborators (migration
// coordinator, host configuration surface).
func (s *SQLiteStore) Settings() *Settings {
	return s.settings
}

// RelationalDB exposes the relational handle for collaborators that share
// the application store.
func (s *SQLiteStore) RelationalDB() *sql.DB {
	return s.rel
}

// VectorDB exposes the columnar store handle for collaborators.
func (s *SQLiteStore) VectorDB() *sql.DB {
	return s.vec
}

// KBRoot returns the resolved columnar store root directory.
func (s *SQLiteStore) KBRoot() string {
	return s.kbRoot
}

// Cache returns the embedding cache.
func (s *SQLiteStore) Cache() *EmbeddingCache {
	return s.cache
}

// SetMaintenanceMode toggles the global maintenance flag. While set, all
// write paths short-circuit with an Unavailable error; reads continue
// best-effort.
func (s *SQLiteStore) SetMaintenanceMode(on bool) {
	s.maintenance.Store(on)
}

// checkWritable guards every write path.
func (s *SQLiteStore) checkWritable(op string) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return unavailableErr(op, ErrStoreClosed)
	}
	if s.maintenance.Load() {
		return unavailableErr(op, ErrMaintenance)
	}
	return nil
}

// checkReadable guards read paths. Reads stay serviceable in maintenance mode.
func (s *SQLiteStore) checkReadable(op string) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return unavailableErr(op, ErrStoreClosed)
	}
	return nil
}

// Close cancels the warm-up task, waits for it, and closes both databases.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.warmCancel != nil {
		s.warmCancel()
	}
	<-s.warmDone

	var firstErr error
	if err := s.vec.Close(); err != nil {
		firstErr = err
	}
	if err := s.rel.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
