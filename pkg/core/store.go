package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore is the transactional store behind namespaces, entries, chunks,
// vectors and text search.
type SQLiteStore struct {
	db      *sql.DB
	config  Config
	mu      sync.RWMutex
	writeMu sync.Mutex // serializes write transactions
	closed  bool
	logger  Logger
	metrics *storeMetrics

	handlersMu     sync.RWMutex
	handlers       map[string]CompletionHandler
	dispatchMu     sync.Mutex
	dispatchWanted atomic.Bool

	now func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txn is a write transaction plus the bookkeeping the store needs after commit.
type txn struct {
	*sql.Tx
	now      time.Time
	notified bool
	// entries replaced in this transaction whose ready chunks may still be
	// indexed
	abandoned []string
}

// New creates a new store at path with the default configuration
func New(path string) (*SQLiteStore, error) {
	config := DefaultConfig()
	config.Path = path

	return NewWithConfig(config)
}

// NewWithConfig creates a new store with custom configuration
func NewWithConfig(config Config) (*SQLiteStore, error) {
	if err := config.validate(); err != nil {
		return nil, wrapError("init", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = NopLogger()
	}

	metrics, err := newStoreMetrics(config.Registerer)
	if err != nil {
		return nil, wrapError("init", err)
	}

	return &SQLiteStore{
		config:   config,
		logger:   logger.With("component", "store"),
		metrics:  metrics,
		handlers: make(map[string]CompletionHandler),
		now:      time.Now,
	}, nil
}

// Config returns the store configuration
func (s *SQLiteStore) Config() Config {
	return s.config
}

// Init opens the SQLite database and creates the schema
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("init", ErrStoreClosed)
	}
	if s.db != nil {
		return nil
	}

	// _txlock=immediate takes the write lock at BEGIN so read-then-write
	// transactions never fail to upgrade.
	dsn := s.config.Path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return wrapError("init", fmt.Errorf("failed to open database: %w", err))
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxOpenConns)
	db.SetConnMaxLifetime(2 * time.Hour)

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return wrapError("init", err)
	}

	s.db = db
	s.logger.Info("store initialized", "path", s.config.Path)

	return nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS namespaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		model_id TEXT NOT NULL,
		dimension INTEGER NOT NULL,
		filter_names TEXT NOT NULL, -- JSON array, order significant
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (name, version)
	);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		namespace_id TEXT NOT NULL REFERENCES namespaces(id),
		key TEXT, -- NULL for unkeyed entries
		version INTEGER NOT NULL,
		importance REAL NOT NULL,
		filter_values BLOB,
		content_hash TEXT,
		title TEXT,
		metadata BLOB,
		status TEXT NOT NULL,
		on_complete TEXT,
		previous_entry_id TEXT,
		replaced_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_key_version ON entries(namespace_id, key, version);
	CREATE INDEX IF NOT EXISTS idx_entries_key_status ON entries(namespace_id, key, status);
	CREATE INDEX IF NOT EXISTS idx_entries_listing ON entries(namespace_id, created_at, id);

	CREATE TABLE IF NOT EXISTS contents (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		metadata BLOB
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES entries(id),
		namespace_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		state TEXT NOT NULL,
		content_id TEXT NOT NULL REFERENCES contents(id),
		embedding BLOB,    -- pending only
		importance REAL,   -- pending only
		embedding_id TEXT, -- ready and replaced
		fts_rowid INTEGER, -- ready only
		searchable_text TEXT,
		f0 TEXT,
		f1 TEXT,
		f2 TEXT,
		f3 TEXT,
		UNIQUE (entry_id, ord)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_embedding_id ON chunks(embedding_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_entry_state ON chunks(entry_id, state, ord);

	-- Rows exist only for ready chunks with searchable text
	CREATE VIRTUAL TABLE IF NOT EXISTS chunk_fts USING fts5(
		searchable_text,
		chunk_id UNINDEXED,
		namespace_id UNINDEXED,
		f0 UNINDEXED,
		f1 UNINDEXED,
		f2 UNINDEXED,
		f3 UNINDEXED
	);

	CREATE TABLE IF NOT EXISTS completion_outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		handler TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	`

	var b strings.Builder
	b.WriteString(schema)
	for _, dim := range supportedDimensions {
		table := vectorTableName(dim)
		fmt.Fprintf(&b, `
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		namespace_id TEXT NOT NULL,
		vector BLOB NOT NULL,
		f0 TEXT,
		f1 TEXT,
		f2 TEXT,
		f3 TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_namespace ON %[1]s(namespace_id);
	`, table)
	}

	if _, err := db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// view runs fn against the database without a transaction
func (s *SQLiteStore) view(op string, fn func(q querier) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || s.db == nil {
		return wrapError(op, ErrStoreClosed)
	}
	return wrapError(op, fn(s.db))
}

// update runs fn in a write transaction. Completion notifications queued by fn
// are dispatched after the commit.
func (s *SQLiteStore) update(ctx context.Context, op string, fn func(tx *txn) error) error {
	tx, err := s.commit(ctx, op, fn)
	if err != nil {
		return err
	}
	if tx.notified {
		s.dispatchAfterCommit(ctx)
	}
	s.retireAbandoned(ctx, tx.abandoned...)
	return nil
}

func (s *SQLiteStore) commit(ctx context.Context, op string, fn func(tx *txn) error) (*txn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || s.db == nil {
		return nil, wrapError(op, ErrStoreClosed)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapError(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &txn{Tx: sqlTx, now: s.now()}
	if err := fn(tx); err != nil {
		return nil, wrapError(op, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, wrapError(op, fmt.Errorf("failed to commit: %w", err))
	}
	return tx, nil
}

func newID() string {
	return uuid.NewString()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
