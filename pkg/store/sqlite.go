package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/dan-solli/gorevise/pkg/model"
)

// Driver names accepted by NewSQLiteRepository.
const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver; only available in cgo builds.
	DriverMattn = "sqlite3"
)

// SQLiteOptions tunes the relational backend.
type SQLiteOptions struct {
	// Driver selects the database/sql driver (default DriverModernc).
	Driver string
	// BusyTimeout is how long a writer waits for a lock (default 5s).
	BusyTimeout time.Duration
}

// SQLiteRepository implements Repository on SQLite through database/sql.
type SQLiteRepository struct {
	db     *sql.DB
	driver string
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteRepository opens the database at dbPath.
// The dbPath can be a file path or ":memory:" for an in-memory database.
// Creates tables and indexes if they don't exist.
func NewSQLiteRepository(dbPath string, opts SQLiteOptions) (*SQLiteRepository, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%w: database path cannot be empty", model.ErrValidation)
	}
	if opts.Driver == "" {
		opts.Driver = DriverModernc
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Driver == DriverMattn && !cgoDriverAvailable {
		return nil, fmt.Errorf("%w: driver %q requires a cgo build", model.ErrValidation, opts.Driver)
	}
	if opts.Driver != DriverModernc && opts.Driver != DriverMattn {
		return nil, fmt.Errorf("%w: unknown sqlite driver %q", model.ErrValidation, opts.Driver)
	}

	db, err := sql.Open(opts.Driver, dbPath)
	if err != nil {
		return nil, backendErr("open", 0, fmt.Errorf("failed to open database: %w", err))
	}
	// One connection serializes writers and keeps ":memory:" databases
	// from fanning out into several empty databases.
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{db: db, driver: opts.Driver}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, backendErr("open", 0, err)
	}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, backendErr("open", 0, fmt.Errorf("failed to initialize schema: %w", err))
	}

	return repo, nil
}

// Backend implements Repository.
func (s *SQLiteRepository) Backend() string { return BackendSQLite }

// Driver returns the database/sql driver name in use.
func (s *SQLiteRepository) Driver() string { return s.driver }

// DB returns the underlying database connection for advanced operations.
func (s *SQLiteRepository) DB() *sql.DB { return s.db }

// initSchema creates the database schema if it doesn't exist.
// Also performs schema migrations for new columns.
func (s *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledge_points (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL,
		key_point TEXT NOT NULL,
		original_phrase TEXT NOT NULL DEFAULT '',
		correction TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL CHECK (category IN ('systematic', 'isolated', 'enhancement', 'other')),
		explanation TEXT NOT NULL DEFAULT '',
		mastery_level REAL NOT NULL DEFAULT 0 CHECK (mastery_level >= 0 AND mastery_level <= 1),
		mistake_count INTEGER NOT NULL DEFAULT 0 CHECK (mistake_count >= 0),
		correct_count INTEGER NOT NULL DEFAULT 0 CHECK (correct_count >= 0),
		created_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		next_review INTEGER,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER,
		deleted_reason TEXT NOT NULL DEFAULT '',
		history TEXT NOT NULL DEFAULT '[]',
		CHECK (next_review IS NULL OR next_review >= last_seen)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_kp_fingerprint_live ON knowledge_points(fingerprint) WHERE is_deleted = 0;
	CREATE INDEX IF NOT EXISTS idx_kp_trash ON knowledge_points(is_deleted, deleted_at);
	CREATE INDEX IF NOT EXISTS idx_kp_next_review ON knowledge_points(next_review) WHERE is_deleted = 0;

	CREATE TABLE IF NOT EXISTS original_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		point_id INTEGER NOT NULL REFERENCES knowledge_points(id),
		phrase TEXT NOT NULL DEFAULT '',
		correction TEXT NOT NULL DEFAULT '',
		severity INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_original_errors_point ON original_errors(point_id);

	CREATE TABLE IF NOT EXISTS review_examples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		point_id INTEGER NOT NULL REFERENCES knowledge_points(id),
		answer TEXT NOT NULL DEFAULT '',
		correct INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_review_examples_point ON review_examples(point_id);

	CREATE TABLE IF NOT EXISTS tags (
		point_id INTEGER NOT NULL REFERENCES knowledge_points(id),
		tag TEXT NOT NULL,
		PRIMARY KEY (point_id, tag)
	);

	CREATE TABLE IF NOT EXISTS user_settings (
		user_id TEXT PRIMARY KEY,
		daily_limit INTEGER NOT NULL CHECK (daily_limit >= 0),
		limit_enabled INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daily_knowledge_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		user_id TEXT NOT NULL,
		isolated_count INTEGER NOT NULL DEFAULT 0,
		enhancement_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE (date, user_id)
	);

	CREATE TABLE IF NOT EXISTS deletion_audit (
		id TEXT PRIMARY KEY,
		point_id INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		key_point TEXT NOT NULL,
		category TEXT NOT NULL,
		mistake_count INTEGER NOT NULL,
		deleted_at INTEGER NOT NULL,
		deleted_reason TEXT NOT NULL DEFAULT '',
		purged_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deletion_audit_purged ON deletion_audit(purged_at);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Run schema migrations for new columns
	return s.migrateSchema()
}

// migrateSchema adds columns introduced after the first schema version.
func (s *SQLiteRepository) migrateSchema() error {
	migrations := []struct {
		column string
		ddl    string
	}{
		{"subtype", "ALTER TABLE knowledge_points ADD COLUMN subtype TEXT NOT NULL DEFAULT ''"},
		{"notes", "ALTER TABLE knowledge_points ADD COLUMN notes TEXT NOT NULL DEFAULT ''"},
	}
	for _, m := range migrations {
		if s.columnExists("knowledge_points", m.column) {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("failed to add %s column: %w", m.column, err)
		}
	}
	return nil
}

// columnExists checks if a column exists in a table.
func (s *SQLiteRepository) columnExists(tableName, columnName string) bool {
	query := fmt.Sprintf("PRAGMA table_info(%s)", tableName)
	rows, err := s.db.Query(query)
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int

		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false
		}
		if name == columnName {
			return true
		}
	}
	return false
}

// withTx runs fn in a transaction, committing only when fn returns nil.
func (s *SQLiteRepository) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backendErr(op, 0, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return backendErr(op, 0, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches the constraint error text both drivers produce.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isCheckViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func backendErr(op string, id int64, err error) error {
	return model.NewBackendError(BackendSQLite, op, id, err)
}
