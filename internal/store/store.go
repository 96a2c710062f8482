package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/carrier/internal/clock"
	"github.com/roach88/carrier/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - pending rows without attachments
// 1 - attachment BLOB column on pending
const currentSchemaVersion = ir.StoreFormatVersion

// DefaultMaxAge is how long an entry may stay pending before it is pruned
// at load.
const DefaultMaxAge = 72 * time.Hour

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("store: closed")

// errNewerFormat marks a file written by a newer build.
var errNewerFormat = errors.New("store: file format is newer than supported")

// Store is the durable pending-request queue for one installation.
//
// All state is guarded by mu. Every mutation flushes the complete snapshot
// before releasing the lock, so a flush always reflects a consistent view.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	path   string
	logger *slog.Logger
	clock  clock.Clock
	ids    ir.IDGenerator
	random RandomSource
	maxAge time.Duration

	onFlushError func(error)

	installDate       time.Time
	installMetricSent bool
	entries           []*PendingEntry
	closed            bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the clock used for request dates and age pruning.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator sets the request id generator. Default: UUIDv7.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithRandom sets the jitter source for retry delays.
func WithRandom(r RandomSource) Option {
	return func(s *Store) { s.random = r }
}

// WithMaxAge sets the pending-entry age limit applied at load.
// Zero disables pruning.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithFlushErrorHandler registers a callback for failed flushes, in
// addition to the log line.
func WithFlushErrorHandler(fn func(error)) Option {
	return func(s *Store) { s.onFlushError = fn }
}

// Open loads the store at path, or starts a fresh installation.
//
// Unreadable files and files from a newer format are moved aside to
// <path>.corrupt-<unix> and replaced. Only a failure to create the fresh
// file is returned as an error.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		logger: slog.Default(),
		clock:  clock.Real{},
		ids:    ir.UUIDv7Generator{},
		random: defaultRandom{},
		maxAge: DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(s)
	}

	err := s.load()
	if err == nil {
		return s, nil
	}

	s.logger.Warn("pending store unreadable, starting fresh installation",
		"path", path, "error", err)
	s.closeDB()
	if qerr := quarantine(path, s.clock.Now()); qerr != nil {
		return nil, fmt.Errorf("store: move aside %s: %w", path, qerr)
	}
	if err := s.initFresh(); err != nil {
		s.closeDB()
		return nil, fmt.Errorf("store: initialize %s: %w", path, err)
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// InstallDate returns the first-ever creation time of this installation.
func (s *Store) InstallDate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installDate
}

// InstallMetricSent reports whether the install metric was acknowledged.
func (s *Store) InstallMetricSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installMetricSent
}

// Len returns the number of pending entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns a snapshot of the pending entries in call order.
// The slice is a copy; entries themselves stay live handles.
func (s *Store) Entries() []*PendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PendingEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Close performs a final flush and closes the file. Later calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	flushErr := s.flushLocked()
	s.closed = true
	closeErr := s.closeDB()
	return errors.Join(flushErr, closeErr)
}

func (s *Store) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// openDB opens the SQLite file and applies pragmas.
func (s *Store) openDB() error {
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("connect to database: %w", err)
	}

	// One connection: SQLite has a single writer and every write here is a
	// whole-snapshot transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables and migrates older formats forward.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("%w: %d > %d", errNewerFormat, version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the attachment column to a version 0 pending table.
// Fresh databases already have it from schema.sql.
func migrateToV1(db *sql.DB) error {
	has, err := hasColumn(db, "pending", "attachment")
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if has {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE pending ADD COLUMN attachment BLOB`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// quarantine moves an unreadable store file and its WAL side files aside.
func quarantine(path string, now time.Time) error {
	suffix := fmt.Sprintf(".corrupt-%d", now.Unix())
	if err := os.Rename(path, path+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, side := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + side); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
