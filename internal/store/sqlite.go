package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"scribe/internal/security"
)

// Supported database/sql driver names.
const (
	// DriverCGO is mattn/go-sqlite3.
	DriverCGO = "sqlite3"
	// DriverPure is modernc.org/sqlite, usable without cgo.
	DriverPure = "sqlite"
)

// DefaultBusyTimeout is how long a writer waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// ErrStoreLocked is returned by Open when another process holds the
// database for writing.
var ErrStoreLocked = errors.New("store: database is locked by another scribe process")

// Options configures Open.
type Options struct {
	// Driver selects DriverCGO or DriverPure. Empty means DriverCGO.
	Driver string
	// ReadOnly opens without migrating and without the writer lock.
	ReadOnly    bool
	BusyTimeout time.Duration
	Logger      *slog.Logger
}

// Store is the SQLite database.
type Store struct {
	db       *sql.DB
	path     string
	driver   string
	readOnly bool
	lock     *security.FileLock
	logger   *slog.Logger
}

// Open opens or creates the SQLite database at the given path and runs
// migrations. A writable store holds an exclusive lock file next to the
// database for as long as it is open.
func Open(path string, opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverCGO
	}
	if driver != DriverCGO && driver != DriverPure {
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}

	s := &Store{path: path, driver: driver, readOnly: opts.ReadOnly, logger: logger.With("component", "store")}

	if !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), security.PermDataDir); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		lock, err := security.TryLock(path + ".lock")
		if errors.Is(err, security.ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrStoreLocked, path)
		}
		if err != nil {
			return nil, fmt.Errorf("lock database: %w", err)
		}
		s.lock = lock
	}

	db, err := sql.Open(driver, dsn(driver, path, opts.ReadOnly, busy))
	if err != nil {
		s.lock.Release()
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.db = db

	if opts.ReadOnly {
		if err := db.Ping(); err != nil {
			s.Close()
			return nil, fmt.Errorf("open database: %w", err)
		}
		return s, nil
	}

	// One connection serializes writers inside the process; the lock file
	// keeps other processes out.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		s.Close()
		return nil, err
	}
	if err := os.Chmod(path, security.PermDataFile); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("could not restrict database permissions", "path", path, "error", err)
	}

	s.logger.Debug("database opened", "path", path, "driver", driver)
	return s, nil
}

// dsn builds the driver-specific connection string.
func dsn(driver, path string, readOnly bool, busy time.Duration) string {
	var params []string
	switch driver {
	case DriverPure:
		params = append(params, "_pragma=foreign_keys(1)", fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()))
		if !readOnly {
			params = append(params, "_pragma=journal_mode(WAL)")
		}
	default:
		params = append(params, "_foreign_keys=on", fmt.Sprintf("_busy_timeout=%d", busy.Milliseconds()))
		if !readOnly {
			params = append(params, "_journal_mode=WAL")
		}
	}
	if readOnly {
		params = append(params, "mode=ro")
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// Close closes the database connection and releases the writer lock.
func (s *Store) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	if lerr := s.lock.Release(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

// ReadOnly reports whether the store was opened without write access.
func (s *Store) ReadOnly() bool { return s.readOnly }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store: closed")
	}
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle for migrations tooling.
func (s *Store) DB() *sql.DB { return s.db }

// GetStats returns row counts and the database file size.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := Stats{Driver: s.Driver()}
	counts := []struct {
		table string
		dst   *int64
	}{
		{"author_profiles", &st.Profiles},
		{"samples", &st.Samples},
		{"attribution_events", &st.AttributionEvents},
		{"anomaly_events", &st.AnomalyEvents},
		{"network_runs", &st.NetworkRuns},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&st.SchemaVersion); err != nil {
		return nil, fmt.Errorf("get schema version: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		st.DatabaseSize = info.Size()
	}
	return &st, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeFloats(s string) ([]float64, error) {
	var out []float64
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
