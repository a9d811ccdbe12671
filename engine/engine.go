package engine

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

// Options control the pragmas applied to every pooled connection.
type Options struct {
	// Synchronous is the SQLite synchronous level: "FULL" or "NORMAL".
	Synchronous  string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultOptions returns WAL-friendly defaults.
func DefaultOptions() Options {
	return Options{Synchronous: "FULL", BusyTimeout: 5 * time.Second, MaxOpenConns: 8}
}

// Open opens a SQLite database using the modernc.org/sqlite driver.
//
// For file-based databases, pass a path like "./db.sqlite". For in-memory
// databases, pass ":memory:". The vector SQL functions are registered before
// the first connection is made.
func Open(dsn string) (*sql.DB, error) {
	if err := RegisterVectorFunctions(nil); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", dsn)
}

// OpenFile opens the database file at path in WAL mode with the given options.
// Write transactions start IMMEDIATE so concurrent writers queue on the busy
// timeout instead of failing on lock upgrade.
func OpenFile(path string, opts Options) (*sql.DB, error) {
	db, err := Open(DSN(path, opts))
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("engine: open %s: %w", path, err)
	}
	return db, nil
}

// OpenDedicated opens a handle pinned to a single connection that is created
// before OpenDedicated returns and is never recycled by the pool. Virtual
// table modules registered with modernc.org/sqlite are created on the first
// connection opened after registration only, so SQL reaching such modules
// must run on a handle like this one.
func OpenDedicated(path string, opts Options) (*sql.DB, error) {
	db, err := Open(DSN(path, opts))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("engine: open %s: %w", path, err)
	}
	return db, nil
}

// DSN builds a modernc.org/sqlite data source name carrying the pragmas.
func DSN(path string, opts Options) string {
	sync := strings.ToUpper(opts.Synchronous)
	if sync != "NORMAL" {
		sync = "FULL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", fmt.Sprintf("synchronous(%s)", sync))
	q.Add("_pragma", "foreign_keys(ON)")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}
