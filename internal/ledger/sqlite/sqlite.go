package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/loykin/crashguard/internal/ledger"
)

// Ledger keeps crash records in a SQLite table (modernc.org/sqlite driver, CGO-free).
// Several named ledgers may share one database file, but each name has a
// single writer: a flock on <dbpath>.<name>.lock is held until Close.
// In-memory databases are private to the process and take no lock.
type Ledger struct {
	db   *sql.DB
	name string
	lock *flock.Flock
}

var _ ledger.Ledger = (*Ledger)(nil)

// New opens a SQLite ledger.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn, name string) (*Ledger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	var lk *flock.Flock
	if path := dbPath(dsn); path != "" {
		lk = flock.New(LockPath(path, name))
		locked, err := lk.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire ledger lock: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("%s (%s): %w", path, name, ledger.ErrLocked)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		unlock(lk)
		return nil, err
	}
	// a single connection keeps :memory: databases alive and serialises writes
	db.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	_, _ = db.Exec("PRAGMA synchronous=FULL;")

	l := &Ledger{db: db, name: name, lock: lk}
	if err := l.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		unlock(lk)
		return nil, err
	}
	return l, nil
}

// LockPath returns the lock file guarding ledger name inside the database at path.
func LockPath(path, name string) string { return path + "." + name + ".lock" }

// dbPath returns the database file behind dsn, or "" for in-memory databases.
func dbPath(dsn string) string {
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

func unlock(lk *flock.Flock) {
	if lk != nil {
		_ = lk.Unlock()
	}
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS crash_ledger(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ledger TEXT NOT NULL,
			at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_crash_ledger_ledger_at ON crash_ledger(ledger, at);`,
	}
	for _, q := range stmts {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Append(ctx context.Context, at time.Time) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO crash_ledger(ledger, at) VALUES(?, ?);`, l.name, ledger.Unix(at))
	return err
}

func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM crash_ledger WHERE ledger=? AND at < ?;`, l.name, ledger.Unix(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crash_ledger WHERE ledger=?;`, l.name).Scan(&n)
	return n, err
}

func (l *Ledger) Records(ctx context.Context) ([]time.Time, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT at FROM crash_ledger WHERE ledger=? ORDER BY id ASC;`, l.name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]time.Time, 0)
	for rows.Next() {
		var at int64
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		out = append(out, ledger.FromUnix(at))
	}
	return out, rows.Err()
}

func (l *Ledger) Reset(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM crash_ledger WHERE ledger=?;`, l.name)
	return err
}

func (l *Ledger) Close() error {
	var err error
	if l.db != nil {
		err = l.db.Close()
	}
	unlock(l.lock)
	return err
}
