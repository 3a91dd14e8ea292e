package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLocked means another writer holds the ledger.
	ErrLocked = errors.New("ledger is locked by another supervisor")
	// ErrCorrupt means the backing store could be read but not parsed.
	ErrCorrupt = errors.New("ledger is corrupt")
)

// Ledger is an append-only record of crash timestamps at second resolution.
// Implementations assume a single writer and are not required to be safe for
// concurrent mutation.
type Ledger interface {
	// Append records a crash at the given time. The record must be durable
	// before Append returns.
	Append(ctx context.Context, at time.Time) error
	// Prune removes every record strictly older than cutoff and reports how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	// Count returns the number of retained records.
	Count(ctx context.Context) (int, error)
	// Records returns retained records in append order.
	Records(ctx context.Context) ([]time.Time, error)
	// Reset removes all records.
	Reset(ctx context.Context) error
	Close() error
}

// Window prunes everything older than now-window and returns the remaining count.
// This is the only way the supervisor counts crashes, so the count always
// reflects exactly the configured window as of now.
func Window(ctx context.Context, l Ledger, now time.Time, window time.Duration) (int, error) {
	if _, err := l.Prune(ctx, now.Add(-window)); err != nil {
		return 0, err
	}
	return l.Count(ctx)
}

// Retained reports whether a record at t survives a prune at cutoff.
// Both sides are compared at the stored resolution.
func Retained(at, cutoff time.Time) bool { return Unix(at) >= Unix(cutoff) }

// CountInWindow counts the records Window would keep for now and window
// without pruning anything.
func CountInWindow(records []time.Time, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, at := range records {
		if Retained(at, cutoff) {
			n++
		}
	}
	return n
}

// Unix truncates t to the stored resolution.
func Unix(t time.Time) int64 { return t.Unix() }

// FromUnix converts a stored record back to a time in UTC.
func FromUnix(sec int64) time.Time { return time.Unix(sec, 0).UTC() }
