package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Fallback wraps a durable ledger. The first I/O error from the primary
// swaps it for an empty Memory ledger and calls onDegrade exactly once.
// The failed operation is then retried against memory, so callers never
// see a ledger error while degraded.
type Fallback struct {
	mu        sync.Mutex
	active    Ledger
	primary   Ledger
	degraded  bool
	onDegrade func(error)
	log       *slog.Logger
}

func NewFallback(primary Ledger, onDegrade func(error)) *Fallback {
	return &Fallback{active: primary, primary: primary, onDegrade: onDegrade, log: slog.Default()}
}

// WithLogger sets the logger used to report degradation.
func (f *Fallback) WithLogger(l *slog.Logger) *Fallback {
	if l != nil {
		f.log = l
	}
	return f
}

// Degraded reports whether the primary has been abandoned.
func (f *Fallback) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *Fallback) current() Ledger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Fallback) degrade(err error) Ledger {
	f.mu.Lock()
	if f.degraded {
		l := f.active
		f.mu.Unlock()
		return l
	}
	f.degraded = true
	f.active = NewMemory()
	l := f.active
	cb := f.onDegrade
	f.mu.Unlock()

	f.log.Error("crash ledger failed, continuing with empty in-memory ledger", "error", err)
	_ = f.primary.Close()
	if cb != nil {
		cb(err)
	}
	return l
}

func (f *Fallback) Append(ctx context.Context, at time.Time) error {
	if err := f.current().Append(ctx, at); err != nil {
		return f.degrade(err).Append(ctx, at)
	}
	return nil
}

func (f *Fallback) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := f.current().Prune(ctx, cutoff)
	if err != nil {
		return f.degrade(err).Prune(ctx, cutoff)
	}
	return n, nil
}

func (f *Fallback) Count(ctx context.Context) (int, error) {
	n, err := f.current().Count(ctx)
	if err != nil {
		return f.degrade(err).Count(ctx)
	}
	return n, nil
}

func (f *Fallback) Records(ctx context.Context) ([]time.Time, error) {
	rs, err := f.current().Records(ctx)
	if err != nil {
		return f.degrade(err).Records(ctx)
	}
	return rs, nil
}

func (f *Fallback) Reset(ctx context.Context) error {
	if err := f.current().Reset(ctx); err != nil {
		return f.degrade(err).Reset(ctx)
	}
	return nil
}

func (f *Fallback) Close() error { return f.current().Close() }
