package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory keeps records in process memory only. It is the degraded mode used
// when no durable store is usable.
type Memory struct {
	mu      sync.Mutex
	records []int64
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(_ context.Context, at time.Time) error {
	m.mu.Lock()
	m.records = append(m.records, Unix(at))
	m.mu.Unlock()
	return nil
}

func (m *Memory) Prune(_ context.Context, cutoff time.Time) (int, error) {
	c := Unix(cutoff)
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	for _, r := range m.records {
		if r >= c {
			kept = append(kept, r)
		}
	}
	removed := len(m.records) - len(kept)
	m.records = kept
	return removed, nil
}

func (m *Memory) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *Memory) Records(context.Context) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, FromUnix(r))
	}
	return out, nil
}

func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	m.records = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
