package file

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/loykin/crashguard/internal/ledger"
)

// Ledger stores one decimal Unix timestamp per line. Every append is synced
// to disk before returning. Pruning rewrites the file through a temporary
// file and an atomic rename, so a crash mid-prune leaves either the old or
// the new content.
//
// A flock on <path>.lock is held for the lifetime of the Ledger. Opening a
// ledger whose lock is held returns ledger.ErrLocked.
type Ledger struct {
	mu      sync.Mutex
	path    string
	lock    *flock.Flock
	records []int64
}

var _ ledger.Ledger = (*Ledger)(nil)

// Open acquires the ledger lock and loads existing records. A missing file
// is created empty.
func Open(path string) (*Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty ledger path")
	}
	path = filepath.Clean(path)
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.Wrap(err, "failed to create ledger directory")
		}
	}

	l := flock.New(LockPath(path))
	locked, err := l.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire ledger lock")
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ledger.ErrLocked)
	}

	records, err := load(path)
	if err != nil {
		_ = l.Unlock()
		return nil, err
	}
	return &Ledger{path: path, lock: l, records: records}, nil
}

// LockPath returns the lock file guarding the ledger at path.
func LockPath(path string) string { return path + ".lock" }

// Quarantine moves an unparseable ledger aside so a fresh one can be created.
// It returns the new location of the old file.
func Quarantine(path string, now time.Time) (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", filepath.Clean(path), now.Unix())
	if err := os.Rename(path, dst); err != nil {
		return "", errors.Wrap(err, "failed to quarantine ledger")
	}
	return dst, nil
}

func load(path string) ([]int64, error) {
	// #nosec G304 -- path comes from operator configuration
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ledger")
	}
	var out []int64
	s := bufio.NewScanner(bytes.NewReader(b))
	line := 0
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" {
			continue
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %q: %w", path, line, text, ledger.ErrCorrupt)
		}
		out = append(out, v)
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan ledger")
	}
	return out, nil
}

func (f *Ledger) Path() string { return f.path }

func (f *Ledger) Append(_ context.Context, at time.Time) error {
	v := ledger.Unix(at)
	f.mu.Lock()
	defer f.mu.Unlock()
	// #nosec G304
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "failed to open ledger")
	}
	if _, err := fh.WriteString(strconv.FormatInt(v, 10) + "\n"); err != nil {
		_ = fh.Close()
		return errors.Wrap(err, "failed to append crash record")
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return errors.Wrap(err, "failed to sync ledger")
	}
	if err := fh.Close(); err != nil {
		return errors.Wrap(err, "failed to close ledger")
	}
	f.records = append(f.records, v)
	return nil
}

func (f *Ledger) Prune(_ context.Context, cutoff time.Time) (int, error) {
	c := ledger.Unix(cutoff)
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := make([]int64, 0, len(f.records))
	for _, r := range f.records {
		if r >= c {
			kept = append(kept, r)
		}
	}
	removed := len(f.records) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := f.rewrite(kept); err != nil {
		return 0, err
	}
	f.records = kept
	return removed, nil
}

func (f *Ledger) rewrite(records []int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary ledger")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	for _, r := range records {
		if _, err := w.WriteString(strconv.FormatInt(r, 10) + "\n"); err != nil {
			_ = tmp.Close()
			return errors.Wrap(err, "failed to write temporary ledger")
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "failed to flush temporary ledger")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "failed to sync temporary ledger")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temporary ledger")
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errors.Wrap(err, "failed to replace ledger")
	}
	return nil
}

func (f *Ledger) Count(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records), nil
}

func (f *Ledger) Records(context.Context) ([]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, ledger.FromUnix(r))
	}
	return out, nil
}

func (f *Ledger) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rewrite(nil); err != nil {
		return err
	}
	f.records = nil
	return nil
}

// Close releases the lock. The ledger file itself is kept.
func (f *Ledger) Close() error {
	return f.lock.Unlock()
}
