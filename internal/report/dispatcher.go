package report

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/loykin/crashguard/internal/metrics"
)

var (
	ErrQueueFull = errors.New("report queue full")
	ErrClosed    = errors.New("reporter closed")
)

const (
	DefaultQueueSize   = 64
	DefaultSendTimeout = 5 * time.Second

	pollInterval = 100 * time.Millisecond
)

// Dispatcher delivers events to a Sink from a single background goroutine.
// Report never blocks: when the bounded queue is full the event is dropped.
// Failed sends are logged and not retried.
type Dispatcher struct {
	sink    Sink
	q       *queue.Queue
	size    int64
	timeout time.Duration
	log     *slog.Logger

	closed  atomic.Bool
	dropped atomic.Int64
	sent    atomic.Int64
	failed  atomic.Int64

	done chan struct{}
	once sync.Once
}

type Options struct {
	QueueSize   int
	SendTimeout time.Duration
	Logger      *slog.Logger
}

func NewDispatcher(sink Sink, opts Options) *Dispatcher {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		sink:    sink,
		q:       queue.New(int64(size)),
		size:    int64(size),
		timeout: timeout,
		log:     log,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Report enqueues e for delivery and returns immediately.
func (d *Dispatcher) Report(e Event) {
	if err := d.Enqueue(e); err != nil {
		d.log.Warn("dropping lifecycle event", "type", e.Type, "id", e.ID, "error", err)
	}
}

// Enqueue is Report with the drop reason surfaced.
func (d *Dispatcher) Enqueue(e Event) error {
	if d.closed.Load() {
		d.dropped.Add(1)
		metrics.IncReporterDropped()
		return ErrClosed
	}
	if d.q.Len() >= d.size {
		d.dropped.Add(1)
		metrics.IncReporterDropped()
		return ErrQueueFull
	}
	if err := d.q.Put(e); err != nil {
		d.dropped.Add(1)
		metrics.IncReporterDropped()
		return ErrClosed
	}
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		items, err := d.q.Poll(1, pollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) {
				if d.closed.Load() && d.q.Len() == 0 {
					return
				}
				continue
			}
			// disposed
			return
		}
		for _, item := range items {
			if e, ok := item.(Event); ok {
				d.deliver(e)
			}
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Send(ctx, e); err != nil {
		d.failed.Add(1)
		metrics.IncReporterEvent(string(e.Type), "error")
		d.log.Warn("failed to report lifecycle event", "type", e.Type, "id", e.ID, "error", err)
		return
	}
	d.sent.Add(1)
	metrics.IncReporterEvent(string(e.Type), "ok")
}

// Close stops accepting events and waits for queued events to be delivered
// until ctx expires. Whatever is still queued afterwards is discarded.
func (d *Dispatcher) Close(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		d.closed.Store(true)
		select {
		case <-d.done:
		case <-ctx.Done():
			d.q.Dispose()
			<-d.done
			err = ctx.Err()
		}
		if c, ok := d.sink.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	})
	return err
}

// Stats reports delivery counters since creation.
func (d *Dispatcher) Stats() (sent, failed, dropped int64) {
	return d.sent.Load(), d.failed.Load(), d.dropped.Load()
}
