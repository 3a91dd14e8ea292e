package report

import (
	"context"
	"os"
	"time"

	"github.com/rs/xid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStartup           EventType = "startup"
	EventCrash             EventType = "crash"
	EventRestart           EventType = "restart"
	EventCrashLimitReached EventType = "crash_limit_reached"
	EventLedgerDegraded    EventType = "ledger_degraded"
)

// Event is a lifecycle notification for the backend. ID is unique per event
// so receivers can deduplicate.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Server     string    `json:"server"`
	Host       string    `json:"host"`
	Message    string    `json:"message"`
	ExitCode   int       `json:"exit_code"`
	CrashCount int       `json:"crash_count"`
	Attempt    int       `json:"attempt"`
	OccurredAt time.Time `json:"occurred_at"`
}

var hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}()

// NewEvent fills in identity fields.
func NewEvent(typ EventType, server, message string, exitCode, crashCount int) Event {
	return Event{
		ID:         xid.New().String(),
		Type:       typ,
		Server:     server,
		Host:       hostname,
		Message:    message,
		ExitCode:   exitCode,
		CrashCount: crashCount,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink is a destination for lifecycle events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reporter accepts events without blocking the caller.
type Reporter interface {
	Report(e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Report(Event) {}
