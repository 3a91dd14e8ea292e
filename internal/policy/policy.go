package policy

import (
	"errors"
	"fmt"
	"time"
)

// Decision is the outcome of a restart policy evaluation.
type Decision int

const (
	Allow Decision = iota
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// ErrInvalidLimits is returned by Limits.Validate.
var ErrInvalidLimits = errors.New("invalid restart limits")

// Limits are the crash-loop limits fixed at supervisor startup.
type Limits struct {
	MaxRestarts         int `json:"max_restarts" yaml:"max_restarts" mapstructure:"max_restarts"`
	TimeWindowSeconds   int `json:"time_window_seconds" yaml:"time_window_seconds" mapstructure:"time_window_seconds"`
	RestartDelaySeconds int `json:"restart_delay_seconds" yaml:"restart_delay_seconds" mapstructure:"restart_delay_seconds"`
}

// Validate rejects limits the supervisor cannot run with.
// MaxRestarts of zero is valid and means the child is never launched.
func (l Limits) Validate() error {
	if l.MaxRestarts < 0 {
		return fmt.Errorf("%w: max_restarts must be >= 0, got %d", ErrInvalidLimits, l.MaxRestarts)
	}
	if l.TimeWindowSeconds <= 0 {
		return fmt.Errorf("%w: time_window_seconds must be > 0, got %d", ErrInvalidLimits, l.TimeWindowSeconds)
	}
	if l.RestartDelaySeconds < 0 {
		return fmt.Errorf("%w: restart_delay_seconds must be >= 0, got %d", ErrInvalidLimits, l.RestartDelaySeconds)
	}
	return nil
}

func (l Limits) Window() time.Duration { return time.Duration(l.TimeWindowSeconds) * time.Second }

func (l Limits) RestartDelay() time.Duration {
	return time.Duration(l.RestartDelaySeconds) * time.Second
}

// AllowRestart denies if and only if crashCount has reached maxRestarts.
func AllowRestart(crashCount, maxRestarts int) Decision {
	if crashCount >= maxRestarts {
		return Deny
	}
	return Allow
}

// Evaluate applies AllowRestart with these limits.
func (l Limits) Evaluate(crashCount int) Decision {
	return AllowRestart(crashCount, l.MaxRestarts)
}
