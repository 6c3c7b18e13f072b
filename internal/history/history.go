// Package history records what portkill did to processes so it can be
// reviewed later or exported to analytics systems.
package history

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventType defines the kind of recorded action.
type EventType string

const (
	EventGuardKill       EventType = "guard_kill"
	EventGuardKillFailed EventType = "guard_kill_failed"
	EventKill            EventType = "kill"
	EventServiceStart    EventType = "service_start"
	EventServiceStop     EventType = "service_stop"
	EventServiceExit     EventType = "service_exit"
	EventLedgerRestart   EventType = "ledger_restart"
)

// Event is one recorded action.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source"` // component that acted: guard, cli, orchestrator, ledger
	Port       int       `json:"port,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Name       string    `json:"name,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader returns stored events, newest first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// DefaultSendTimeout bounds a single Send when Recorder.Timeout is unset.
const DefaultSendTimeout = 2 * time.Second

// Recorder stamps events and forwards them to a sink, logging failures
// instead of returning them. Record is synchronous: a slow sink holds the
// caller for at most Timeout. A nil *Recorder or nil Sink discards events.
type Recorder struct {
	Sink    Sink
	Logger  *slog.Logger
	Timeout time.Duration
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{Sink: sink, Logger: logger}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || r.Sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := r.Sink.Send(ctx, e); err != nil && r.Logger != nil {
		r.Logger.Warn("history sink failed", "type", e.Type, "error", err)
	}
}

// Memory keeps events in process; it backs tests and runs without a DSN.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (m *Memory) Recent(_ context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	out := make([]Event, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		out = append(out, m.events[i])
	}
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns everything recorded in insertion order.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Multi fans one event out to several sinks and returns the first error.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
