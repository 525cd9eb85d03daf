// Package audit emits structured governance events: one line per state
// transition, per rejection, and per recovery run.
//
// This is best-effort observability. The hash-chained execution log is the
// ground truth; a lost audit line loses nothing an auditor cannot recover
// from the log itself.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventTransition EventType = "TRANSITION"
	EventRejection  EventType = "REJECTION"
	EventRecovery   EventType = "RECOVERY"
	EventSystem     EventType = "SYSTEM"
)

// Event is a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	TraceID   string         `json:"trace_id,omitempty"`
	Sequence  uint64         `json:"sequence,omitempty"`
	State     string         `json:"state,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, event Event)
}

// logger writes JSON lines to a Writer, prefixed for easy filtering.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// Injection point for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(_ context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = l.writer.Write(append([]byte("AUDIT: "), append(line, '\n')...))
}

// Nop discards every event.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Record(context.Context, Event) {}
