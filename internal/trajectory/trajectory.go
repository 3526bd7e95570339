// Package trajectory records what happened during a session: every oracle
// call, every execution and every decision, in order. A Log belongs to one
// session and is passed explicitly to whoever writes to it.
package trajectory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"toolforge/internal/logging"
)

// Actor is who performed a step.
type Actor string

const (
	ActorOrchestrator Actor = "orchestrator"
	ActorOracle       Actor = "oracle"
	ActorRuntime      Actor = "runtime"
)

// Kind distinguishes the two halves of a span from standalone events.
type Kind string

const (
	KindStart Kind = "start"
	KindEnd   Kind = "end"
	KindEvent Kind = "event"
)

// Entry is one line of a trajectory.
type Entry struct {
	Seq      int64             `json:"seq"`
	Time     time.Time         `json:"time"`
	Session  string            `json:"session"`
	Actor    Actor             `json:"actor"`
	Kind     Kind              `json:"kind"`
	Action   string            `json:"action"`
	Payload  interface{}       `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Store persists entries. Write must not return before the entry is
// flushed to the backing medium.
type Store interface {
	Write(e Entry) error
	// CloseSession releases per-session resources.
	CloseSession(session string) error
	// Entries returns a session's entries in sequence order.
	Entries(session string) ([]Entry, error)
}

// ErrClosed is returned when appending to a closed log.
var ErrClosed = errors.New("trajectory log is closed")

// Log is a session-scoped, append-only trajectory. It is safe for
// concurrent use; sequence numbers are strictly increasing in write order.
// A nil *Log discards everything.
type Log struct {
	session string
	store   Store

	mu     sync.Mutex
	seq    int64
	closed bool
}

// Open starts the trajectory of session on store.
func Open(session string, store Store) (*Log, error) {
	if session == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if store == nil {
		return nil, fmt.Errorf("trajectory store is required")
	}
	logging.TrajectoryDebug("Opened trajectory for session %s", session)
	return &Log{session: session, store: store}, nil
}

// Session returns the session id.
func (l *Log) Session() string {
	if l == nil {
		return ""
	}
	return l.session
}

// Append assigns the next sequence number and writes e.
func (l *Log) Append(e Entry) (Entry, error) {
	if l == nil {
		return e, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return e, ErrClosed
	}

	l.seq++
	e.Seq = l.seq
	e.Session = l.session
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindEvent
	}
	if err := l.store.Write(e); err != nil {
		// The number stays taken: a store may have kept the entry.
		return e, fmt.Errorf("failed to write trajectory entry %d: %w", e.Seq, err)
	}
	return e, nil
}

// Event appends a standalone event. Write failures are logged, not returned.
func (l *Log) Event(actor Actor, action string, payload interface{}) {
	l.write(Entry{Actor: actor, Kind: KindEvent, Action: action, Payload: payload})
}

// Span appends a start entry and returns the function that appends the
// matching end entry.
func (l *Log) Span(actor Actor, action string, payload interface{}) func(result interface{}, err error) {
	start := time.Now()
	l.write(Entry{Actor: actor, Kind: KindStart, Action: action, Payload: payload})
	return func(result interface{}, err error) {
		md := map[string]string{"duration_ms": fmt.Sprint(time.Since(start).Milliseconds())}
		if err != nil {
			md["error"] = err.Error()
		}
		l.write(Entry{Actor: actor, Kind: KindEnd, Action: action, Payload: result, Metadata: md})
	}
}

func (l *Log) write(e Entry) {
	if _, err := l.Append(e); err != nil {
		logging.TrajectoryWarn("Session %s: %v", l.Session(), err)
	}
}

// Len returns the last sequence number handed out.
func (l *Log) Len() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close flushes the session and rejects further appends. Closing twice is a no-op.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	logging.TrajectoryDebug("Closed trajectory for session %s after %d entries", l.session, l.seq)
	return l.store.CloseSession(l.session)
}
