package engine

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/zetapush/zetapush-log-server/internal/model"
)

// initialCapacity is the number of events pre-allocated by NewTraceLog.
const initialCapacity = 4096

// TraceLog stores every trace received, across all services, in arrival
// order. It only grows: events are never removed or rewritten, which is what
// lets Snapshot share the backing array without copying.
type TraceLog struct {
	mu     sync.RWMutex
	events []model.TraceEvent
}

// NewTraceLog creates an empty log with pre-allocated capacity.
func NewTraceLog() *TraceLog {
	return &TraceLog{
		events: make([]model.TraceEvent, 0, initialCapacity),
	}
}

// Append adds an event and returns the log as it is right after the append.
func (l *TraceLog) Append(ev model.TraceEvent) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
	return l.snapshotLocked()
}

// Snapshot returns the current contents.
func (l *TraceLog) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Len returns the number of events.
func (l *TraceLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// snapshotLocked clips the capacity so that nothing appended through the
// snapshot can reach the log's backing array.
func (l *TraceLog) snapshotLocked() Snapshot {
	n := len(l.events)
	return Snapshot{events: l.events[:n:n]}
}

// Snapshot is the trace log as observed at one point in time. Later
// snapshots of the same log always start with the events of earlier ones.
type Snapshot struct {
	events []model.TraceEvent
}

// Len returns the number of events in the snapshot.
func (s Snapshot) Len() int { return len(s.events) }

// Events returns the events in arrival order. The slice is shared with the
// log and must not be modified.
func (s Snapshot) Events() []model.TraceEvent { return s.events }

// At returns the i-th event.
func (s Snapshot) At(i int) model.TraceEvent { return s.events[i] }

// Since returns the events after the first n.
func (s Snapshot) Since(n int) []model.TraceEvent {
	if n < 0 {
		n = 0
	}
	if n >= len(s.events) {
		return nil
	}
	return s.events[n:]
}

// Filter returns the events for which keep returns true, in order.
func (s Snapshot) Filter(keep func(model.TraceEvent) bool) []model.TraceEvent {
	var out []model.TraceEvent
	for _, ev := range s.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// MarshalJSON encodes the snapshot as a JSON array, never null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return MarshalEvents(s.events)
}

// MarshalEvents encodes events as a JSON array, never null.
func MarshalEvents(events []model.TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, ev := range events {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
