package audit

import (
	"encoding/json"
	"sync"

	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
)

// Sink receives audit events as they are emitted. Implementations must
// not block the caller for long; Emit is called on the hot path of
// every authenticated request and delegation.
type Sink interface {
	Emit(e *Event)
}

// LoggerSink writes each event as a structured JSON log line, mirroring
// the teacher's Auditor.logEvent (pkg/audit/auditor.go).
type LoggerSink struct{}

// Emit implements Sink.
func (LoggerSink) Emit(e *Event) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Errorf("audit: failed to marshal event: %v", err)
		return
	}
	logger.Info(string(data))
}

// RingSink bounds the memory a burst of events can hold by retaining
// only the last N, handed to OnOverflow as each is displaced. It
// exposes no query method: the core never scans its own audit trail,
// only emits into it.
type RingSink struct {
	mu        sync.Mutex
	buf       []*Event
	capacity  int
	next      int
	full      bool
	OnOverflow func(dropped *Event)
}

// NewRingSink builds a RingSink holding at most capacity events.
func NewRingSink(capacity int) *RingSink {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingSink{
		buf:      make([]*Event, capacity),
		capacity: capacity,
	}
}

// Emit implements Sink.
func (r *RingSink) Emit(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		dropped := r.buf[r.next]
		if r.OnOverflow != nil && dropped != nil {
			r.OnOverflow(dropped)
		}
	}
	r.buf[r.next] = e
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// MultiSink fans out a single Emit call to every configured sink.
type MultiSink struct {
	Sinks []Sink
}

// Emit implements Sink.
func (m MultiSink) Emit(e *Event) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Emit(e)
		}
	}
}
