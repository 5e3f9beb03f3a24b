// Package emit assembles trace events and forwards them to the host
// channel.
//
// Forwarding never blocks: probe callbacks run on the hot path of
// the traced process, so when the host channel is full the event is
// dropped and counted rather than queued. The engine holds no event
// history; the host sizes the channel and owns retention.
package emit

import (
	"sync/atomic"
	"time"

	tracetap "github.com/frobware/go-tracetap"
)

// Emitter stamps events with time relative to its construction and
// sends them to the host channel. Safe for concurrent use.
type Emitter struct {
	ch      chan<- tracetap.Event
	start   time.Time
	now     func() time.Time
	dropped atomic.Uint64
}

// New returns an emitter whose timestamps are milliseconds since
// this call.
func New(ch chan<- tracetap.Event) *Emitter {
	return newAt(ch, time.Now)
}

func newAt(ch chan<- tracetap.Event, now func() time.Time) *Emitter {
	return &Emitter{ch: ch, start: now(), now: now}
}

// Log emits one trace-log event carrying a handler payload.
func (e *Emitter) Log(hookID string, threadID uint32, depth int, caller uint64, backtrace []uint64, payload []any) {
	e.send(tracetap.Event{
		Kind:      tracetap.EventTraceLog,
		HookID:    hookID,
		Timestamp: e.elapsed(),
		ThreadID:  threadID,
		Depth:     depth,
		Caller:    caller,
		Backtrace: backtrace,
		Payload:   payload,
	})
}

// Error emits one trace-error event for a per-hook failure.
func (e *Emitter) Error(hookID, message string) {
	e.send(tracetap.Event{
		Kind:      tracetap.EventTraceError,
		HookID:    hookID,
		Timestamp: e.elapsed(),
		Message:   message,
	})
}

// Dropped returns the number of events discarded because the host
// channel was full.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *Emitter) elapsed() int64 {
	return e.now().Sub(e.start).Milliseconds()
}

func (e *Emitter) send(ev tracetap.Event) {
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}
