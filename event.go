package tracetap

// EventKind discriminates the two message shapes on the host event
// channel.
type EventKind string

const (
	// EventTraceLog carries one handler log call from a live firing.
	EventTraceLog EventKind = "trace-log"

	// EventTraceError reports a per-hook resolution, compilation,
	// or handler failure. Emitted at most once per hook per apply
	// pass for resolution and compilation failures.
	EventTraceError EventKind = "trace-error"
)

// ParseEventKind parses a string into an EventKind.
// Returns the EventKind and true if valid, or empty string and false if invalid.
func ParseEventKind(s string) (EventKind, bool) {
	switch s {
	case "trace-log":
		return EventTraceLog, true
	case "trace-error":
		return EventTraceError, true
	default:
		return "", false
	}
}

// Event is one message on the host channel. The engine emits events
// and holds no history; retention is the host's concern.
//
// Trace-log events populate ThreadID, Depth, Caller, Backtrace, and
// Payload. Trace-error events populate Message. Both carry the hook
// id and a timestamp relative to engine construction.
type Event struct {
	Kind   EventKind `json:"kind"`
	HookID string    `json:"hook_id"`

	// Timestamp is milliseconds since the engine was constructed.
	Timestamp int64 `json:"timestamp_ms"`

	// ThreadID is the OS thread the probe fired on.
	ThreadID uint32 `json:"thread_id,omitempty"`

	// Depth is the call-nesting level appropriate to the probe
	// kind: pre-increment on enter, post-decrement on leave,
	// sampled for instruction probes.
	Depth int `json:"depth,omitempty"`

	// Caller is the return address of the instrumented call, when
	// the driver could capture it.
	Caller uint64 `json:"caller_address,omitempty"`

	// Backtrace is a best-effort capture ordered innermost first.
	Backtrace []uint64 `json:"backtrace,omitempty"`

	// Payload holds the values the handler passed to log().
	Payload []any `json:"payload,omitempty"`

	// Message describes a trace-error.
	Message string `json:"message,omitempty"`
}
