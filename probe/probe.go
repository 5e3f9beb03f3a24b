// Package probe abstracts the native interception primitive. The
// engine attaches and detaches probes through the Driver interface
// and never touches the underlying mechanism; the production driver
// lives in probe/uprobe, and tests substitute in-memory fakes.
package probe

import (
	"context"
	"sync"

	"github.com/frobware/go-tracetap/resolve"
)

// Kind selects the probe's callback shape.
type Kind string

const (
	// KindCall fires once on entry to the routine at the address
	// and once on return from it.
	KindCall Kind = "call"

	// KindInstruction fires each time the instruction at the
	// address executes.
	KindInstruction Kind = "instruction"
)

// ParseKind parses a string into a Kind.
// Returns the Kind and true if valid, or empty string and false if invalid.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "call":
		return KindCall, true
	case "instruction":
		return KindInstruction, true
	default:
		return "", false
	}
}

// AttachSpec describes one attachment.
type AttachSpec struct {
	// PID is the target process.
	PID int

	// Module is the image containing Address. Drivers that attach
	// through the backing file require a non-zero module; the
	// engine forwards whatever resolution produced.
	Module resolve.Module

	// Address is the resolved runtime address to instrument.
	Address uint64

	// Kind selects enter/leave pairing or single-instruction
	// delivery.
	Kind Kind
}

// Firing carries the state of one probe delivery. Args and Ret are
// writable: a callback may modify them, and drivers that support
// write-back apply the modified values to the target. The eBPF
// driver observes only and ignores writes.
type Firing struct {
	// ThreadID is the OS thread that executed the probed code.
	ThreadID uint32

	// Caller is the return address of the instrumented call, zero
	// when the driver could not capture it.
	Caller uint64

	// Backtrace is best-effort, innermost frame first.
	Backtrace []uint64

	// Args holds the platform calling-convention argument words on
	// enter and instruction firings.
	Args []uint64

	// Ret holds the return value word on leave firings.
	Ret uint64
}

// Callbacks wires a probe to its consumer. Call-style attachments
// invoke OnEnter and OnLeave; instruction-style attachments invoke
// OnHit. Unused members may be nil.
type Callbacks struct {
	OnEnter func(*Firing)
	OnLeave func(*Firing)
	OnHit   func(*Firing)
}

// Driver attaches probes. Attach is synchronous: when it returns,
// the probe is live and the returned handle owns it.
type Driver interface {
	Attach(ctx context.Context, spec AttachSpec, cb Callbacks) (Handle, error)
}

// Handle owns one live attachment. Detach is idempotent and safe to
// call after the probed code has been unmapped; a firing already in
// flight completes gracefully.
type Handle interface {
	Detach() error
}

// NewHandle adapts a detach function into an idempotent Handle: the
// function runs exactly once and later calls return nil.
func NewHandle(detach func() error) Handle {
	return &onceHandle{detach: detach}
}

type onceHandle struct {
	once   sync.Once
	detach func() error
}

func (h *onceHandle) Detach() error {
	var err error
	h.once.Do(func() {
		err = h.detach()
	})
	return err
}
