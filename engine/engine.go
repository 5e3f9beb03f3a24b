package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tracetap "github.com/frobware/go-tracetap"
	"github.com/frobware/go-tracetap/depth"
	"github.com/frobware/go-tracetap/emit"
	"github.com/frobware/go-tracetap/handler"
	"github.com/frobware/go-tracetap/probe"
	"github.com/frobware/go-tracetap/resolve"
)

// Options carries the engine's collaborators. Snapshot, Driver, and
// Events are required.
type Options struct {
	// PID is the target process, forwarded to the probe driver.
	PID int

	// Snapshot produces a fresh module index. Called at most once
	// per apply pass, and only when something needs resolving.
	Snapshot resolve.Snapshotter

	// Driver attaches and detaches probes.
	Driver probe.Driver

	// Events is the host channel. The engine never blocks on it;
	// see the emit package.
	Events chan<- tracetap.Event

	// Logger defaults to discard.
	Logger *slog.Logger
}

// entry is the runtime state for one attached hook: the owned probe
// handle, the compiled handler, and a copy of the declaration it was
// built from, kept for change detection.
type entry struct {
	spec    tracetap.HookSpec
	handle  probe.Handle
	handler *handler.Handler
}

// Engine keeps live probe attachments synchronized with the most
// recently applied configuration.
//
// Apply and Dispose serialize against probe dispatch on one mutex,
// so handler bodies and reconciliation never interleave. Apply is
// not reentrant: the host must not call it concurrently with itself,
// though probes may fire throughout.
type Engine struct {
	pid      int
	snapshot resolve.Snapshotter
	driver   probe.Driver
	log      *slog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	config   tracetap.Config
	disposed bool

	// retired holds handlers whose probes have been detached but
	// whose in-flight firings may still deliver a trailing leave.
	// They are released on the next Apply or Dispose.
	retired []*handler.Handler

	tracker *depth.Tracker
	emitter *emit.Emitter
}

// New constructs an engine. The event timestamp epoch is this call.
func New(opts Options) (*Engine, error) {
	if opts.Snapshot == nil {
		return nil, fmt.Errorf("engine: module index snapshotter is required")
	}
	if opts.Driver == nil {
		return nil, fmt.Errorf("engine: probe driver is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("engine: event channel is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		pid:      opts.PID,
		snapshot: opts.Snapshot,
		driver:   opts.Driver,
		log:      logger,
		entries:  make(map[string]*entry),
		tracker:  depth.NewTracker(),
		emitter:  emit.New(opts.Events),
	}, nil
}

// Apply reconciles the live hook table against cfg and replaces the
// stored configuration.
//
// Per-hook resolution, compilation, and attach failures are reported
// as trace-error events and leave that hook absent; they never abort
// the pass or disturb other hooks. Apply returns an error only for
// host contract violations: an invalid configuration or a disposed
// engine, neither of which touches any live attachment.
func (e *Engine) Apply(ctx context.Context, cfg tracetap.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed {
		return tracetap.ErrEngineDisposed
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("rejecting configuration: %w", err)
	}

	// Handlers retired by the previous pass have had a full pass
	// window for their stragglers; release them now.
	e.closeRetired()

	live := make(map[string]tracetap.HookSpec, len(e.entries))
	for id, en := range e.entries {
		live[id] = en.spec
	}

	steps := Plan(live, cfg)
	e.log.Debug("applying configuration", "hooks", len(cfg.Hooks), "steps", len(steps))

	// The index snapshot is shared by every bind in this pass and
	// taken only when the first bind needs it. Nothing is cached
	// across passes: a module that loads tomorrow resolves tomorrow.
	var idx resolve.Index
	var idxErr error
	snapshotted := false

	for _, step := range steps {
		switch s := step.(type) {
		case RemoveStep:
			e.removeEntry(s.ID, string(s.Reason))

		case KeepStep:
			e.log.Debug("hook unchanged", "hook", s.ID)

		case BindStep:
			if !snapshotted {
				idx, idxErr = e.snapshot()
				snapshotted = true
			}
			if idxErr != nil {
				e.reportHookError(s.Spec.ID, fmt.Errorf("module index: %w", idxErr))
				continue
			}
			e.bind(ctx, idx, s.Spec)
		}
	}

	e.config = cfg
	return nil
}

// Dispose detaches every live probe and clears the table. Idempotent
// and callable multiple times; Apply on a disposed engine returns
// ErrEngineDisposed.
func (e *Engine) Dispose(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed {
		return nil
	}

	for id := range e.entries {
		e.removeEntry(id, "dispose")
	}
	e.closeRetired()
	e.config = tracetap.Config{}
	e.disposed = true
	e.log.Debug("engine disposed")
	return nil
}

// Attached returns the ids of currently attached hooks.
func (e *Engine) Attached() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	return ids
}

// Config returns the most recently applied configuration.
func (e *Engine) Config() tracetap.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Threads returns the number of threads with in-flight instrumented
// calls.
func (e *Engine) Threads() int {
	return e.tracker.Len()
}

// Dropped returns the number of events discarded because the host
// channel was full.
func (e *Engine) Dropped() uint64 {
	return e.emitter.Dropped()
}

// removeEntry detaches and discards one runtime entry. Detach errors
// are logged, not returned: the entry is gone either way, and detach
// after the target unmapped the code is expected to complain.
//
// The handler is retired, not closed: a firing already in flight when
// the probe detached still delivers its trailing leave, and that
// leave's log() output must reach the host.
func (e *Engine) removeEntry(id, reason string) {
	en, ok := e.entries[id]
	if !ok {
		return
	}
	if err := en.handle.Detach(); err != nil {
		e.log.Warn("detach failed", "hook", id, "reason", reason, "error", err)
	} else {
		e.log.Info("hook detached", "hook", id, "reason", reason)
	}
	e.retired = append(e.retired, en.handler)
	delete(e.entries, id)
}

// closeRetired releases handlers detached on an earlier pass. Caller
// holds e.mu, which has already serialized any straggling invocation
// ahead of the close.
func (e *Engine) closeRetired() {
	for _, h := range e.retired {
		h.Close()
	}
	e.retired = nil
}

// bind runs the per-hook pipeline: resolve, compile, attach, store.
// Each stage failure is reported once and leaves the hook absent.
func (e *Engine) bind(ctx context.Context, idx resolve.Index, spec tracetap.HookSpec) {
	res, err := resolve.Resolve(idx, spec.Anchor)
	if err != nil {
		e.reportHookError(spec.ID, err)
		return
	}

	hnd, err := handler.Compile(spec.ID, spec.Code)
	if err != nil {
		e.reportHookError(spec.ID, err)
		return
	}

	kind := probe.KindCall
	if hnd.Kind() == handler.KindInstruction {
		kind = probe.KindInstruction
	}

	handle, err := e.driver.Attach(ctx, probe.AttachSpec{
		PID:     e.pid,
		Module:  res.Module,
		Address: res.Address,
		Kind:    kind,
	}, e.callbacks(spec.ID, hnd))
	if err != nil {
		hnd.Close()
		e.reportHookError(spec.ID, err)
		return
	}

	e.entries[spec.ID] = &entry{spec: spec, handle: handle, handler: hnd}
	e.log.Info("hook attached",
		"hook", spec.ID,
		"anchor", spec.Anchor.String(),
		"address", fmt.Sprintf("%#x", res.Address),
		"kind", string(kind))
}

// reportHookError emits a trace-error for one hook. Reported once
// per apply pass; the hook stays absent until a later apply
// re-resolves it.
func (e *Engine) reportHookError(id string, err error) {
	e.log.Warn("hook failed", "hook", id, "error", err)
	e.emitter.Error(id, err.Error())
}

// callbacks couples a compiled handler to the shared depth tracker
// and emitter. The closures stay callable after detach: a firing
// already in flight completes gracefully and its trailing leave is
// still emitted, its depth accounting clamps rather than underflows,
// and once a later pass releases the retired handler its body is a
// silent no-op.
func (e *Engine) callbacks(hookID string, hnd *handler.Handler) probe.Callbacks {
	return probe.Callbacks{
		OnEnter: func(f *probe.Firing) {
			e.mu.Lock()
			defer e.mu.Unlock()

			d := e.tracker.OnEnter(f.ThreadID)
			e.invoke(hnd.InvokeEnter, hookID, f, d, nil)
		},
		OnLeave: func(f *probe.Firing) {
			e.mu.Lock()
			defer e.mu.Unlock()

			d := e.tracker.OnLeave(f.ThreadID)
			e.invoke(hnd.InvokeLeave, hookID, f, d, &f.Ret)
		},
		OnHit: func(f *probe.Firing) {
			e.mu.Lock()
			defer e.mu.Unlock()

			d := e.tracker.OnSample(f.ThreadID)
			e.invoke(hnd.InvokeHit, hookID, f, d, nil)
		},
	}
}

type invokeFunc func(handler.Invocation, handler.LogFunc) error

// invoke runs one handler callback. Handler log() calls become
// trace-log events stamped with the firing's depth; a handler
// runtime error becomes a trace-error and the firing completes.
func (e *Engine) invoke(fn invokeFunc, hookID string, f *probe.Firing, d int, ret *uint64) {
	inv := handler.Invocation{
		HookID:   hookID,
		ThreadID: f.ThreadID,
		Depth:    d,
		Caller:   f.Caller,
		Args:     f.Args,
		Ret:      ret,
	}
	logFn := func(payload []any) {
		e.emitter.Log(hookID, f.ThreadID, d, f.Caller, f.Backtrace, payload)
	}
	if err := fn(inv, logFn); err != nil {
		e.reportHookError(hookID, fmt.Errorf("handler raised: %w", err))
	}
}
