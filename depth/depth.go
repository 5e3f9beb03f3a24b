// Package depth tracks per-thread call nesting for instrumented
// routines. The tracker is an owned component injected into the
// engine, not process-global state: its lifetime is the engine's.
//
// The enter/leave asymmetry is deliberate. OnEnter reports the depth
// before incrementing ("how many calls were already active on this
// thread") and OnLeave reports the depth after decrementing ("how
// many remain now that I'm gone"). Hosts render call trees by
// indenting enter events at the reported depth and closing them with
// the matching leave; any other pairing produces off-by-one
// indentation.
package depth

import "sync"

// Tracker maps OS thread ids to their current call nesting level.
// An entry exists only while its thread has at least one active
// entered-but-not-left call; it is removed, not zeroed, when depth
// returns to zero, so memory is bounded by the number of threads
// with in-flight instrumented calls.
//
// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	depth map[uint32]int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{depth: make(map[uint32]int)}
}

// OnEnter records entry to an instrumented routine on the given
// thread. It returns the depth before incrementing.
func (t *Tracker) OnEnter(tid uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.depth[tid]
	t.depth[tid] = d + 1
	return d
}

// OnLeave records return from an instrumented routine on the given
// thread. It decrements first and returns the new value, removing
// the thread's entry entirely when the new value is zero.
//
// A leave with no matching enter (the hook was detached mid-call, or
// the probe fired on a thread the tracker never saw) clamps at zero
// rather than underflowing.
func (t *Tracker) OnLeave(tid uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.depth[tid]
	if !ok || d <= 1 {
		delete(t.depth, tid)
		return 0
	}
	t.depth[tid] = d - 1
	return d - 1
}

// OnSample returns the thread's current depth without mutating it.
// Instruction-style probes are not enter/leave paired and must not
// disturb the count.
func (t *Tracker) OnSample(tid uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.depth[tid]
}

// Len returns the number of threads with in-flight instrumented
// calls.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.depth)
}

// Contains reports whether the tracker currently holds an entry for
// the given thread.
func (t *Tracker) Contains(tid uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.depth[tid]
	return ok
}
