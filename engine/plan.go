// Package engine reconciles a declarative hook configuration against
// the live probe table.
//
// Reconciliation is split the same way as the rest of this codebase:
// a pure planning function diffs current state against desired state
// and returns reified steps; the engine then executes the steps,
// tolerating per-hook failures without aborting the pass.
package engine

import (
	"fmt"
	"sort"

	tracetap "github.com/frobware/go-tracetap"
)

// Step is one reconciliation step produced by Plan.
// Use a type switch to dispatch on the concrete step.
type Step interface {
	isStep()
	fmt.Stringer
}

// RemoveReason says why a live entry is being removed.
type RemoveReason string

const (
	// RemovedFromConfig marks ids absent from the new configuration.
	RemovedFromConfig RemoveReason = "removed"

	// Disabled marks declarations whose Enabled flag turned off.
	Disabled RemoveReason = "disabled"

	// Changed marks declarations whose code, enabled flag, or
	// anchor changed; the stale attachment is detached before the
	// replacement binds.
	Changed RemoveReason = "changed"
)

// RemoveStep detaches the live entry for ID and discards it.
type RemoveStep struct {
	ID     string
	Reason RemoveReason
}

func (RemoveStep) isStep() {}

func (s RemoveStep) String() string {
	return fmt.Sprintf("remove %s (%s)", s.ID, s.Reason)
}

// BindStep resolves, compiles, and attaches one declaration. Each of
// those stages can fail per-hook; failure reports a trace-error and
// leaves the hook absent without aborting the pass.
type BindStep struct {
	Spec tracetap.HookSpec
}

func (BindStep) isStep() {}

func (s BindStep) String() string {
	return fmt.Sprintf("bind %s @ %s", s.Spec.ID, s.Spec.Anchor)
}

// KeepStep records that the live attachment for ID already matches
// the declaration. No side effects: the probe handle is not touched.
type KeepStep struct {
	ID string
}

func (KeepStep) isStep() {}

func (s KeepStep) String() string {
	return "keep " + s.ID
}

// Plan diffs the live hook table against a desired configuration and
// returns the steps that make them agree. Pure: no I/O, no mutation.
//
// Removals for ids absent from the configuration come first, sorted
// for determinism; per-declaration steps follow in configuration
// order. A changed declaration produces its RemoveStep immediately
// before its BindStep so stale probes never coexist with their
// replacements.
func Plan(live map[string]tracetap.HookSpec, desired tracetap.Config) []Step {
	var steps []Step

	var gone []string
	for id := range live {
		if _, ok := desired.Lookup(id); !ok {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		steps = append(steps, RemoveStep{ID: id, Reason: RemovedFromConfig})
	}

	for _, h := range desired.Hooks {
		cur, attached := live[h.ID]

		if attached && cur.SameAttachment(h) {
			steps = append(steps, KeepStep{ID: h.ID})
			continue
		}

		if attached {
			reason := Changed
			if !h.Enabled {
				reason = Disabled
			}
			steps = append(steps, RemoveStep{ID: h.ID, Reason: reason})
		}

		if h.Enabled {
			steps = append(steps, BindStep{Spec: h})
		}
	}

	return steps
}
