package tracetap

import "fmt"

// HookSpec declares a single desired hook. The host owns the
// declaration; the engine only ever receives a full Config of these
// and never mutates one. Mutation happens host-side and a new
// configuration is submitted wholesale.
type HookSpec struct {
	// ID uniquely identifies the hook across configurations. The
	// engine keys its runtime state by ID.
	ID string `json:"id"`

	// DisplayName is a human-readable label carried through to
	// logs. It has no behavioral meaning.
	DisplayName string `json:"display_name,omitempty"`

	// Anchor locates the code to instrument.
	Anchor Anchor `json:"-"`

	// Enabled gates attachment. A disabled hook stays declared but
	// detached.
	Enabled bool `json:"enabled"`

	// Code is the untrusted handler source evaluated by the
	// handler compiler.
	Code string `json:"code"`

	// Pinned marks hooks the host wants to survive its own UI
	// filtering. The engine carries the flag but attaches pinned
	// and unpinned hooks identically.
	Pinned bool `json:"pinned,omitempty"`
}

// Validate rejects declarations the engine cannot act on.
func (s HookSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("hook declaration missing id")
	}
	if err := validateAnchor(s.Anchor); err != nil {
		return fmt.Errorf("hook %q: %w", s.ID, err)
	}
	return nil
}

// SameAttachment reports whether s and o would produce an identical
// attachment: the code, enabled flag, and anchor all match.
// Reconciliation does not detach and re-attach such hooks; display
// name and pinning changes alone never disturb a live probe.
func (s HookSpec) SameAttachment(o HookSpec) bool {
	return s.Code == o.Code &&
		s.Enabled == o.Enabled &&
		AnchorEqual(s.Anchor, o.Anchor)
}

// Config is an ordered tracer configuration: the complete list of
// hooks the host wants live. It is applied wholesale; the engine
// replaces its stored configuration reference on every apply and
// never edits one in place.
type Config struct {
	Hooks []HookSpec
}

// Validate checks every declaration and rejects duplicate ids.
// Apply refuses a configuration that fails validation without
// touching any live attachment.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Hooks))
	for _, h := range c.Hooks {
		if err := h.Validate(); err != nil {
			return err
		}
		if _, dup := seen[h.ID]; dup {
			return ErrDuplicateHookID{ID: h.ID}
		}
		seen[h.ID] = struct{}{}
	}
	return nil
}

// Lookup returns the declaration with the given id.
func (c Config) Lookup(id string) (HookSpec, bool) {
	for _, h := range c.Hooks {
		if h.ID == id {
			return h, true
		}
	}
	return HookSpec{}, false
}
