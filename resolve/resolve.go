// Package resolve turns symbolic address anchors into concrete
// addresses in a process image.
//
// Resolution is deliberately snapshot-based: the engine takes a
// fresh Index per apply pass and resolves every anchor against it,
// because modules load and unload between passes. An anchor that
// fails to resolve today may succeed on the next pass with no change
// to its declaration.
package resolve

import (
	"fmt"

	tracetap "github.com/frobware/go-tracetap"
)

// Module describes one mapped image in the target process.
type Module struct {
	// Name is the module's basename, the form anchors use.
	Name string `json:"name"`

	// Path is the backing file.
	Path string `json:"path"`

	// Base is the load base: the lowest mapping start of the file,
	// normalized by file offset.
	Base uint64 `json:"base"`

	// End is the highest mapped address of the file.
	End uint64 `json:"end"`
}

// IsZero reports whether m carries no module (absolute anchors can
// resolve outside every known mapping).
func (m Module) IsZero() bool { return m.Path == "" && m.Base == 0 }

// Index is a point-in-time view of the target's modules and their
// exports. The production implementation reads /proc; tests supply
// fakes.
type Index interface {
	// Lookup finds a module by name.
	Lookup(name string) (Module, bool)

	// FindAddress finds the module whose mappings contain addr.
	FindAddress(addr uint64) (Module, bool)

	// Export returns the runtime address of a named export of m.
	Export(m Module, name string) (uint64, error)
}

// Snapshotter produces a fresh Index. The engine invokes it once per
// apply pass and never caches resolutions across passes.
type Snapshotter func() (Index, error)

// Resolution is a successfully resolved anchor.
type Resolution struct {
	// Address is the concrete runtime address.
	Address uint64

	// Module is the image containing Address, zero when no mapping
	// claims it.
	Module Module
}

// Resolve maps an anchor to a concrete address against the given
// snapshot. Absolute anchors always succeed; module anchors fail
// with ErrModuleNotFound or ErrExportNotFound. The type switch is
// exhaustive over the sealed anchor shapes.
func Resolve(idx Index, a tracetap.Anchor) (Resolution, error) {
	switch v := a.(type) {
	case tracetap.AbsoluteAnchor:
		m, _ := idx.FindAddress(v.Address)
		return Resolution{Address: v.Address, Module: m}, nil

	case tracetap.ModuleOffsetAnchor:
		m, ok := idx.Lookup(v.Module)
		if !ok {
			return Resolution{}, tracetap.ErrModuleNotFound{Module: v.Module}
		}
		return Resolution{Address: m.Base + v.Offset, Module: m}, nil

	case tracetap.ModuleExportAnchor:
		m, ok := idx.Lookup(v.Module)
		if !ok {
			return Resolution{}, tracetap.ErrModuleNotFound{Module: v.Module}
		}
		addr, err := idx.Export(m, v.Export)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Address: addr, Module: m}, nil

	case nil:
		return Resolution{}, tracetap.ErrInvalidAnchor{Reason: "nil anchor"}

	default:
		return Resolution{}, tracetap.ErrInvalidAnchor{
			Text:   a.String(),
			Reason: fmt.Sprintf("unknown anchor shape %T", a),
		}
	}
}
