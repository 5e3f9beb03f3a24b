package tracetap

import (
	"fmt"
	"strconv"
	"strings"
)

// Anchor is a symbolic description of a target address in the
// instrumented process. It is one of three shapes: an absolute
// address, a module-relative offset, or a named module export.
//
// Anchors are immutable value types with structural equality; use
// AnchorEqual to compare two anchors of possibly different shapes.
// Resolution to a concrete address is a function of the current
// process image and may fail or change result as modules load and
// unload (see the resolve package).
type Anchor interface {
	anchor()

	// String renders the anchor in its text form. The forms are:
	//
	//	0x55e3c2a011d0          absolute address
	//	libssl.so.3+0x1c40      module base plus offset
	//	libc.so.6!malloc        module export by name
	String() string
}

// AbsoluteAnchor names a raw address in the process image.
type AbsoluteAnchor struct {
	Address uint64
}

func (AbsoluteAnchor) anchor() {}

func (a AbsoluteAnchor) String() string {
	return fmt.Sprintf("%#x", a.Address)
}

// ModuleOffsetAnchor names an offset from a mapped module's base
// address.
type ModuleOffsetAnchor struct {
	Module string
	Offset uint64
}

func (ModuleOffsetAnchor) anchor() {}

func (a ModuleOffsetAnchor) String() string {
	return fmt.Sprintf("%s+%#x", a.Module, a.Offset)
}

// ModuleExportAnchor names an exported symbol of a mapped module.
type ModuleExportAnchor struct {
	Module string
	Export string
}

func (ModuleExportAnchor) anchor() {}

func (a ModuleExportAnchor) String() string {
	return a.Module + "!" + a.Export
}

// ParseAnchor parses the text form of an anchor.
//
// A "!" separates module from export name; the last "+" separates
// module from hex or decimal offset (module names may themselves
// contain "+", as in libstdc++.so.6). Anything else must parse as a
// bare address.
func ParseAnchor(s string) (Anchor, error) {
	if s == "" {
		return nil, ErrInvalidAnchor{Text: s, Reason: "empty"}
	}

	if i := strings.Index(s, "!"); i >= 0 {
		module, export := s[:i], s[i+1:]
		if module == "" {
			return nil, ErrInvalidAnchor{Text: s, Reason: "missing module name before \"!\""}
		}
		if export == "" {
			return nil, ErrInvalidAnchor{Text: s, Reason: "missing export name after \"!\""}
		}
		return ModuleExportAnchor{Module: module, Export: export}, nil
	}

	if i := strings.LastIndex(s, "+"); i >= 0 {
		module, offset := s[:i], s[i+1:]
		if module == "" {
			return nil, ErrInvalidAnchor{Text: s, Reason: "missing module name before \"+\""}
		}
		n, err := strconv.ParseUint(offset, 0, 64)
		if err != nil {
			return nil, ErrInvalidAnchor{Text: s, Reason: fmt.Sprintf("bad offset %q", offset)}
		}
		return ModuleOffsetAnchor{Module: module, Offset: n}, nil
	}

	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return nil, ErrInvalidAnchor{Text: s, Reason: "not an address, module+offset, or module!export"}
	}
	return AbsoluteAnchor{Address: n}, nil
}

// AnchorEqual reports whether two anchors have the same shape and
// the same fields. All anchor shapes are comparable structs, so
// interface equality is structural equality.
func AnchorEqual(a, b Anchor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a == b
}

// validateAnchor rejects anchors whose fields cannot resolve.
// The type switch is exhaustive over the sealed Anchor shapes.
func validateAnchor(a Anchor) error {
	switch v := a.(type) {
	case AbsoluteAnchor:
		return nil
	case ModuleOffsetAnchor:
		if v.Module == "" {
			return ErrInvalidAnchor{Text: a.String(), Reason: "empty module name"}
		}
		return nil
	case ModuleExportAnchor:
		if v.Module == "" {
			return ErrInvalidAnchor{Text: a.String(), Reason: "empty module name"}
		}
		if v.Export == "" {
			return ErrInvalidAnchor{Text: a.String(), Reason: "empty export name"}
		}
		return nil
	case nil:
		return ErrInvalidAnchor{Text: "", Reason: "nil anchor"}
	default:
		return ErrInvalidAnchor{Text: a.String(), Reason: "unknown anchor shape"}
	}
}
