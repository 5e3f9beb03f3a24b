package tracetap

import (
	"errors"
	"fmt"
)

// ErrEngineDisposed is returned when applying a configuration to an
// engine after Dispose.
var ErrEngineDisposed = errors.New("engine has been disposed")

// ErrModuleNotFound is returned when an anchor names a module that
// is not currently mapped in the target process. Recoverable: the
// module may load later, and the next apply re-attempts resolution.
type ErrModuleNotFound struct {
	Module string
}

func (e ErrModuleNotFound) Error() string {
	return fmt.Sprintf("module %q is not mapped in the target process", e.Module)
}

// ErrExportNotFound is returned when an anchor's module is mapped
// but exports no symbol with the requested name.
type ErrExportNotFound struct {
	Module string
	Export string
}

func (e ErrExportNotFound) Error() string {
	return fmt.Sprintf("module %q has no export %q", e.Module, e.Export)
}

// ErrHandlerDefinition is returned when a hook's source text cannot
// produce a handler: it raised during evaluation, never called
// defineHandler, called it more than once, or passed it something
// that is neither a callable nor an enter/leave table.
type ErrHandlerDefinition struct {
	HookID string
	Reason string
}

func (e ErrHandlerDefinition) Error() string {
	return fmt.Sprintf("handler for hook %q: %s", e.HookID, e.Reason)
}

// ErrInvalidAnchor is returned when anchor text cannot be parsed or
// an anchor value is structurally invalid.
type ErrInvalidAnchor struct {
	Text   string
	Reason string
}

func (e ErrInvalidAnchor) Error() string {
	return fmt.Sprintf("invalid anchor %q: %s", e.Text, e.Reason)
}

// ErrDuplicateHookID is returned when a configuration declares the
// same hook id more than once.
type ErrDuplicateHookID struct {
	ID string
}

func (e ErrDuplicateHookID) Error() string {
	return fmt.Sprintf("duplicate hook id %q in configuration", e.ID)
}

// ErrAddressNotMapped is returned by probe drivers that need a
// backing module for an address and cannot find one.
type ErrAddressNotMapped struct {
	Address uint64
}

func (e ErrAddressNotMapped) Error() string {
	return fmt.Sprintf("address %#x is not inside any mapped module", e.Address)
}
