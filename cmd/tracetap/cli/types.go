// Package cli provides the Kong-based command-line interface for tracetap.
package cli

import (
	"fmt"
	"strings"

	tracetap "github.com/frobware/go-tracetap"
	"github.com/frobware/go-tracetap/logging"
)

// LogSpec wraps a log spec string, validated at flag parse time.
type LogSpec struct {
	Value string
}

// ParseLogSpec parses and validates a log spec such as
// "info,engine=debug".
func ParseLogSpec(s string) (LogSpec, error) {
	s = strings.TrimSpace(s)
	if _, err := logging.ParseSpec(s); err != nil {
		return LogSpec{}, err
	}
	return LogSpec{Value: s}, nil
}

// AnchorArg wraps an anchor parsed from its text form, validated at
// flag parse time.
type AnchorArg struct {
	Anchor tracetap.Anchor
}

// ParseAnchorArg parses an anchor argument: a bare address, a
// module+offset pair, or a module!export pair.
func ParseAnchorArg(s string) (AnchorArg, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AnchorArg{}, fmt.Errorf("anchor cannot be empty")
	}
	a, err := tracetap.ParseAnchor(s)
	if err != nil {
		return AnchorArg{}, err
	}
	return AnchorArg{Anchor: a}, nil
}
