package cli

import (
	"reflect"

	"github.com/alecthomas/kong"
)

// logSpecMapper creates a Kong mapper for LogSpec.
func logSpecMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("log-spec", &s); err != nil {
			return err
		}
		spec, err := ParseLogSpec(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(spec))
		return nil
	}
}

// anchorMapper creates a Kong mapper for AnchorArg.
func anchorMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("anchor", &s); err != nil {
			return err
		}
		a, err := ParseAnchorArg(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(a))
		return nil
	}
}
