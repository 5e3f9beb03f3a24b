// tracetap attaches declaratively configured hooks to a running
// process and streams the resulting trace events.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/frobware/go-tracetap/cmd/tracetap/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
