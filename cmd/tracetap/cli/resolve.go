package cli

import (
	"encoding/json"
	"fmt"

	"github.com/frobware/go-tracetap/resolve"
)

// ResolveCmd resolves an anchor against a running process and prints
// the concrete address, without attaching anything.
type ResolveCmd struct {
	PID    int       `name:"pid" short:"p" required:"" help:"Target process id."`
	Anchor AnchorArg `arg:"" name:"anchor" help:"Anchor text: 0xADDR, module+0xOFF, or module!export."`
}

// Run executes the resolve command.
func (c *ResolveCmd) Run(cli *CLI) error {
	idx, err := resolve.Snapshot(c.PID)
	if err != nil {
		return fmt.Errorf("indexing process %d: %w", c.PID, err)
	}

	res, err := resolve.Resolve(idx, c.Anchor.Anchor)
	if err != nil {
		return err
	}

	out := struct {
		Anchor  string `json:"anchor"`
		Address string `json:"address"`
		Module  string `json:"module,omitempty"`
		Base    string `json:"module_base,omitempty"`
	}{
		Anchor:  c.Anchor.Anchor.String(),
		Address: fmt.Sprintf("%#x", res.Address),
	}
	if !res.Module.IsZero() {
		out.Module = res.Module.Path
		out.Base = fmt.Sprintf("%#x", res.Module.Base)
	}

	output, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
