package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/frobware/go-tracetap/engine"
	"github.com/frobware/go-tracetap/handler"
	"github.com/frobware/go-tracetap/hookcfg"
)

// CheckCmd validates a hook file: it parses the declarations,
// compiles every handler, and shows the reconciliation plan a fresh
// engine would execute, without touching any process.
type CheckCmd struct {
	Hooks string `arg:"" name:"hook-file" type:"existingfile" help:"TOML hook file."`
}

// checkResult is the per-hook report line.
type checkResult struct {
	ID      string `json:"id"`
	Anchor  string `json:"anchor"`
	Enabled bool   `json:"enabled"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Run executes the check command. A non-zero exit means at least one
// hook would fail to attach.
func (c *CheckCmd) Run(cli *CLI) error {
	cfg, err := hookcfg.Load(c.Hooks)
	if err != nil {
		return err
	}

	results := make([]checkResult, 0, len(cfg.Hooks))
	failed := 0
	for _, spec := range cfg.Hooks {
		r := checkResult{
			ID:      spec.ID,
			Anchor:  spec.Anchor.String(),
			Enabled: spec.Enabled,
		}
		hnd, err := handler.Compile(spec.ID, spec.Code)
		if err != nil {
			r.Error = err.Error()
			failed++
		} else {
			r.Kind = string(hnd.Kind())
			hnd.Close()
		}
		results = append(results, r)
	}

	steps := engine.Plan(nil, cfg)
	plan := make([]string, 0, len(steps))
	for _, s := range steps {
		plan = append(plan, s.String())
	}

	output, err := json.MarshalIndent(struct {
		Hooks []checkResult `json:"hooks"`
		Plan  []string      `json:"plan"`
	}{
		Hooks: results,
		Plan:  plan,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(output))

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d hooks failed to compile\n", failed, len(cfg.Hooks))
		return fmt.Errorf("hook file has errors")
	}
	return nil
}
