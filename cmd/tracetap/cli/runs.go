package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/frobware/go-tracetap/store/sqlite"
)

// RunsCmd lists the trace runs recorded in the database.
type RunsCmd struct{}

// Run executes the runs command.
func (c *RunsCmd) Run(cli *CLI) error {
	rec, err := openRecorder(cli)
	if err != nil {
		return err
	}
	defer rec.Close()

	runs, err := rec.Runs(context.Background())
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	output, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

// openRecorder opens the trace database for a query command. Logging
// goes to stderr so the JSON output stays clean.
func openRecorder(cli *CLI) (*sqlite.Recorder, error) {
	logger, err := cli.Logger(os.Stderr)
	if err != nil {
		return nil, err
	}
	dirs, err := cli.RuntimeDirs()
	if err != nil {
		return nil, err
	}
	return sqlite.New(context.Background(), dirs.DBPath(), logger)
}
