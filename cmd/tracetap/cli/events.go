package cli

import (
	"context"
	"encoding/json"
	"os"
)

// EventsCmd dumps the recorded events of a run as JSON lines, in
// recording order.
type EventsCmd struct {
	RunID string `arg:"" name:"run-id" help:"Run id (see 'tracetap runs')."`
	Hook  string `name:"hook" help:"Only events for this hook id."`
	Limit int    `name:"limit" help:"Stop after this many events."`
}

// Run executes the events command.
func (c *EventsCmd) Run(cli *CLI) error {
	rec, err := openRecorder(cli)
	if err != nil {
		return err
	}
	defer rec.Close()

	events, err := rec.Events(context.Background(), c.RunID, c.Hook)
	if err != nil {
		return err
	}
	if c.Limit > 0 && len(events) > c.Limit {
		events = events[:c.Limit]
	}

	enc := json.NewEncoder(os.Stdout)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return err
		}
	}
	return nil
}
