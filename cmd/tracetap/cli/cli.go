package cli

import (
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-tracetap/config"
	"github.com/frobware/go-tracetap/logging"
)

// CLI is the root command structure for tracetap.
type CLI struct {
	RuntimeDir string  `name:"runtime-dir" help:"Runtime state root (lock, trace database)." default:"${default_runtime_dir}"`
	Log        LogSpec `name:"log" help:"Log spec (e.g., 'info,engine=debug')." env:"TRACETAP_LOG"`
	LogFormat  string  `name:"log-format" help:"Log output format." enum:"text,json" default:"text"`

	Run     RunCmd     `cmd:"" help:"Attach hooks to a running process and stream trace events."`
	Check   CheckCmd   `cmd:"" help:"Validate a hook file without attaching anything."`
	Resolve ResolveCmd `cmd:"" help:"Resolve an anchor against a running process."`
	Runs    RunsCmd    `cmd:"" help:"List recorded trace runs."`
	Events  EventsCmd  `cmd:"" help:"Dump recorded events for a run."`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("tracetap"),
		kong.Description("Userspace function tracer driven by a declarative hook file."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(LogSpec{}), logSpecMapper()),
		kong.TypeMapper(reflect.TypeOf(AnchorArg{}), anchorMapper()),
		kong.Vars{
			"default_runtime_dir": "/run/tracetap",
		},
	}
}

// RuntimeDirs validates the --runtime-dir flag into runtime paths.
func (c *CLI) RuntimeDirs() (config.RuntimeDirs, error) {
	return config.NewRuntimeDirs(c.RuntimeDir)
}

// Logger creates a logger writing to out. Short-lived query commands
// pass os.Stderr so their JSON output stays clean; trace passes
// os.Stdout like a daemon would.
func (c *CLI) Logger(out io.Writer) (*slog.Logger, error) {
	format, err := logging.ParseFormat(c.LogFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		EnvSpec: os.Getenv(logging.EnvVar),
		CLISpec: c.Log.Value,
		Format:  format,
		Output:  out,
	})
}
