package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tracetap "github.com/frobware/go-tracetap"
	"github.com/frobware/go-tracetap/config"
	"github.com/frobware/go-tracetap/emit/otlp"
	"github.com/frobware/go-tracetap/engine"
	"github.com/frobware/go-tracetap/hookcfg"
	"github.com/frobware/go-tracetap/lock"
	"github.com/frobware/go-tracetap/probe/uprobe"
	"github.com/frobware/go-tracetap/resolve"
	"github.com/frobware/go-tracetap/store/sqlite"
)

// RunCmd attaches the hooks declared in a hook file to a running
// process and streams trace events until interrupted.
type RunCmd struct {
	PID   int    `name:"pid" short:"p" required:"" help:"Target process id."`
	Hooks string `arg:"" name:"hook-file" type:"existingfile" help:"TOML hook file."`

	Watch        bool   `name:"watch" short:"w" help:"Reload and reapply the hook file on change."`
	Record       bool   `name:"record" help:"Record events to the trace database."`
	OTLP         string `name:"otlp" help:"Export events to an OTLP collector (host:port)."`
	OTLPInsecure bool   `name:"otlp-insecure" help:"Use plaintext transport for OTLP export."`
	Quiet        bool   `name:"quiet" short:"q" help:"Do not print events to stdout."`
	Buffer       int    `name:"buffer" default:"1024" help:"Event channel capacity; events beyond it are dropped, not queued."`
}

// Run executes the trace command. The writer lock is held for the
// whole session: two tracers sharing a runtime root would race on the
// trace database.
func (c *RunCmd) Run(cli *CLI) error {
	logger, err := cli.Logger(os.Stderr)
	if err != nil {
		return err
	}

	dirs, err := cli.RuntimeDirs()
	if err != nil {
		return err
	}
	if err := dirs.EnsureDirectories(); err != nil {
		return err
	}

	cfg, err := hookcfg.Load(c.Hooks)
	if err != nil {
		return fmt.Errorf("loading hook file: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return lock.Run(ctx, dirs.Lock(), func(ctx context.Context, _ lock.WriterScope) error {
		return c.trace(ctx, logger, dirs, cfg)
	})
}

func (c *RunCmd) trace(ctx context.Context, logger *slog.Logger, dirs config.RuntimeDirs, cfg tracetap.Config) error {
	driver, err := uprobe.New(logger.With("component", "uprobe"))
	if err != nil {
		return fmt.Errorf("starting probe driver: %w", err)
	}

	epoch := time.Now()
	events := make(chan tracetap.Event, c.Buffer)
	eng, err := engine.New(engine.Options{
		PID:      c.PID,
		Snapshot: resolve.NewSnapshotter(c.PID),
		Driver:   driver,
		Events:   events,
		Logger:   logger.With("component", "engine"),
	})
	if err != nil {
		driver.Close()
		return err
	}

	// Sinks terminate by channel closure, never by context: the run
	// context cancels at the first signal, and events still in flight
	// at that point must reach every sink before it flushes and exits.
	var wg sync.WaitGroup
	var sinkChans []chan tracetap.Event
	addSink := func(name string, drain func(context.Context, <-chan tracetap.Event) error) {
		ch := make(chan tracetap.Event, c.Buffer)
		sinkChans = append(sinkChans, ch)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := drain(context.Background(), ch); err != nil {
				logger.Error("sink failed", "sink", name, "error", err)
			}
		}()
	}

	if !c.Quiet {
		addSink("stdout", printEvents)
	}

	var recorder *sqlite.Recorder
	if c.Record {
		recorder, err = sqlite.New(ctx, dirs.DBPath(), logger)
		if err != nil {
			driver.Close()
			return fmt.Errorf("opening trace database: %w", err)
		}
		runID, err := recorder.BeginRun(ctx, c.PID)
		if err != nil {
			recorder.Close()
			driver.Close()
			return err
		}
		logger.Info("recording trace run", "run", runID, "db", dirs.DBPath())
		addSink("sqlite", recorder.Drain)
	}

	var exporter *otlp.Exporter
	if c.OTLP != "" {
		exporter, err = otlp.New(otlp.Config{
			Endpoint: c.OTLP,
			Epoch:    epoch,
			Insecure: c.OTLPInsecure,
		}, logger.With("component", "otlp"))
		if err != nil {
			if recorder != nil {
				recorder.Close()
			}
			driver.Close()
			return fmt.Errorf("configuring otlp export: %w", err)
		}
		sink := otlp.NewSink(exporter, otlp.SinkOptions{
			Logger: logger.With("component", "otlp"),
		})
		addSink("otlp", sink.Run)
	}

	// Fan the engine channel out to every sink. Runs until the engine
	// channel closes during shutdown, then closes the sink channels so
	// each sink flushes and exits. With no sinks configured this loop
	// still drains the channel.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			for _, ch := range sinkChans {
				ch <- ev
			}
		}
		for _, ch := range sinkChans {
			close(ch)
		}
	}()

	if err := eng.Apply(ctx, cfg); err != nil {
		logger.Error("initial apply rejected", "error", err)
	} else {
		logger.Info("tracing", "pid", c.PID, "hooks", len(cfg.Hooks), "attached", len(eng.Attached()))
	}

	if c.Watch {
		watcher := hookcfg.NewWatcher(c.Hooks, func(cfg tracetap.Config) {
			if err := eng.Apply(ctx, cfg); err != nil {
				logger.Error("apply rejected", "error", err)
				return
			}
			logger.Info("configuration reapplied", "hooks", len(cfg.Hooks), "attached", len(eng.Attached()))
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Error("hook file watch failed", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// Order matters: detach probes, stop the driver pump so nothing
	// can emit, and only then close the engine channel.
	if err := eng.Dispose(context.Background()); err != nil {
		logger.Error("dispose failed", "error", err)
	}
	if err := driver.Close(); err != nil {
		logger.Warn("driver close", "error", err)
	}
	close(events)
	wg.Wait()

	if recorder != nil {
		if err := recorder.FinishRun(context.Background()); err != nil {
			logger.Warn("finishing run", "error", err)
		}
		if err := recorder.Close(); err != nil {
			logger.Warn("closing trace database", "error", err)
		}
	}
	if exporter != nil {
		if err := exporter.Shutdown(context.Background()); err != nil {
			logger.Warn("otlp shutdown", "error", err)
		}
	}

	if dropped, lost := eng.Dropped(), driver.Lost(); dropped > 0 || lost > 0 {
		logger.Warn("events lost", "channel_dropped", dropped, "perf_lost", lost)
	}
	return nil
}

// printEvents writes events to stdout as JSON lines.
func printEvents(_ context.Context, ch <-chan tracetap.Event) error {
	enc := json.NewEncoder(os.Stdout)
	for ev := range ch {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
