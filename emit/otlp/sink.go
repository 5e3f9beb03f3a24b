package otlp

import (
	"context"
	"log/slog"
	"time"

	tracetap "github.com/frobware/go-tracetap"
)

const (
	defaultBatchSize     = 256
	defaultFlushInterval = 2 * time.Second
	finalFlushTimeout    = 5 * time.Second
)

// Sink drains an event channel into an Exporter in batches. A batch
// flushes when it reaches BatchSize or when FlushInterval elapses,
// whichever comes first.
type Sink struct {
	log      *slog.Logger
	exporter *Exporter
	batch    int
	interval time.Duration
}

// SinkOptions tunes batching. Zero values take defaults.
type SinkOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// NewSink wraps an exporter with batching.
func NewSink(exporter *Exporter, opts SinkOptions) *Sink {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{
		log:      opts.Logger,
		exporter: exporter,
		batch:    opts.BatchSize,
		interval: opts.FlushInterval,
	}
}

// Run consumes events until ctx is canceled or the channel closes,
// then flushes what remains. An export failure drops that batch and
// keeps draining: the engine's side of the channel must never back
// up behind a slow collector.
func (s *Sink) Run(ctx context.Context, ch <-chan tracetap.Event) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	pending := make([]tracetap.Event, 0, s.batch)
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := s.exporter.Export(ctx, pending); err != nil {
			s.log.Warn("otlp export failed, dropping batch",
				"events", len(pending), "error", err)
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			s.finalFlush(flush)
			return nil

		case ev, ok := <-ch:
			if !ok {
				s.finalFlush(flush)
				return nil
			}
			pending = append(pending, ev)
			if len(pending) >= s.batch {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

// finalFlush runs the last export on a fresh context: the run context
// is already canceled during shutdown.
func (s *Sink) finalFlush(flush func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	flush(ctx)
}
