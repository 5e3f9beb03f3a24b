package sqlite

import (
	"context"
	"time"

	tracetap "github.com/frobware/go-tracetap"
)

const (
	drainBatchSize     = 128
	drainFlushInterval = time.Second
	drainFinalTimeout  = 5 * time.Second
)

// Drain consumes events from ch and records them in batches until ctx
// is canceled or the channel closes, then flushes what remains. A
// batch that fails to insert is logged and dropped so the engine's
// side of the channel never backs up behind the database.
func (r *Recorder) Drain(ctx context.Context, ch <-chan tracetap.Event) error {
	ticker := time.NewTicker(drainFlushInterval)
	defer ticker.Stop()

	pending := make([]tracetap.Event, 0, drainBatchSize)
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := r.RecordBatch(ctx, pending); err != nil {
			r.logger.Warn("failed to record batch, dropping",
				"events", len(pending), "error", err)
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			r.finalFlush(flush)
			return nil

		case ev, ok := <-ch:
			if !ok {
				r.finalFlush(flush)
				return nil
			}
			pending = append(pending, ev)
			if len(pending) >= drainBatchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

// finalFlush writes the last batch on a fresh context: the drain
// context is already canceled during shutdown.
func (r *Recorder) finalFlush(flush func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), drainFinalTimeout)
	defer cancel()
	flush(ctx)
}
