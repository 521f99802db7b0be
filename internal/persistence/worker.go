package persistence

import (
	"context"
	"database/sql"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
	"github.com/rs/zerolog"
)

// Sink stores batches of log rows. EventLogWriter is the Postgres sink.
type Sink interface {
	Write(ctx context.Context, events []EventRow, journals []JournalRow) error
}

// PersistenceWorker drains the engine's persist channel and batch-writes
// to the event log. The engine's sends block, so when this worker falls
// behind settlement stalls rather than losing events.
type PersistenceWorker struct {
	sink         Sink
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return NewPersistenceWorkerWithSink(NewEventLogWriter(db), inputChan, batchSize, flushTimeout, metrics)
}

func NewPersistenceWorkerWithSink(
	sink Sink,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		sink:         sink,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed; either way pending rows are flushed first.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, pw.batchSize)
	journals := make([]JournalRow, 0, pw.batchSize*4)
	pending := 0

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(events) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, events, journals); err != nil {
			pw.logger.Error().Err(err).Int("events", len(events)).Msg("batch flush failed")
		}
		events = events[:0]
		journals = journals[:0]
		pending = 0
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			ev, js, err := Rows(output)
			if err != nil {
				// Engine bug; the rows cannot be stored consistently.
				pw.logger.Error().Err(err).Msg("malformed output dropped")
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("malformed").Inc()
				}
				continue
			}
			events = append(events, ev...)
			journals = append(journals, js...)
			pending++

			if pending >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one final attempt is made with a
// background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), events, journals)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()
	if err := pw.sink.Write(ctx, events, journals); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}
