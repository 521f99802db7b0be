package core

import (
	"context"
	"sync"
	"time"

	"PerpSettle/internal/event"
	"PerpSettle/internal/guard"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Output is one committed settlement as handed to persistence.
type Output struct {
	Envelopes []*event.Envelope
	Batch     *ledger.Batch
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Oracle  *oracle.Validator
	Emitter *event.Emitter
	Metrics *observability.Metrics
	Hook    ledger.TransferHook
	Logger  *zerolog.Logger
	Now     func() time.Time
	// Persist receives every committed Output. Sends block, so a slow
	// writer applies backpressure to settlement.
	Persist chan<- Output
}

// Engine applies settlement operations against a store backend. Every
// state-mutating entry point runs inside the guard as one atomic
// transaction; events are emitted only after the commit.
type Engine struct {
	backend  store.Backend
	guard    *guard.Guard
	oracle   *oracle.Validator
	ledger   *state.PositionLedger
	risk     *risk.Manager
	vault    *ledger.Vault
	emitter  *event.Emitter
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	validate *validator.Validate
	persist  chan<- Output
	handlers map[state.OrderType]handler

	mu     sync.Mutex // seq and hasher
	seq    int64
	hasher *StateHasher
}

func NewEngine(backend store.Backend, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	val := opts.Oracle
	if val == nil {
		val = oracle.NewValidator(nil, now)
	}
	logger := observability.NewLogger("engine")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	pl := state.NewPositionLedger()
	g := guard.New()
	if l, ok := backend.(store.Locker); ok {
		g = guard.NewShared(l)
	}

	e := &Engine{
		backend:  backend,
		guard:    g,
		oracle:   val,
		ledger:   pl,
		risk:     risk.NewManager(pl),
		vault:    ledger.NewVault(opts.Hook),
		emitter:  opts.Emitter,
		metrics:  opts.Metrics,
		logger:   logger,
		now:      now,
		validate: validator.New(),
		persist:  opts.Persist,
		hasher:   NewStateHasher(),
	}
	e.handlers = e.dispatchTable()
	if e.metrics != nil {
		e.guard.OnReject(e.metrics.GuardRejections.Inc)
	}
	return e
}

// Resume continues the event sequence and hash chain after a restart.
func (e *Engine) Resume(seq int64, tip event.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq = seq
	e.hasher.Resume(tip)
}

// Tip returns the last assigned sequence and state hash.
func (e *Engine) Tip() (int64, event.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq, e.hasher.GetPrevHash()
}

// SetHook replaces the transfer hook. Not safe while operations run.
func (e *Engine) SetHook(h ledger.TransferHook) {
	e.vault.SetHook(h)
}

// Backend exposes the store for read-only queries.
func (e *Engine) Backend() store.Backend {
	return e.backend
}

// Vault exposes claimable balance reads.
func (e *Engine) Vault() *ledger.Vault {
	return e.vault
}

// outcome collects what one operation produced. err is returned to the
// caller after a successful commit (a frozen order commits and still
// reports the risk error).
type outcome struct {
	market string
	batch  *ledger.Batch
	events []event.Event
	err    error
}

func (o *outcome) emit(evt event.Event) {
	o.events = append(o.events, evt)
}

// mark and rewind let a caller drop everything a failed sub-step added.
func (o *outcome) mark() (int, int) {
	return len(o.batch.Journals), len(o.events)
}

func (o *outcome) rewind(journals, events int) {
	o.batch.Journals = o.batch.Journals[:journals]
	o.events = o.events[:events]
}

// run executes fn in a fresh transaction under the guard. On success the
// claimable legs of the batch are booked, the transaction commits, events
// are emitted and the transfer hook runs, all before the guard is released.
func (e *Engine) run(ctx context.Context, op, ref string, fn func(ctx context.Context, tx *store.Tx, out *outcome) error) error {
	start := time.Now()
	var result error

	err := e.guard.Do(ctx, func(ctx context.Context) error {
		ts := e.now().Unix()
		tx := store.Begin(e.backend)
		out := &outcome{batch: ledger.NewBatch(ref, ts)}

		if err := fn(ctx, tx, out); err != nil {
			tx.Discard()
			return err
		}
		if err := e.vault.Apply(ctx, tx, out.batch); err != nil {
			tx.Discard()
			return err
		}
		mutations := tx.Mutations()
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		e.publish(ctx, out, mutations, ts)

		if err := e.vault.Notify(ctx, out.batch); err != nil {
			e.logger.Warn().Err(err).Str("op", op).Str("ref", ref).Msg("transfer hook failed")
		}
		result = out.err
		return nil
	})
	if err != nil {
		result = err
	}

	e.observe(op, result, time.Since(start))
	return result
}

// publish wraps events and transfers in chained envelopes.
func (e *Engine) publish(ctx context.Context, out *outcome, mutations []store.Mutation, ts int64) {
	digest := MutationDigest(mutations)

	events := out.events
	for _, j := range out.batch.Journals {
		events = append(events, &event.Transfer{Market: out.market, Journal: j})
	}

	envs := make([]*event.Envelope, 0, len(events))
	e.mu.Lock()
	for _, evt := range events {
		env, err := event.NewEnvelope(evt, ts)
		if err != nil {
			// payloads are plain structs; this only fails on a programming error
			e.logger.Error().Err(err).Str("type", evt.EventType().String()).Msg("drop event")
			continue
		}
		e.seq++
		env.Sequence = e.seq
		env.PrevHash = e.hasher.GetPrevHash()
		env.StateHash = e.hasher.ComputeHash(e.seq, append(append([]byte{}, digest...), env.Payload...))
		envs = append(envs, env)
	}
	seq := e.seq
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.EventSequence.Set(float64(seq))
		for _, j := range out.batch.Journals {
			e.metrics.JournalEntries.WithLabelValues(j.Type.String()).Inc()
		}
	}
	if e.emitter != nil {
		for _, env := range envs {
			e.emitter.Publish(env)
		}
	}
	if e.persist != nil && len(envs) > 0 {
		select {
		case e.persist <- Output{Envelopes: envs, Batch: out.batch}:
		case <-ctx.Done():
			e.logger.Error().Int64("sequence", seq).Msg("persist channel abandoned on cancel")
		}
	}
}

func (e *Engine) observe(op string, err error, d time.Duration) {
	class := Classify(err)
	if class == ClassFatal && !errors.Is(err, context.Canceled) {
		e.logger.Error().Err(err).Str("op", op).Msg("operation failed")
	} else if err != nil {
		e.logger.Debug().Err(err).Str("op", op).Str("class", class.String()).Msg("operation rejected")
	}
	if e.metrics == nil {
		return
	}
	e.metrics.Operations.WithLabelValues(op, class.String()).Inc()
	e.metrics.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
	if errors.Is(err, guard.ErrInvariantViolation) {
		e.metrics.InvariantFailures.Inc()
	}
	if oracle.IsOracleError(err) {
		e.metrics.OracleRejections.WithLabelValues(oracle.RejectionReason(err)).Inc()
	}
}
