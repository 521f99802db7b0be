package ingestion

import (
	"context"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrDispatcherStopped is returned by Submit after Run has exited.
var ErrDispatcherStopped = errors.New("ingestion: dispatcher stopped")

// Result is the outcome of one command.
type Result struct {
	CommandID string      `json:"command_id"`
	Command   string      `json:"command"`
	OK        bool        `json:"ok"`
	Duplicate bool        `json:"duplicate,omitempty"`
	Class     string      `json:"class"`
	Error     string      `json:"error,omitempty"`
	Value     interface{} `json:"value,omitempty"`
}

type request struct {
	ctx     context.Context
	cmd     Command
	subject string
	reply   chan Result
}

// Dispatcher feeds commands to the engine from a single goroutine, so
// NATS and gRPC submitters observe one total order of operations.
type Dispatcher struct {
	eng     Executor
	dedup   *Deduplicator
	in      chan request
	done    chan struct{}
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(eng Executor, dedup *Deduplicator, buffer int, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		eng:     eng,
		dedup:   dedup,
		in:      make(chan request, buffer),
		done:    make(chan struct{}),
		metrics: metrics,
		logger:  observability.NewLogger("dispatcher"),
	}
}

// Submit queues cmd and waits for its result. subject is recorded in the
// command log; gRPC callers pass the synthetic subject for the command.
func (d *Dispatcher) Submit(ctx context.Context, subject string, cmd Command) (Result, error) {
	req := request{ctx: ctx, cmd: cmd, subject: subject, reply: make(chan Result, 1)}
	select {
	case d.in <- req:
	case <-d.done:
		return Result{}, ErrDispatcherStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run processes commands until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-d.in:
			req.reply <- d.handle(req)
		}
	}
}

func (d *Dispatcher) handle(req request) Result {
	start := time.Now()
	cmd := req.cmd
	res := Result{CommandID: cmd.ID(), Command: cmd.Name()}

	if d.dedup != nil && d.dedup.Seen(req.ctx, cmd.ID()) {
		res.OK = true
		res.Duplicate = true
		res.Class = core.ClassNone.String()
		d.observe(cmd.Name(), "duplicate", start)
		return res
	}

	value, err := cmd.Apply(req.ctx, d.eng)
	class := core.Classify(err)
	res.Class = class.String()
	res.OK = err == nil
	res.Value = value
	if err != nil {
		res.Error = err.Error()
	}

	logEvt := d.logger.Debug()
	if class == core.ClassFatal {
		logEvt = d.logger.Error()
	}
	logEvt.Err(err).
		Str("command", cmd.Name()).
		Str("command_id", cmd.ID()).
		Str("class", res.Class).
		Msg("command applied")

	// Oracle failures leave state untouched; a redelivery with fresh prices
	// must not be swallowed as a duplicate.
	if d.dedup != nil && class != core.ClassOracle && class != core.ClassFatal {
		outcome := "ok"
		if err != nil {
			outcome = "rejected"
		}
		d.dedup.MarkProcessed(req.ctx, cmd.ID(), req.subject, outcome, err)
	}
	d.observe(cmd.Name(), res.Class, start)
	return res
}

func (d *Dispatcher) observe(command, result string, start time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.CommandsReceived.WithLabelValues(command, result).Inc()
	d.metrics.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}
