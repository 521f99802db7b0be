package ingestion

import (
	"context"
	"encoding/json"

	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	EventStream = "PERP_SETTLE_EVENTS"
	EventPrefix = "perp.settle.events."
)

// Publisher is the JetStream surface EventPublisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EventPublisher forwards envelopes from an emitter sink to NATS.
// Subjects follow perp.settle.events.{event_type}.{market_id|global}.
type EventPublisher struct {
	js      Publisher
	input   <-chan *event.Envelope
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEventPublisher(js Publisher, input <-chan *event.Envelope, metrics *observability.Metrics) *EventPublisher {
	return &EventPublisher{
		js:      js,
		input:   input,
		metrics: metrics,
		logger:  observability.NewLogger("nats-events"),
	}
}

// Run publishes until ctx is cancelled or the sink is closed.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				// Non-fatal: consumers can catch up from the event log.
				p.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("event publish failed")
				if p.metrics != nil {
					p.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// EventSubject returns the NATS subject for env.
func EventSubject(env *event.Envelope) string {
	return EventPrefix + env.Subject()
}

func (p *EventPublisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	// The event id doubles as the JetStream dedup id.
	_, err = p.js.Publish(ctx, EventSubject(env), data, jetstream.WithMsgID(env.EventID.String()))
	return err
}
