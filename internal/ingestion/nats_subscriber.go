package ingestion

import (
	"context"
	"encoding/json"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	CommandStream   = "PERP_SETTLE_CMD"
	CommandConsumer = "perp-settle-cmd"

	// ResultPrefix is where command results are announced on core NATS.
	ResultPrefix = "perp.settle.results."
)

// CommandSubscriber consumes executor commands from JetStream and hands
// them to the dispatcher. Messages are acked once the engine has decided;
// oracle failures are nak'd so a redelivery can carry fresher prices.
type CommandSubscriber struct {
	js         jetstream.JetStream
	nc         *nats.Conn
	dispatcher *Dispatcher
	consumer   jetstream.ConsumeContext
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewCommandSubscriber(js jetstream.JetStream, nc *nats.Conn, d *Dispatcher, metrics *observability.Metrics) *CommandSubscriber {
	return &CommandSubscriber{
		js:         js,
		nc:         nc,
		dispatcher: d,
		metrics:    metrics,
		logger:     observability.NewLogger("nats-commands"),
	}
}

// Subscribe creates the durable consumer and starts consuming.
// Explicit ack, max_deliver=5, ack_wait=30s.
func (cs *CommandSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := cs.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       CommandConsumer,
		FilterSubject: SubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return errors.Wrapf(err, "create consumer %s", CommandConsumer)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		cs.handle(ctx, msg)
	})
	if err != nil {
		return errors.Wrapf(err, "consume %s", CommandConsumer)
	}
	cs.consumer = cc
	cs.logger.Info().Str("subject", SubjectPrefix+">").Str("consumer", CommandConsumer).Msg("subscribed")
	return nil
}

func (cs *CommandSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	name := CommandFromSubject(msg.Subject())
	cmd, err := ParseCommand(name, msg.Data())
	if err != nil {
		cs.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("command rejected")
		if cs.metrics != nil {
			cs.metrics.CommandsReceived.WithLabelValues(name, "malformed").Inc()
		}
		// Redelivery cannot fix a bad payload.
		msg.Term()
		return
	}

	res, err := cs.dispatcher.Submit(ctx, msg.Subject(), cmd)
	if err != nil {
		msg.Nak()
		return
	}
	cs.announce(res)

	if res.Class == core.ClassOracle.String() || res.Class == core.ClassFatal.String() {
		msg.NakWithDelay(time.Second)
		return
	}
	msg.Ack()
}

func (cs *CommandSubscriber) announce(res Result) {
	if cs.nc == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := cs.nc.Publish(ResultPrefix+res.Command, data); err != nil {
		cs.logger.Warn().Err(err).Str("command_id", res.CommandID).Msg("result publish failed")
	}
}

// Stop stops consuming. In-flight handlers finish on their own.
func (cs *CommandSubscriber) Stop() {
	if cs.consumer != nil {
		cs.consumer.Stop()
	}
	cs.logger.Info().Msg("command subscriber stopped")
}

// EnsureStreams creates the command and event streams.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{SubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventStream,
			Subjects:  []string{EventPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	logger := observability.NewLogger("nats")
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return errors.Wrapf(err, "create stream %s", cfg.Name)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("perp-settle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "nats connect")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "jetstream")
	}
	return nc, js, nil
}
