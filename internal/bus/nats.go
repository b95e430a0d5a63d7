package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"go.uber.org/zap"
)

// JetStream publishes events to a NATS JetStream stream under
// <prefix>.<component>.<type>.<run>.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	prefix string
	logger *zap.Logger
}

// ConnectJetStream connects to url and ensures the event stream exists.
func ConnectJetStream(ctx context.Context, url, prefix string, logger *zap.Logger) (*JetStream, error) {
	if prefix == "" {
		prefix = "swarm"
	}
	nc, err := nats.Connect(url, nats.Name("nuka-swarm"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	stream := strings.ToUpper(prefix) + "_EVENTS"
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{prefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}
	logger.Info("nats connected", zap.String("url", url), zap.String("stream", stream))
	return &JetStream{nc: nc, js: js, stream: stream, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject ev is published on.
func Subject(prefix string, ev event.Event) string {
	run := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(ev.RunID)
	if run == "" {
		run = "none"
	}
	return fmt.Sprintf("%s.%s.%s.%s", prefix, ev.Component, ev.Type, run)
}

// Publish sends ev to JetStream.
func (j *JetStream) Publish(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(j.prefix, ev)
	if _, err := j.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe calls handler for events matching filter, a subject pattern
// such as "swarm.planner.>". The returned func stops the subscription.
func (j *JetStream) Subscribe(ctx context.Context, filter string, handler func(event.Event) error) (func(), error) {
	consumer, err := j.js.CreateOrUpdateConsumer(ctx, j.stream, jetstream.ConsumerConfig{
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}
	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev event.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			j.logger.Warn("undecodable event", zap.String("subject", msg.Subject()), zap.Error(err))
			_ = msg.Term()
			return
		}
		if err := handler(ev); err != nil {
			j.logger.Error("event handler failed", zap.String("subject", msg.Subject()), zap.Error(err))
			if nakErr := msg.Nak(); nakErr != nil {
				j.logger.Error("nats nak failed", zap.Error(nakErr))
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			j.logger.Error("nats ack failed", zap.Error(ackErr))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

// Close shuts down the NATS connection.
func (j *JetStream) Close() error {
	j.nc.Close()
	return nil
}

// NewNATSSink publishes events to j in the background.
func NewNATSSink(j *JetStream, buffer int, logger *zap.Logger) *Async {
	return NewAsync("nats", j.Publish, buffer, logger)
}
