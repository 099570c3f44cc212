// Package kafkasink publishes tracker events to a Kafka topic, keyed by
// document ID so one document's events stay ordered within a partition.
package kafkasink

import (
	"context"
	"encoding/json"
	"log/slog"

	"dtesync/internal/events"
)

// Publisher is the producer surface the sink needs.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte, headers map[string]string)
}

// Sink is an events.Observer that forwards envelopes to a Publisher.
type Sink struct {
	events.Forwarder
}

// Option configures a Sink.
type Option func(*options)

type options struct {
	published func(eventType string)
}

// WithPublishedHook calls fn after each envelope is handed to the publisher.
func WithPublishedHook(fn func(eventType string)) Option {
	return func(o *options) {
		o.published = fn
	}
}

// New builds a sink over pub.
func New(pub Publisher, logger *slog.Logger, opts ...Option) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Sink{Forwarder: events.Forwarder{
		Handle: func(ctx context.Context, env events.Envelope) {
			value, err := json.Marshal(env)
			if err != nil {
				logger.ErrorContext(ctx, "encode event envelope", "type", env.Type, "error", err)
				return
			}
			key := env.DocumentID.String()
			if key == "" {
				key = env.Type
			}
			pub.Publish(ctx, key, value, map[string]string{"event_type": env.Type})
			if o.published != nil {
				o.published(env.Type)
			}
		},
		OnErr: func(ctx context.Context, err error) {
			logger.ErrorContext(ctx, "encode event payload", "error", err)
		},
	}}
}
