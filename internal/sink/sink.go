// Package sink holds the delivery collaborators. The engine resolves a
// channel and content; sinks do the actual sending. Transports are external
// to the decision core — no retries, no rate limiting here.
package sink

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Delivery is a resolved notification handed to a sink.
type Delivery struct {
	NotificationID string
	UserID         string
	Type           string
	Channel        string
	ContentRef     string
	Variant        string
}

// Sink sends one resolved notification on one channel.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Registry routes deliveries to per-channel sinks, with a fallback for
// channels that have no dedicated sink registered.
type Registry struct {
	sinks    map[string]Sink
	fallback Sink
}

// NewRegistry creates a registry with the given fallback sink.
func NewRegistry(fallback Sink) *Registry {
	return &Registry{
		sinks:    make(map[string]Sink),
		fallback: fallback,
	}
}

// Register binds a sink to a channel name.
func (r *Registry) Register(channel string, s Sink) {
	r.sinks[channel] = s
}

// Deliver routes to the channel's sink, or the fallback.
func (r *Registry) Deliver(ctx context.Context, d Delivery) error {
	if s, ok := r.sinks[d.Channel]; ok {
		return s.Deliver(ctx, d)
	}
	if r.fallback == nil {
		return fmt.Errorf("no sink for channel %q", d.Channel)
	}
	return r.fallback.Deliver(ctx, d)
}

// LogSink writes deliveries to the log. The default sink for development
// and for channels without a real transport wired up.
type LogSink struct {
	Log *logrus.Logger
}

func (s *LogSink) Deliver(ctx context.Context, d Delivery) error {
	s.Log.WithFields(logrus.Fields{
		"notification": d.NotificationID,
		"user":         d.UserID,
		"type":         d.Type,
		"channel":      d.Channel,
		"content":      d.ContentRef,
		"variant":      d.Variant,
	}).Info("notification delivered")
	return nil
}
