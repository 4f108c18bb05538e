// Package analytics observes traffic without publishing anything.
package analytics

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/qvcloud/replier/client"
)

// Listener logs every message it is given and counts them per destination.
type Listener struct {
	log      *slog.Logger
	messages metric.Int64Counter
	bytes    metric.Int64Counter

	mu     sync.Mutex
	counts map[string]int64
}

func New(log *slog.Logger, meter metric.Meter) *Listener {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if meter == nil {
		meter = otel.Meter("github.com/qvcloud/replier/analytics")
	}

	messages, err := meter.Int64Counter("replier.analytics.messages",
		metric.WithDescription("Messages observed by the analytics listener"))
	if err != nil {
		otel.Handle(err)
		messages = noop.Int64Counter{}
	}
	size, err := meter.Int64Counter("replier.analytics.bytes",
		metric.WithDescription("Payload bytes observed by the analytics listener"),
		metric.WithUnit("By"))
	if err != nil {
		otel.Handle(err)
		size = noop.Int64Counter{}
	}

	return &Listener{
		log:      log.With("component", "analytics"),
		messages: messages,
		bytes:    size,
		counts:   make(map[string]int64),
	}
}

func (l *Listener) OnMessage(ctx context.Context, msg client.InboundMessage) {
	l.mu.Lock()
	l.counts[msg.Destination]++
	l.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("destination", msg.Destination))
	l.messages.Add(ctx, 1, attrs)
	l.bytes.Add(ctx, int64(len(msg.Payload)), attrs)

	l.log.Info("observed message",
		"destination", msg.Destination,
		"id", msg.ID,
		"size", len(msg.Payload),
		"reply_to", msg.ReplyDestination,
	)
}

// Snapshot returns the number of messages seen per destination.
func (l *Listener) Snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.counts)
}
