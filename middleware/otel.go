// Package middleware wraps broker handlers with tracing and metrics.
package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/qvcloud/replier/broker"
)

const instrumentation = "github.com/qvcloud/replier"

// OtelHandler wraps h so that every delivery runs inside a consumer span
// and is counted in replier.handler.calls, labelled by outcome.
func OtelHandler(h broker.Handler, opts ...Option) broker.Handler {
	options := options{
		tracer: otel.Tracer(instrumentation),
		meter:  otel.Meter(instrumentation),
		system: "replier",
	}
	for _, o := range opts {
		o(&options)
	}

	calls, err := options.meter.Int64Counter("replier.handler.calls",
		metric.WithDescription("Deliveries passed to a subscription handler"))
	if err != nil {
		otel.Handle(err)
	}

	return func(ctx context.Context, event broker.Event) error {
		attrs := []attribute.KeyValue{
			attribute.String("messaging.system", options.system),
			attribute.String("messaging.destination", event.Topic()),
			attribute.String("messaging.operation", "process"),
		}
		if m := event.Message(); m != nil {
			if m.ID != "" {
				attrs = append(attrs, attribute.String("messaging.message.id", m.ID))
			}
			if m.ReplyTo != "" {
				attrs = append(attrs, attribute.String("messaging.reply_to", m.ReplyTo))
			}
		}

		ctx, span := options.tracer.Start(ctx, "broker.handle",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		outcome := "ok"
		err := h(ctx, event)
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if calls != nil {
			calls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("messaging.system", options.system),
				attribute.String("outcome", outcome),
			))
		}
		return err
	}
}

type options struct {
	tracer trace.Tracer
	meter  metric.Meter
	system string
}

type Option func(*options)

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithSystem sets the messaging.system attribute, usually the transport name.
func WithSystem(name string) Option {
	return func(o *options) {
		o.system = name
	}
}
