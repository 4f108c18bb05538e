package client

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/qvcloud/replier/broker"
)

const (
	DefaultInboundQueueSize = 256
	DefaultPublishQueueSize = 256
	DefaultPublishTimeout   = 5 * time.Second
)

// Config holds what a session needs to reach the broker.
type Config struct {
	// Host is the broker endpoint. Several endpoints may be given separated by commas.
	Host string
	// Namespace selects the broker-side topic space (virtual host, message VPN).
	Namespace string
	Username  string
	Password  string
	// ClientID names the connection. Empty lets the transport pick one.
	ClientID string
	// TolerateDuplicateSubscriptions turns a repeated Subscribe of the same
	// pattern into a no-op.
	TolerateDuplicateSubscriptions bool
}

// Validate checks the config for obvious mistakes. The returned error wraps
// ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, errors.New("host is required"))
	}
	for _, h := range c.hosts() {
		if h == "" {
			errs = append(errs, fmt.Errorf("empty endpoint in host %q", c.Host))
			break
		}
	}
	if c.Password != "" && c.Username == "" {
		errs = append(errs, errors.New("password given without username"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) hosts() []string {
	if strings.TrimSpace(c.Host) == "" {
		return nil
	}
	parts := strings.Split(c.Host, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

type options struct {
	logger         *slog.Logger
	tracer         trace.Tracer
	meter          metric.Meter
	inboundQueue   int
	publishQueue   int
	publishTimeout time.Duration
	outcome        OutcomeHandler
	errors         ErrorHandler
	subscribe      []broker.SubscribeOption
}

func newOptions(opts ...Option) options {
	o := options{
		inboundQueue:   DefaultInboundQueueSize,
		publishQueue:   DefaultPublishQueueSize,
		publishTimeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/qvcloud/replier/client")
	}
	if o.meter == nil {
		o.meter = otel.Meter("github.com/qvcloud/replier/client")
	}
	return o
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

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

// WithInboundQueueSize bounds the messages waiting for the consumer.
// Values below 1 keep the default.
func WithInboundQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.inboundQueue = n
		}
	}
}

// WithPublishQueueSize bounds the messages waiting for the publish worker.
// Values below 1 keep the default.
func WithPublishQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.publishQueue = n
		}
	}
}

// WithPublishTimeout limits a single transport publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.publishTimeout = d
		}
	}
}

// WithOutcomeHandler registers the receiver of publish outcomes. Without one
// outcomes are only logged.
func WithOutcomeHandler(h OutcomeHandler) Option {
	return func(o *options) {
		o.outcome = h
	}
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) {
		o.errors = h
	}
}

// WithSubscribeOptions passes transport options to every Subscribe.
func WithSubscribeOptions(opts ...broker.SubscribeOption) Option {
	return func(o *options) {
		o.subscribe = append(o.subscribe, opts...)
	}
}
