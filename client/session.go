// Package client is the request/reply core: a Session owns one broker
// connection, the topic subscriptions made over it, a single consumer that
// feeds a MessageHandler and a publish worker that reports every outcome
// asynchronously.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/qvcloud/replier/broker"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateUnconnected State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session is a connection to a broker through a transport adapter.
type Session struct {
	cfg       Config
	opts      options
	transport broker.Broker
	log       *slog.Logger
	metrics   *metrics

	mu    sync.RWMutex
	state State

	subMu sync.Mutex
	subs  map[string]broker.Subscriber

	consumeMu sync.RWMutex
	consumer  *consumer
	// backlog holds deliveries that arrive before the first StartConsuming.
	backlog chan delivery

	outbound   chan outbound
	workerDone chan struct{}
	workerCtx  context.Context
	abort      context.CancelFunc

	closeOnce sync.Once
}

// New returns an unconnected session over transport.
func New(transport broker.Broker, cfg Config, opts ...Option) *Session {
	o := newOptions(opts...)
	return &Session{
		cfg:       cfg,
		opts:      o,
		transport: transport,
		log:       o.logger.With("component", "session", "transport", transport.String()),
		metrics:   newMetrics(o.meter),
		subs:      make(map[string]broker.Subscriber),
	}
}

// Connect creates a session and connects it.
func Connect(ctx context.Context, transport broker.Broker, cfg Config, opts ...Option) (*Session, error) {
	s := New(transport, cfg, opts...)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect validates the config, hands it to the transport and connects.
// Failures are returned as *ConnectionError.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnected:
		return ErrAlreadyConnected
	case StateClosed:
		return ErrSessionClosed
	}

	if err := s.cfg.Validate(); err != nil {
		return &ConnectionError{Host: s.cfg.Host, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Host: s.cfg.Host, Err: err}
	}

	err := s.transport.Init(
		broker.Addrs(s.cfg.hosts()...),
		broker.Auth(s.cfg.Username, s.cfg.Password),
		broker.Namespace(s.cfg.Namespace),
		broker.ClientID(s.cfg.ClientID),
		broker.WithLogger(s.opts.logger.With("component", "transport", "transport", s.transport.String())),
		broker.Tracer(s.opts.tracer),
		broker.Meter(s.opts.meter),
		broker.ErrorHandler(s.onTransportError),
	)
	if err != nil {
		return &ConnectionError{Host: s.cfg.Host, Err: err}
	}

	if err := s.connectTransport(ctx); err != nil {
		return &ConnectionError{Host: s.cfg.Host, Err: err}
	}

	s.outbound = make(chan outbound, s.opts.publishQueue)
	s.workerDone = make(chan struct{})
	s.workerCtx, s.abort = context.WithCancel(context.Background())
	go s.publishLoop(s.outbound, s.workerDone)

	s.consumeMu.Lock()
	s.backlog = make(chan delivery, s.opts.inboundQueue)
	s.consumeMu.Unlock()

	s.state = StateConnected
	s.log.Info("session connected",
		"host", s.cfg.Host,
		"namespace", s.cfg.Namespace,
		"username", s.cfg.Username,
	)
	return nil
}

// connectTransport runs the transport's blocking Connect but gives up when
// ctx ends. A connect that completes after that is undone.
func (s *Session) connectTransport(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.transport.Connect()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				_ = s.transport.Disconnect()
			}
		}()
		return ctx.Err()
	}
}

// State reports where the session is in its lifecycle.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ready returns nil only for a connected session.
func (s *Session) ready() error {
	switch s.State() {
	case StateUnconnected:
		return ErrNotConnected
	case StateClosed:
		return ErrSessionClosed
	}
	return nil
}

// Close stops consuming, removes every subscription, drains queued publishes
// until ctx ends and disconnects the transport. Only the first call does any
// work; later calls return nil.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.teardown(ctx)
	})
	return err
}

func (s *Session) teardown(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	s.state = StateClosed
	queue := s.outbound
	s.outbound = nil
	s.mu.Unlock()

	if prev != StateConnected {
		return nil
	}

	var errs []error

	if err := s.StopConsuming(); err != nil {
		errs = append(errs, err)
	}
	s.consumeMu.Lock()
	if n := len(s.backlog); n > 0 {
		s.metrics.dropped.Add(context.Background(), int64(n),
			metric.WithAttributes(attribute.String("transport", s.transport.String())))
		s.log.Debug("discarded messages held for the consumer", "count", n)
	}
	s.backlog = nil
	s.consumeMu.Unlock()

	s.subMu.Lock()
	for pattern, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("client: unsubscribe %q: %w", pattern, err))
		}
		delete(s.subs, pattern)
	}
	s.subMu.Unlock()

	close(queue)
	select {
	case <-s.workerDone:
	case <-ctx.Done():
		s.log.Warn("close deadline reached, abandoning queued publishes", "err", ctx.Err())
		s.abort()
		<-s.workerDone
	}
	s.abort()

	if err := s.transport.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("client: disconnect: %w", err))
	}

	s.log.Info("session closed")
	return errors.Join(errs...)
}

func (s *Session) onTransportError(ctx context.Context, e broker.Event) error {
	err := e.Error()
	if err == nil {
		return nil
	}
	s.reportError(fmt.Errorf("client: delivery on %s: %w", e.Topic(), err))
	return nil
}

func (s *Session) reportError(err error) {
	if s.opts.errors == nil {
		s.log.Error("delivery error", "err", err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("error handler panicked", "panic", r)
		}
	}()
	s.opts.errors.OnError(err)
}

type metrics struct {
	received metric.Int64Counter
	dropped  metric.Int64Counter
	acked    metric.Int64Counter
	failed   metric.Int64Counter
}

func newMetrics(m metric.Meter) *metrics {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			otel.Handle(err)
			return noop.Int64Counter{}
		}
		return c
	}
	return &metrics{
		received: counter("replier.messages.received", "Inbound messages handed to the consumer"),
		dropped:  counter("replier.messages.dropped", "Inbound messages dropped while not consuming"),
		acked:    counter("replier.publish.acked", "Publishes accepted by the broker"),
		failed:   counter("replier.publish.failed", "Publishes that failed"),
	}
}
