package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/qvcloud/replier/broker"
	"github.com/qvcloud/replier/topic"
)

type delivery struct {
	span trace.SpanContext
	msg  InboundMessage
}

type consumer struct {
	handler MessageHandler
	queue   chan delivery
	stop    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// StartConsuming starts handing inbound messages to h. A single goroutine
// calls h, in the order the transport delivered the messages. The first call
// also hands over what arrived since Connect, up to the inbound queue size.
func (s *Session) StartConsuming(h MessageHandler) error {
	if h == nil {
		return errors.New("client: nil message handler")
	}
	if err := s.ready(); err != nil {
		return err
	}

	s.consumeMu.Lock()
	defer s.consumeMu.Unlock()

	if s.consumer != nil {
		return ErrAlreadyConsuming
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		handler: h,
		queue:   make(chan delivery, s.opts.inboundQueue),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.consumer = c
	if held := len(s.backlog); held > 0 {
		for ; held > 0; held-- {
			c.queue <- <-s.backlog
		}
		s.metrics.received.Add(context.Background(), int64(len(c.queue)),
			metric.WithAttributes(attribute.String("transport", s.transport.String())))
	}
	s.backlog = nil
	go s.consume(c)

	s.log.Debug("consuming started")
	return nil
}

// StopConsuming stops delivery and waits for a running OnMessage to return.
// Messages still queued are discarded. It must not be called from OnMessage.
func (s *Session) StopConsuming() error {
	s.consumeMu.Lock()
	c := s.consumer
	s.consumer = nil
	s.consumeMu.Unlock()

	if c == nil {
		return nil
	}

	close(c.stop)
	c.cancel()
	<-c.done

	if n := len(c.queue); n > 0 {
		s.metrics.dropped.Add(context.Background(), int64(n))
		s.log.Debug("discarded queued messages", "count", n)
	}
	s.log.Debug("consuming stopped")
	return nil
}

func (s *Session) consume(c *consumer) {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		case d := <-c.queue:
			select {
			case <-c.stop:
				s.metrics.dropped.Add(context.Background(), 1)
				return
			default:
			}
			s.dispatch(c, d)
		}
	}
}

func (s *Session) dispatch(c *consumer, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("message handler panicked",
				"destination", d.msg.Destination,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	ctx := c.ctx
	if d.span.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, d.span)
	}
	c.handler.OnMessage(ctx, d.msg)
}

// deliver is the broker handler installed on every subscription. It blocks
// the transport callback until the consumer has room, which keeps the
// transport's ordering.
func (s *Session) deliver(ctx context.Context, e broker.Event) error {
	m := e.Message()
	if m == nil {
		s.reportError(fmt.Errorf("client: undecodable message on %s", e.Topic()))
		return nil
	}

	d := delivery{
		span: trace.SpanContextFromContext(ctx),
		msg: InboundMessage{
			ID:               m.ID,
			Destination:      e.Topic(),
			Payload:          m.Body,
			Header:           m.Header,
			ReplyDestination: m.ReplyTo,
		},
	}
	attrs := metric.WithAttributes(attribute.String("transport", s.transport.String()))

	s.consumeMu.RLock()
	c := s.consumer
	held := false
	if c == nil && s.backlog != nil {
		select {
		case s.backlog <- d:
			held = true
		default:
		}
	}
	s.consumeMu.RUnlock()

	if held {
		s.log.Debug("held until consuming starts", "destination", d.msg.Destination, "id", d.msg.ID)
		return nil
	}
	if c == nil {
		s.metrics.dropped.Add(ctx, 1, attrs)
		s.log.Debug("not consuming, message dropped", "destination", d.msg.Destination, "id", d.msg.ID)
		return nil
	}

	select {
	case c.queue <- d:
		s.metrics.received.Add(ctx, 1, attrs)
	case <-c.stop:
		s.metrics.dropped.Add(ctx, 1, attrs)
	case <-ctx.Done():
		s.metrics.dropped.Add(context.Background(), 1, attrs)
		s.log.Warn("message dropped", "destination", d.msg.Destination, "err", ctx.Err())
	}
	return nil
}

type outbound struct {
	span trace.SpanContext
	msg  OutboundMessage
}

// Publish queues msg and returns its ID without waiting for the broker.
// Only session state and an unusable destination are reported here; every
// other failure, a full queue included, arrives through OnOutcome.
func (s *Session) Publish(ctx context.Context, msg OutboundMessage) (string, error) {
	if msg.Destination == "" {
		return "", ErrInvalidDestination
	}
	if err := topic.ValidateTopic(msg.Destination); err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidDestination, msg.Destination, err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Header = maps.Clone(msg.Header)

	job := outbound{span: trace.SpanContextFromContext(ctx), msg: msg}

	s.mu.RLock()
	switch s.state {
	case StateUnconnected:
		s.mu.RUnlock()
		return "", ErrNotConnected
	case StateClosed:
		s.mu.RUnlock()
		return "", ErrSessionClosed
	}
	var full bool
	select {
	case s.outbound <- job:
	default:
		full = true
	}
	s.mu.RUnlock()

	if full {
		s.finish(ctx, msg, ErrPublishQueueFull)
	}
	return msg.ID, nil
}

// SendReply publishes reply to the reply destination of original and marks
// it with the original's ID.
func (s *Session) SendReply(ctx context.Context, original InboundMessage, reply OutboundMessage) (string, error) {
	if !original.HasReplyDestination() {
		return "", ErrNoReplyDestination
	}
	reply.Destination = original.ReplyDestination
	if original.ID != "" {
		reply.Header = maps.Clone(reply.Header)
		if reply.Header == nil {
			reply.Header = make(map[string]string, 1)
		}
		reply.Header[CorrelationIDHeader] = original.ID
	}
	return s.Publish(ctx, reply)
}

func (s *Session) publishLoop(queue <-chan outbound, done chan<- struct{}) {
	defer close(done)
	for job := range queue {
		s.publish(job)
	}
}

func (s *Session) publish(job outbound) {
	ctx := s.workerCtx
	if err := ctx.Err(); err != nil {
		s.finish(ctx, job.msg, ErrSessionClosed)
		return
	}
	if job.span.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, job.span)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.publishTimeout)
	defer cancel()

	ctx, span := s.opts.tracer.Start(ctx, "broker.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", s.transport.String()),
			attribute.String("messaging.destination", job.msg.Destination),
			attribute.String("messaging.message.id", job.msg.ID),
			attribute.String("messaging.operation", "publish"),
		),
	)
	defer span.End()

	err := s.transport.Publish(ctx, job.msg.Destination, &broker.Message{
		ID:      job.msg.ID,
		Header:  job.msg.Header,
		Body:    job.msg.Payload,
		ReplyTo: job.msg.ReplyDestination,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.finish(ctx, job.msg, err)
}

// finish records and reports the outcome of one publish.
func (s *Session) finish(ctx context.Context, msg OutboundMessage, err error) {
	now := time.Now()
	out := PublishOutcome{
		MessageID:   msg.ID,
		Destination: msg.Destination,
		Timestamp:   now,
	}
	attrs := metric.WithAttributes(attribute.String("transport", s.transport.String()))
	if err != nil {
		out.Err = &PublishError{MessageID: msg.ID, Cause: err, Timestamp: now}
		s.metrics.failed.Add(context.WithoutCancel(ctx), 1, attrs)
	} else {
		s.metrics.acked.Add(ctx, 1, attrs)
	}

	if s.opts.outcome == nil {
		if err != nil {
			s.log.Warn("publish failed", "id", msg.ID, "destination", msg.Destination, "err", err)
		} else {
			s.log.Debug("publish acknowledged", "id", msg.ID, "destination", msg.Destination)
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("outcome handler panicked", "id", msg.ID, "panic", r)
		}
	}()
	s.opts.outcome.OnOutcome(out)
}
