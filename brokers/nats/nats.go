// Package nats adapts a core NATS connection to broker.Broker.
package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/qvcloud/replier/broker"
	"github.com/qvcloud/replier/topic"
)

// MsgIDHeader carries broker.Message.ID.
const MsgIDHeader = "Nats-Msg-Id"

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

type natsBroker struct {
	opts broker.Options
	conn natsConn

	sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	newConn func(addr string, opts ...nats.Option) (natsConn, error)
}

func (n *natsBroker) Options() broker.Options { return n.opts }

func (n *natsBroker) Address() string {
	if len(n.opts.Addrs) > 0 {
		return n.opts.Addrs[0]
	}
	return ""
}

func (n *natsBroker) Init(opts ...broker.Option) error {
	for _, o := range opts {
		o(&n.opts)
	}
	return nil
}

func (n *natsBroker) Connect() error {
	n.Lock()
	defer n.Unlock()

	if n.running {
		return nil
	}

	if len(n.opts.Addrs) == 0 {
		return fmt.Errorf("nats: server addresses are required")
	}

	// nats.Connect takes every seed server in one comma separated URL.
	addr := strings.Join(n.opts.Addrs, ",")
	log := n.opts.Log().With("broker", "nats", "addr", addr)

	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected", "server", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Error("async subscription error", "subject", sub.Subject, "error", err)
				return
			}
			log.Error("async error", "error", err)
		}),
	}
	if n.opts.TLSConfig != nil {
		opts = append(opts, nats.Secure(n.opts.TLSConfig))
	}
	if n.opts.ClientID != "" {
		opts = append(opts, nats.Name(n.opts.ClientID))
	}
	if n.opts.Username != "" {
		opts = append(opts, nats.UserInfo(n.opts.Username, n.opts.Password))
	}
	if n.opts.Namespace != "" {
		log.Info("namespace has no NATS equivalent, ignored", "namespace", n.opts.Namespace)
	}

	if n.opts.Context != nil {
		if v, ok := broker.GetTrackedValue(n.opts.Context, maxReconnectKey{}).(int); ok {
			opts = append(opts, nats.MaxReconnects(v))
		}
		if v, ok := broker.GetTrackedValue(n.opts.Context, reconnectWaitKey{}).(time.Duration); ok {
			opts = append(opts, nats.ReconnectWait(v))
		}
	}

	conn, err := n.newConn(addr, opts...)
	if err != nil {
		log.Error("connect failed", "error", err)
		return fmt.Errorf("nats: connect %s: %w", addr, err)
	}
	n.conn = conn

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.running = true
	log.Debug("connected")

	broker.WarnUnconsumed(n.opts.Context, n.opts.Logger)

	return nil
}

func (n *natsBroker) Disconnect() error {
	n.Lock()
	defer n.Unlock()

	if !n.running {
		return nil
	}

	if n.cancel != nil {
		n.cancel()
	}

	if n.conn != nil {
		n.conn.Close()
	}

	n.running = false
	return nil
}

func (n *natsBroker) Publish(ctx context.Context, t string, msg *broker.Message, opts ...broker.PublishOption) error {
	options := broker.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	n.RLock()
	conn := n.conn
	n.RUnlock()

	if conn == nil {
		return broker.ErrNotConnected
	}

	subject, err := topic.NATS.Topic(t)
	if err != nil {
		return err
	}

	nm := &nats.Msg{
		Subject: subject,
		Header:  make(nats.Header),
		Data:    msg.Body,
	}

	replyTo := msg.ReplyTo
	if options.Context != nil {
		if v, ok := broker.GetTrackedValue(options.Context, replyToKey{}).(string); ok && replyTo == "" {
			replyTo = v
		}
	}
	if replyTo != "" {
		if nm.Reply, err = topic.NATS.Topic(replyTo); err != nil {
			return fmt.Errorf("nats: reply-to: %w", err)
		}
	}

	for k, v := range msg.Header {
		nm.Header.Set(k, v)
	}
	if msg.ID != "" {
		nm.Header.Set(MsgIDHeader, msg.ID)
	}

	err = conn.PublishMsg(nm)
	if err == nil {
		broker.WarnUnconsumed(options.Context, n.opts.Logger)
	}
	return err
}

func (n *natsBroker) Subscribe(t string, handler broker.Handler, opts ...broker.SubscribeOption) (broker.Subscriber, error) {
	options := broker.NewSubscribeOptions(opts...)

	pattern, err := topic.Parse(t)
	if err != nil {
		return nil, err
	}
	subject, exact, err := topic.NATS.Filter(pattern)
	if err != nil {
		return nil, err
	}

	n.Lock()
	conn := n.conn
	brokerCtx := n.ctx
	n.Unlock()

	if conn == nil {
		return nil, broker.ErrNotConnected
	}

	if brokerCtx == nil {
		brokerCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(brokerCtx)

	var sub *nats.Subscription

	h := func(nm *nats.Msg) {
		name := topic.NATS.Canonical(nm.Subject)
		if !exact && !pattern.Match(name) {
			return
		}

		header := make(map[string]string)
		for k, v := range nm.Header {
			if len(v) > 0 {
				header[k] = v[0]
			}
		}
		id := header[MsgIDHeader]
		delete(header, MsgIDHeader)

		msg := &broker.Message{
			ID:     id,
			Header: header,
			Body:   nm.Data,
		}
		if nm.Reply != "" {
			msg.ReplyTo = topic.NATS.Canonical(nm.Reply)
		}

		event := &natsEvent{
			topic:   name,
			message: msg,
			nm:      nm,
		}

		if err := handler(ctx, event); err != nil {
			event.err = err
			if eh := n.opts.ErrorHandler; eh != nil {
				eh(ctx, event)
			}
			return
		}
		if options.AutoAck {
			event.Ack()
		}
	}

	if options.Queue != "" {
		sub, err = conn.QueueSubscribe(subject, options.Queue, h)
	} else {
		sub, err = conn.Subscribe(subject, h)
	}

	if err != nil {
		cancel()
		return nil, err
	}

	return &natsSubscriber{
		topic:  t,
		opts:   options,
		sub:    sub,
		cancel: cancel,
	}, nil
}

func (n *natsBroker) String() string {
	return "nats"
}

type natsSubscriber struct {
	topic  string
	opts   broker.SubscribeOptions
	sub    *nats.Subscription
	cancel context.CancelFunc
}

func (s *natsSubscriber) Options() broker.SubscribeOptions { return s.opts }
func (s *natsSubscriber) Topic() string                    { return s.topic }
func (s *natsSubscriber) Unsubscribe() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		return s.sub.Unsubscribe()
	}
	return nil
}

type natsEvent struct {
	topic   string
	message *broker.Message
	nm      *nats.Msg
	err     error
}

func (e *natsEvent) Topic() string            { return e.topic }
func (e *natsEvent) Message() *broker.Message { return e.message }
func (e *natsEvent) Ack() error               { return e.nm.Ack() }
func (e *natsEvent) Nack(requeue bool) error {
	if !requeue {
		return e.nm.Term()
	}
	return e.nm.Nak()
}
func (e *natsEvent) Error() error { return e.err }

func NewBroker(opts ...broker.Option) broker.Broker {
	options := broker.NewOptions(opts...)
	return &natsBroker{
		opts: *options,
		newConn: func(addr string, opts ...nats.Option) (natsConn, error) {
			return nats.Connect(addr, opts...)
		},
	}
}

type maxReconnectKey struct{}
type reconnectWaitKey struct{}

func WithMaxReconnect(max int) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, maxReconnectKey{}, max, "nats.WithMaxReconnect")
	}
}

func WithReconnectWait(wait time.Duration) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, reconnectWaitKey{}, wait, "nats.WithReconnectWait")
	}
}

type replyToKey struct{}

// WithReplyTo sets a reply subject for messages that do not carry one.
func WithReplyTo(reply string) broker.PublishOption {
	return func(o *broker.PublishOptions) {
		o.Context = broker.WithTrackedValue(o.Context, replyToKey{}, reply, "nats.WithReplyTo")
	}
}
