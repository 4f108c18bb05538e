// Package rocketmq adapts the Apache RocketMQ client to broker.Broker.
//
// RocketMQ topics are flat, so canonical levels are joined with '|' and
// wildcard patterns are refused. Every subscription runs its own push
// consumer because a push consumer cannot take new subscriptions once
// started.
package rocketmq

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/google/uuid"

	"github.com/qvcloud/replier/broker"
	"github.com/qvcloud/replier/topic"
)

const (
	PropertyMessageID = "MESSAGE_ID"
	PropertyReplyTo   = "REPLY_TO"
)

type rmqProducer interface {
	Start() error
	Shutdown() error
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

type consumeFunc func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)

type rmqConsumer interface {
	Start() error
	Shutdown() error
	Subscribe(topic string, selector consumer.MessageSelector, f func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)) error
}

type rmqBroker struct {
	opts broker.Options

	producer rmqProducer

	sync.RWMutex
	consumers map[string]rmqConsumer
	running   bool

	newProducer func(opts ...producer.Option) (rmqProducer, error)
	newConsumer func(opts ...consumer.Option) (rmqConsumer, error)
}

func (r *rmqBroker) Options() broker.Options { return r.opts }

func (r *rmqBroker) Address() string {
	if len(r.opts.Addrs) > 0 {
		return r.opts.Addrs[0]
	}
	return ""
}

func (r *rmqBroker) Init(opts ...broker.Option) error {
	for _, o := range opts {
		o(&r.opts)
	}
	return nil
}

func (r *rmqBroker) credentials() (primitive.Credentials, bool) {
	if r.opts.Username == "" {
		return primitive.Credentials{}, false
	}
	return primitive.Credentials{
		AccessKey: r.opts.Username,
		SecretKey: r.opts.Password,
	}, true
}

func (r *rmqBroker) Connect() error {
	r.Lock()
	defer r.Unlock()

	if r.running {
		return nil
	}

	if len(r.opts.Addrs) == 0 {
		return fmt.Errorf("rocketmq: name server addresses are required")
	}

	retry := 2
	if v, ok := broker.GetTrackedValue(r.opts.Context, retryKey{}).(int); ok {
		retry = v
	}

	opts := []producer.Option{
		producer.WithNameServer(r.opts.Addrs),
		producer.WithRetry(retry),
	}
	if r.opts.Namespace != "" {
		opts = append(opts, producer.WithNamespace(r.opts.Namespace))
	}
	if r.opts.ClientID != "" {
		opts = append(opts, producer.WithInstanceName(r.opts.ClientID))
	}
	if cred, ok := r.credentials(); ok {
		opts = append(opts, producer.WithCredentials(cred))
	}

	p, err := r.newProducer(opts...)
	if err != nil {
		return fmt.Errorf("rocketmq: create producer: %w", err)
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("rocketmq: start producer: %w", err)
	}
	r.producer = p
	r.consumers = make(map[string]rmqConsumer)

	r.running = true
	broker.WarnUnconsumed(r.opts.Context, r.opts.Logger)
	return nil
}

func (r *rmqBroker) Disconnect() error {
	r.Lock()
	defer r.Unlock()

	if !r.running {
		return nil
	}

	if r.producer != nil {
		r.producer.Shutdown()
		r.producer = nil
	}

	for id, c := range r.consumers {
		c.Shutdown()
		delete(r.consumers, id)
	}

	r.running = false
	return nil
}

func (r *rmqBroker) Publish(ctx context.Context, t string, msg *broker.Message, opts ...broker.PublishOption) error {
	options := broker.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	r.RLock()
	p := r.producer
	r.RUnlock()

	if p == nil {
		return broker.ErrNotConnected
	}

	name, err := topic.RocketMQ.Topic(t)
	if err != nil {
		return err
	}

	rmqMsg := primitive.NewMessage(name, msg.Body)
	for k, v := range msg.Header {
		rmqMsg.WithProperty(k, v)
	}
	if msg.ID != "" {
		rmqMsg.WithProperty(PropertyMessageID, msg.ID)
		rmqMsg.WithKeys([]string{msg.ID})
	}
	if msg.ReplyTo != "" {
		rmqMsg.WithProperty(PropertyReplyTo, msg.ReplyTo)
	}

	if options.ShardingKey != "" {
		rmqMsg.WithShardingKey(options.ShardingKey)
	}

	res, err := p.SendSync(ctx, rmqMsg)
	if err != nil {
		return err
	}

	if res == nil {
		return fmt.Errorf("rocketmq: send %s: no result", name)
	}
	// SendResult.String dereferences MessageQueue, which failed sends may
	// leave nil.
	if res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq: send %s failed: status %d", name, res.Status)
	}

	return nil
}

func (r *rmqBroker) Subscribe(t string, handler broker.Handler, opts ...broker.SubscribeOption) (broker.Subscriber, error) {
	options := broker.NewSubscribeOptions(opts...)

	pattern, err := topic.Parse(t)
	if err != nil {
		return nil, err
	}
	name, _, err := topic.RocketMQ.Filter(pattern)
	if err != nil {
		return nil, err
	}

	r.RLock()
	running := r.running
	r.RUnlock()
	if !running {
		return nil, broker.ErrNotConnected
	}

	// A private group per subscription gives every subscriber every message.
	groupID := options.Queue
	if groupID == "" {
		groupID = "GID_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	copts := []consumer.Option{
		consumer.WithNameServer(r.opts.Addrs),
		consumer.WithGroupName(groupID),
	}
	if r.opts.Namespace != "" {
		copts = append(copts, consumer.WithNamespace(r.opts.Namespace))
	}
	if r.opts.ClientID != "" {
		copts = append(copts, consumer.WithInstance(r.opts.ClientID))
	}
	if cred, ok := r.credentials(); ok {
		copts = append(copts, consumer.WithCredentials(cred))
	}

	c, err := r.newConsumer(copts...)
	if err != nil {
		return nil, fmt.Errorf("rocketmq: create consumer: %w", err)
	}

	if err := c.Subscribe(name, consumer.MessageSelector{}, r.consume(t, handler)); err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("rocketmq: start consumer: %w", err)
	}

	id := uuid.NewString()
	r.Lock()
	r.consumers[id] = c
	r.Unlock()

	return &rmqSubscriber{
		topic: t,
		opts:  options,
		close: func() error {
			r.Lock()
			_, ok := r.consumers[id]
			delete(r.consumers, id)
			r.Unlock()
			if !ok {
				return nil
			}
			return c.Shutdown()
		},
	}, nil
}

func (r *rmqBroker) consume(t string, handler broker.Handler) consumeFunc {
	return func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, m := range msgs {
			header := make(map[string]string)
			for k, v := range m.GetProperties() {
				header[k] = v
			}
			msg := &broker.Message{
				ID:      header[PropertyMessageID],
				ReplyTo: header[PropertyReplyTo],
				Header:  header,
				Body:    m.Body,
			}
			delete(header, PropertyMessageID)
			delete(header, PropertyReplyTo)
			if msg.ID == "" {
				msg.ID = m.MsgId
			}

			event := &rmqEvent{topic: t, message: msg}
			if err := handler(ctx, event); err != nil {
				event.err = err
				if eh := r.opts.ErrorHandler; eh != nil {
					eh(ctx, event)
				}
				return consumer.ConsumeRetryLater, err
			}
			if event.retry {
				return consumer.ConsumeRetryLater, nil
			}
		}
		return consumer.ConsumeSuccess, nil
	}
}

func (r *rmqBroker) String() string {
	return "rocketmq"
}

type rmqSubscriber struct {
	topic string
	opts  broker.SubscribeOptions
	close func() error
}

func (s *rmqSubscriber) Options() broker.SubscribeOptions {
	return s.opts
}

func (s *rmqSubscriber) Topic() string {
	return s.topic
}

func (s *rmqSubscriber) Unsubscribe() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

type rmqEvent struct {
	topic   string
	message *broker.Message
	retry   bool
	err     error
}

func (e *rmqEvent) Topic() string {
	return e.topic
}

func (e *rmqEvent) Message() *broker.Message {
	return e.message
}

// Ack is implicit: the batch is acknowledged when the handler returns nil.
func (e *rmqEvent) Ack() error {
	return nil
}

// Nack with requeue asks for the batch to be redelivered later.
func (e *rmqEvent) Nack(requeue bool) error {
	e.retry = requeue
	return nil
}

func (e *rmqEvent) Error() error {
	return e.err
}

func NewBroker(opts ...broker.Option) broker.Broker {
	options := broker.NewOptions(opts...)

	return &rmqBroker{
		opts:      *options,
		consumers: make(map[string]rmqConsumer),
		newProducer: func(opts ...producer.Option) (rmqProducer, error) {
			return rocketmq.NewProducer(opts...)
		},
		newConsumer: func(opts ...consumer.Option) (rmqConsumer, error) {
			return rocketmq.NewPushConsumer(opts...)
		},
	}
}

type retryKey struct{}

// WithRetry sets how often a failed send is retried. The default is 2.
func WithRetry(n int) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, retryKey{}, n, "rocketmq.WithRetry")
	}
}
