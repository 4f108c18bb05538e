// Package kafka adapts segmentio/kafka-go to broker.Broker.
//
// Kafka has no subject wildcards, so only literal patterns can be
// subscribed. Headers carry the message id and reply-to; a non-empty
// namespace is prepended to every topic name.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/qvcloud/replier/broker"
	"github.com/qvcloud/replier/topic"
)

const (
	HeaderMessageID = "message_id"
	HeaderReplyTo   = "reply_to"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaBroker struct {
	opts broker.Options

	writer kafkaWriter

	sync.RWMutex
	readers map[string]kafkaReader
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	newWriter func(w *kafka.Writer) kafkaWriter
	newReader func(cfg kafka.ReaderConfig) kafkaReader
}

func (k *kafkaBroker) Options() broker.Options { return k.opts }

func (k *kafkaBroker) Address() string {
	if len(k.opts.Addrs) > 0 {
		return k.opts.Addrs[0]
	}
	return ""
}

func (k *kafkaBroker) Init(opts ...broker.Option) error {
	for _, o := range opts {
		o(&k.opts)
	}
	return nil
}

func (k *kafkaBroker) mechanism() sasl.Mechanism {
	if k.opts.Username == "" {
		return nil
	}
	return plain.Mechanism{Username: k.opts.Username, Password: k.opts.Password}
}

func (k *kafkaBroker) Connect() error {
	k.Lock()
	defer k.Unlock()

	if k.running {
		return nil
	}

	if len(k.opts.Addrs) == 0 {
		return fmt.Errorf("kafka: server addresses are required")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(k.opts.Addrs...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		Transport: &kafka.Transport{
			ClientID: k.opts.ClientID,
			TLS:      k.opts.TLSConfig,
			SASL:     k.mechanism(),
		},
	}
	if v, ok := broker.GetTrackedValue(k.opts.Context, balancerKey{}).(kafka.Balancer); ok {
		w.Balancer = v
	}
	if v, ok := broker.GetTrackedValue(k.opts.Context, batchSizeKey{}).(int); ok {
		w.BatchSize = v
	}
	if v, ok := broker.GetTrackedValue(k.opts.Context, acksKey{}).(int); ok {
		w.RequiredAcks = kafka.RequiredAcks(v)
	}

	k.writer = k.newWriter(w)
	k.ctx, k.cancel = context.WithCancel(context.Background())
	k.running = true

	// Reader options are read per subscription, so they are reported there.
	if k.opts.Context != nil {
		broker.GetTrackedValue(k.opts.Context, minBytesKey{})
		broker.GetTrackedValue(k.opts.Context, maxBytesKey{})
		broker.GetTrackedValue(k.opts.Context, offsetKey{})
	}
	broker.WarnUnconsumed(k.opts.Context, k.opts.Logger)

	return nil
}

func (k *kafkaBroker) Disconnect() error {
	k.Lock()
	defer k.Unlock()

	if !k.running {
		return nil
	}

	if k.cancel != nil {
		k.cancel()
	}

	if k.writer != nil {
		k.writer.Close()
		k.writer = nil
	}

	for _, r := range k.readers {
		r.Close()
	}
	k.readers = make(map[string]kafkaReader)

	k.running = false
	return nil
}

// wire maps a canonical topic to its Kafka name.
func (k *kafkaBroker) wire(t string) (string, error) {
	name, err := topic.Kafka.Topic(t)
	if err != nil {
		return "", err
	}
	if ns := k.opts.Namespace; ns != "" {
		name = ns + topic.Kafka.Separator + name
	}
	return name, nil
}

func (k *kafkaBroker) canonical(name string) string {
	if ns := k.opts.Namespace; ns != "" {
		name = strings.TrimPrefix(name, ns+topic.Kafka.Separator)
	}
	return topic.Kafka.Canonical(name)
}

func (k *kafkaBroker) Publish(ctx context.Context, t string, msg *broker.Message, opts ...broker.PublishOption) error {
	options := broker.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	k.RLock()
	w := k.writer
	k.RUnlock()

	if w == nil {
		return broker.ErrNotConnected
	}

	name, err := k.wire(t)
	if err != nil {
		return err
	}

	headers := make([]kafka.Header, 0, len(msg.Header)+2)
	for key, val := range msg.Header {
		headers = append(headers, kafka.Header{
			Key:   key,
			Value: []byte(val),
		})
	}
	if msg.ID != "" {
		headers = append(headers, kafka.Header{Key: HeaderMessageID, Value: []byte(msg.ID)})
	}
	if msg.ReplyTo != "" {
		headers = append(headers, kafka.Header{Key: HeaderReplyTo, Value: []byte(msg.ReplyTo)})
	}

	km := kafka.Message{
		Topic:   name,
		Value:   msg.Body,
		Headers: headers,
		Time:    time.Now(),
	}
	if options.ShardingKey != "" {
		km.Key = []byte(options.ShardingKey)
	}

	return w.WriteMessages(ctx, km)
}

func (k *kafkaBroker) Subscribe(t string, handler broker.Handler, opts ...broker.SubscribeOption) (broker.Subscriber, error) {
	options := broker.NewSubscribeOptions(opts...)

	pattern, err := topic.Parse(t)
	if err != nil {
		return nil, err
	}
	if _, _, err := topic.Kafka.Filter(pattern); err != nil {
		return nil, err
	}
	name, err := k.wire(t)
	if err != nil {
		return nil, err
	}

	k.RLock()
	running := k.running
	brokerCtx := k.ctx
	k.RUnlock()

	if !running {
		return nil, broker.ErrNotConnected
	}

	// Without a queue every subscription gets its own group, and so every
	// message.
	group := options.Queue
	if group == "" {
		group = uuid.NewString()
		if k.opts.ClientID != "" {
			group = k.opts.ClientID + "-" + group
		}
	}

	cfg := kafka.ReaderConfig{
		Brokers:     k.opts.Addrs,
		GroupID:     group,
		Topic:       name,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		Dialer: &kafka.Dialer{
			ClientID:      k.opts.ClientID,
			Timeout:       10 * time.Second,
			DualStack:     true,
			TLS:           k.opts.TLSConfig,
			SASLMechanism: k.mechanism(),
		},
	}
	if v, ok := broker.GetTrackedValue(k.opts.Context, minBytesKey{}).(int); ok {
		cfg.MinBytes = v
	}
	if v, ok := broker.GetTrackedValue(k.opts.Context, maxBytesKey{}).(int); ok {
		cfg.MaxBytes = v
	}
	if v, ok := broker.GetTrackedValue(k.opts.Context, offsetKey{}).(int64); ok {
		cfg.StartOffset = v
	}

	reader := k.newReader(cfg)

	subID := uuid.NewString()
	k.Lock()
	if k.readers == nil {
		k.readers = make(map[string]kafkaReader)
	}
	k.readers[subID] = reader
	k.Unlock()

	if brokerCtx == nil {
		brokerCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(brokerCtx)

	go k.consume(ctx, reader, handler, options)

	return &kafkaSubscriber{
		topic:  t,
		opts:   options,
		reader: reader,
		cancel: cancel,
		remove: func() {
			k.Lock()
			delete(k.readers, subID)
			k.Unlock()
		},
	}, nil
}

func (k *kafkaBroker) consume(ctx context.Context, reader kafkaReader, handler broker.Handler, options broker.SubscribeOptions) {
	log := k.opts.Log().With("broker", "kafka")
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				log.Debug("reader stopped", "error", err)
			}
			return
		}

		header := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			header[h.Key] = string(h.Value)
		}

		msg := &broker.Message{
			ID:      header[HeaderMessageID],
			ReplyTo: header[HeaderReplyTo],
			Header:  header,
			Body:    m.Value,
		}
		delete(header, HeaderMessageID)
		delete(header, HeaderReplyTo)

		event := &kafkaEvent{
			topic:   k.canonical(m.Topic),
			message: msg,
			reader:  reader,
			rawMsg:  m,
			ctx:     ctx,
		}

		if err := handler(ctx, event); err != nil {
			event.err = err
			if eh := k.opts.ErrorHandler; eh != nil {
				eh(ctx, event)
			}
			continue
		}
		if options.AutoAck {
			if err := event.Ack(); err != nil {
				log.Warn("commit failed", "topic", m.Topic, "offset", m.Offset, "error", err)
			}
		}
	}
}

func (k *kafkaBroker) String() string {
	return "kafka"
}

type kafkaSubscriber struct {
	topic  string
	opts   broker.SubscribeOptions
	reader kafkaReader
	cancel context.CancelFunc
	remove func()
	once   sync.Once
}

func (s *kafkaSubscriber) Options() broker.SubscribeOptions {
	return s.opts
}

func (s *kafkaSubscriber) Topic() string {
	return s.topic
}

func (s *kafkaSubscriber) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.remove != nil {
			s.remove()
		}
		err = s.reader.Close()
	})
	return err
}

type kafkaEvent struct {
	topic   string
	message *broker.Message
	reader  kafkaReader
	rawMsg  kafka.Message
	ctx     context.Context
	err     error
}

func (e *kafkaEvent) Topic() string {
	return e.topic
}

func (e *kafkaEvent) Message() *broker.Message {
	return e.message
}

func (e *kafkaEvent) Ack() error {
	return e.reader.CommitMessages(e.ctx, e.rawMsg)
}

// Nack leaves the offset uncommitted. Kafka has no per-message redelivery.
func (e *kafkaEvent) Nack(requeue bool) error {
	return nil
}

func (e *kafkaEvent) Error() error {
	return e.err
}

func NewBroker(opts ...broker.Option) broker.Broker {
	options := broker.NewOptions(opts...)

	return &kafkaBroker{
		opts:    *options,
		readers: make(map[string]kafkaReader),
		newWriter: func(w *kafka.Writer) kafkaWriter {
			return w
		},
		newReader: func(cfg kafka.ReaderConfig) kafkaReader {
			return kafka.NewReader(cfg)
		},
	}
}

type balancerKey struct{}
type batchSizeKey struct{}
type acksKey struct{}
type minBytesKey struct{}
type maxBytesKey struct{}
type offsetKey struct{}

func WithBalancer(b kafka.Balancer) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, balancerKey{}, b, "kafka.WithBalancer")
	}
}

func WithBatchSize(size int) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, batchSizeKey{}, size, "kafka.WithBatchSize")
	}
}

// WithAcks sets the acknowledgements the writer waits for: -1 all, 0 none,
// 1 leader only.
func WithAcks(acks int) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, acksKey{}, acks, "kafka.WithAcks")
	}
}

func WithMinBytes(n int) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, minBytesKey{}, n, "kafka.WithMinBytes")
	}
}

func WithMaxBytes(n int) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, maxBytesKey{}, n, "kafka.WithMaxBytes")
	}
}

// WithOffset sets where new consumer groups start, kafka.FirstOffset or
// kafka.LastOffset.
func WithOffset(offset int64) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, offsetKey{}, offset, "kafka.WithOffset")
	}
}
