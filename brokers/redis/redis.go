// Package redis adapts Redis streams to broker.Broker.
//
// Every topic is a stream key with levels joined by ':'. Streams have no
// wildcards, so only literal patterns can be subscribed. A subscription
// without a queue reads through its own consumer group and sees every new
// entry; subscriptions sharing a queue share one group.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/qvcloud/replier/broker"
	"github.com/qvcloud/replier/topic"
)

// Stream entry fields. Headers are stored as "h:<name>".
const (
	FieldBody      = "body"
	FieldMessageID = "message_id"
	FieldReplyTo   = "reply_to"
	headerPrefix   = "h:"
)

type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XGroupDestroy(ctx context.Context, stream, group string) *redis.IntCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

type redisBroker struct {
	opts   broker.Options
	client redisClient

	sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	newClient func(opts *redis.Options) redisClient
}

func (r *redisBroker) Options() broker.Options { return r.opts }

func (r *redisBroker) Address() string {
	if len(r.opts.Addrs) > 0 {
		return r.opts.Addrs[0]
	}
	return ""
}

func (r *redisBroker) Init(opts ...broker.Option) error {
	for _, o := range opts {
		o(&r.opts)
	}
	return nil
}

func (r *redisBroker) Connect() error {
	r.Lock()
	defer r.Unlock()

	if r.running {
		return nil
	}

	addr := r.Address()
	if addr == "" {
		return fmt.Errorf("redis: address is required")
	}
	log := r.opts.Log().With("broker", "redis", "addr", addr)

	redisOpts := &redis.Options{
		Addr:       strings.TrimPrefix(addr, "redis://"),
		Username:   r.opts.Username,
		Password:   r.opts.Password,
		ClientName: r.opts.ClientID,
		TLSConfig:  r.opts.TLSConfig,
	}
	if v, ok := broker.GetTrackedValue(r.opts.Context, dbKey{}).(int); ok {
		redisOpts.DB = v
	}

	client := r.newClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		log.Error("connect failed", "error", err)
		return fmt.Errorf("redis: connect %s: %w", addr, err)
	}
	r.client = client

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true
	log.Debug("connected")

	broker.WarnUnconsumed(r.opts.Context, r.opts.Logger)
	return nil
}

func (r *redisBroker) Disconnect() error {
	r.Lock()
	defer r.Unlock()

	if !r.running {
		return nil
	}

	if r.cancel != nil {
		r.cancel()
	}

	var err error
	if r.client != nil {
		err = r.client.Close()
		r.client = nil
	}

	r.running = false
	return err
}

// stream maps a canonical topic to its stream key.
func (r *redisBroker) stream(t string) (string, error) {
	key, err := topic.Redis.Topic(t)
	if err != nil {
		return "", err
	}
	if ns := r.opts.Namespace; ns != "" {
		key = ns + topic.Redis.Separator + key
	}
	return key, nil
}

func (r *redisBroker) canonical(key string) string {
	if ns := r.opts.Namespace; ns != "" {
		key = strings.TrimPrefix(key, ns+topic.Redis.Separator)
	}
	return topic.Redis.Canonical(key)
}

func (r *redisBroker) Publish(ctx context.Context, t string, msg *broker.Message, opts ...broker.PublishOption) error {
	options := broker.PublishOptions{Context: ctx}
	for _, o := range opts {
		o(&options)
	}

	r.RLock()
	client := r.client
	r.RUnlock()

	if client == nil {
		return broker.ErrNotConnected
	}

	key, err := r.stream(t)
	if err != nil {
		return err
	}

	values := map[string]any{FieldBody: msg.Body}
	if msg.ID != "" {
		values[FieldMessageID] = msg.ID
	}
	if msg.ReplyTo != "" {
		values[FieldReplyTo] = msg.ReplyTo
	}
	for k, v := range msg.Header {
		values[headerPrefix+k] = v
	}

	arg := &redis.XAddArgs{
		Stream: key,
		Values: values,
	}
	if v, ok := broker.GetTrackedValue(options.Context, maxLenKey{}).(int64); ok {
		arg.MaxLen = v
		arg.Approx = true
	}

	if err := client.XAdd(ctx, arg).Err(); err != nil {
		return fmt.Errorf("redis: xadd %s: %w", key, err)
	}
	broker.WarnUnconsumed(options.Context, r.opts.Logger)
	return nil
}

func (r *redisBroker) Subscribe(t string, handler broker.Handler, opts ...broker.SubscribeOption) (broker.Subscriber, error) {
	options := broker.NewSubscribeOptions(opts...)

	pattern, err := topic.Parse(t)
	if err != nil {
		return nil, err
	}
	if _, _, err := topic.Redis.Filter(pattern); err != nil {
		return nil, err
	}
	key, err := r.stream(t)
	if err != nil {
		return nil, err
	}

	r.RLock()
	client := r.client
	brokerCtx := r.ctx
	r.RUnlock()

	if client == nil {
		return nil, broker.ErrNotConnected
	}

	// A private group starts at the stream tail and is removed on
	// unsubscribe; a shared group starts at the head and outlives us.
	group, start, private := options.Queue, "0", false
	if group == "" {
		group, start, private = uuid.NewString(), "$", true
		if r.opts.ClientID != "" {
			group = r.opts.ClientID + "-" + group
		}
	}
	consumerName := r.opts.ClientID
	if consumerName == "" {
		consumerName = "consumer-" + uuid.NewString()
	}

	if err := client.XGroupCreateMkStream(brokerCtx, key, group, start).Err(); err != nil &&
		!strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redis: create group %s on %s: %w", group, key, err)
	}

	ctx, cancel := context.WithCancel(brokerCtx)
	done := make(chan struct{})

	rs := &reader{
		broker:   r,
		client:   client,
		stream:   key,
		group:    group,
		consumer: consumerName,
		handler:  handler,
		opts:     options,
		log:      r.opts.Log().With("broker", "redis", "stream", key, "group", group),
	}
	go func() {
		defer close(done)
		rs.run(ctx)
	}()

	return &redisSubscriber{
		topic: t,
		opts:  options,
		unsubscribe: func() error {
			cancel()
			<-done
			if !private {
				return nil
			}
			return client.XGroupDestroy(context.Background(), key, group).Err()
		},
	}, nil
}

func (r *redisBroker) String() string { return "redis" }

type reader struct {
	broker   *redisBroker
	client   redisClient
	stream   string
	group    string
	consumer string
	handler  broker.Handler
	opts     broker.SubscribeOptions
	log      *slog.Logger
}

// run reads entries left pending for this consumer, then new ones, until
// ctx is done.
func (rs *reader) run(ctx context.Context) {
	rs.read(ctx, "0")
	for ctx.Err() == nil {
		if !rs.read(ctx, ">") {
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (rs *reader) read(ctx context.Context, id string) bool {
	streams, err := rs.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    rs.group,
		Consumer: rs.consumer,
		Streams:  []string{rs.stream, id},
		Count:    10,
		Block:    time.Second,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			rs.log.Warn("read failed", "error", err)
		}
		return false
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return false
	}

	for _, xm := range streams[0].Messages {
		event := &redisEvent{
			topic:   rs.broker.canonical(streams[0].Stream),
			message: decode(xm.Values),
			raw:     xm,
			stream:  rs.stream,
			group:   rs.group,
			client:  rs.client,
		}

		if err := rs.handler(ctx, event); err != nil {
			event.err = err
			if eh := rs.broker.opts.ErrorHandler; eh != nil {
				eh(ctx, event)
			}
			continue
		}
		if rs.opts.AutoAck {
			if err := event.Ack(); err != nil {
				rs.log.Warn("ack failed", "id", xm.ID, "error", err)
			}
		}
	}
	return true
}

func decode(values map[string]any) *broker.Message {
	msg := &broker.Message{Header: make(map[string]string)}
	for k, v := range values {
		switch {
		case k == FieldBody:
			switch b := v.(type) {
			case []byte:
				msg.Body = b
			case string:
				msg.Body = []byte(b)
			}
		case k == FieldMessageID:
			msg.ID = fmt.Sprint(v)
		case k == FieldReplyTo:
			msg.ReplyTo = fmt.Sprint(v)
		case strings.HasPrefix(k, headerPrefix):
			msg.Header[strings.TrimPrefix(k, headerPrefix)] = fmt.Sprint(v)
		}
	}
	return msg
}

type redisSubscriber struct {
	topic       string
	opts        broker.SubscribeOptions
	once        sync.Once
	unsubscribe func() error
}

func (s *redisSubscriber) Options() broker.SubscribeOptions { return s.opts }
func (s *redisSubscriber) Topic() string                    { return s.topic }
func (s *redisSubscriber) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.unsubscribe()
	})
	return err
}

type redisEvent struct {
	topic   string
	message *broker.Message
	raw     redis.XMessage
	stream  string
	group   string
	client  redisClient
	err     error
}

func (e *redisEvent) Topic() string            { return e.topic }
func (e *redisEvent) Message() *broker.Message { return e.message }
func (e *redisEvent) Ack() error {
	return e.client.XAck(context.Background(), e.stream, e.group, e.raw.ID).Err()
}

// Nack with requeue leaves the entry pending for the next read of this
// consumer; without requeue it is acknowledged and dropped.
func (e *redisEvent) Nack(requeue bool) error {
	if !requeue {
		return e.Ack()
	}
	return nil
}
func (e *redisEvent) Error() error { return e.err }

type dbKey struct{}
type maxLenKey struct{}

// WithDB selects the logical database.
func WithDB(db int) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, dbKey{}, db, "redis.WithDB")
	}
}

// WithMaxLen trims the stream to about l entries on publish.
func WithMaxLen(l int64) broker.PublishOption {
	return func(o *broker.PublishOptions) {
		o.Context = broker.WithTrackedValue(o.Context, maxLenKey{}, l, "redis.WithMaxLen")
	}
}

func NewBroker(opts ...broker.Option) broker.Broker {
	return &redisBroker{
		opts: *broker.NewOptions(opts...),
		newClient: func(opts *redis.Options) redisClient {
			return redis.NewClient(opts)
		},
	}
}
