// Package rabbitmq adapts an AMQP 0-9-1 connection to broker.Broker.
//
// Messages are routed through a topic exchange, amq.topic unless WithExchange
// says otherwise. The namespace selects the virtual host.
//
// Destinations starting with QueuePrefix name a queue and are published
// through the default exchange. Reply-to values set by other AMQP clients
// that name a server queue (amq.gen-*, amq.rabbitmq.reply-to) are delivered
// in that form, so replies reach the requester's queue.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/qvcloud/replier/broker"
	"github.com/qvcloud/replier/topic"
)

const (
	defaultExchange     = "amq.topic"
	defaultExchangeType = amqp.ExchangeTopic

	// QueuePrefix marks a destination that is a queue name, not a topic.
	QueuePrefix = "queue:"
	serverQueue = "amq."
)

var errConnClosed = errors.New("rabbitmq: connection closed")

type rabbitConn interface {
	Channel() (rabbitChannel, error)
	Close() error
	IsClosed() bool
}

type rabbitChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Close() error
	Qos(prefetchCount, prefetchSize int, global bool) error
}

type connWrapper struct{ *amqp.Connection }

func (w *connWrapper) Channel() (rabbitChannel, error) {
	return w.Connection.Channel()
}

type rmqBroker struct {
	opts   broker.Options
	config amqp.Config

	conn    rabbitConn
	channel rabbitChannel

	sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	// Internal factories for testing
	newConn func(addr string, config amqp.Config) (rabbitConn, error)

	reconnectInterval time.Duration
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

func (r *rmqBroker) dialConfig() amqp.Config {
	config := amqp.Config{
		TLSClientConfig: r.opts.TLSConfig,
		Vhost:           r.opts.Namespace,
	}
	if r.opts.Username != "" {
		config.SASL = []amqp.Authentication{&amqp.PlainAuth{
			Username: r.opts.Username,
			Password: r.opts.Password,
		}}
	}
	if r.opts.ClientID != "" {
		config.Properties = amqp.Table{
			"connection_name": r.opts.ClientID,
		}
	}
	return config
}

func (r *rmqBroker) Connect() error {
	r.Lock()
	defer r.Unlock()

	if r.running {
		return nil
	}

	if len(r.opts.Addrs) == 0 {
		return fmt.Errorf("rabbitmq: server addresses are required")
	}

	addr := r.Address()
	r.config = r.dialConfig()

	conn, err := r.newConn(addr, r.config)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}
	r.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	r.channel = ch

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true

	broker.WarnUnconsumed(r.opts.Context, r.opts.Logger)

	go r.watch(r.ctx)

	return nil
}

// watch redials whenever the connection is found closed. Subscriptions
// notice through their delivery channels and re-consume on the new one.
func (r *rmqBroker) watch(ctx context.Context) {
	log := r.opts.Log().With("broker", "rabbitmq")
	for {
		r.RLock()
		if !r.running {
			r.RUnlock()
			return
		}
		conn := r.conn
		r.RUnlock()

		if conn == nil || conn.IsClosed() {
			log.Warn("connection lost, reconnecting")
			newConn, err := r.newConn(r.Address(), r.config)
			if err == nil {
				r.Lock()
				r.conn = newConn
				if ch, err := newConn.Channel(); err == nil {
					r.channel = ch
				}
				r.Unlock()
			} else {
				log.Error("reconnect failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.reconnectInterval):
		}
	}
}

func (r *rmqBroker) Disconnect() error {
	r.Lock()
	defer r.Unlock()

	if !r.running {
		return nil
	}

	if r.cancel != nil {
		r.cancel()
	}

	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}

	r.running = false
	return nil
}

func (r *rmqBroker) exchange() (name, kind string) {
	name, kind = defaultExchange, defaultExchangeType
	if v, ok := broker.GetTrackedValue(r.opts.Context, exchangeKey{}).(string); ok {
		name = v
	}
	if v, ok := broker.GetTrackedValue(r.opts.Context, exchangeTypeKey{}).(string); ok {
		kind = v
	}
	return name, kind
}

func (r *rmqBroker) Publish(ctx context.Context, t string, msg *broker.Message, opts ...broker.PublishOption) error {
	options := broker.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	r.RLock()
	ch := r.channel
	r.RUnlock()

	if ch == nil {
		return broker.ErrNotConnected
	}

	var err error
	exchange, _ := r.exchange()
	key, queue := strings.CutPrefix(t, QueuePrefix)
	if queue {
		exchange = ""
	} else if key, err = topic.AMQP.Topic(t); err != nil {
		return err
	}

	pub := amqp.Publishing{
		Headers:      stringMapToTable(msg.Header),
		ContentType:  "application/octet-stream",
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Body:         msg.Body,
		DeliveryMode: amqp.Transient,
	}
	if name, ok := strings.CutPrefix(msg.ReplyTo, QueuePrefix); ok {
		pub.ReplyTo = name
	} else if msg.ReplyTo != "" {
		if pub.ReplyTo, err = topic.AMQP.Topic(msg.ReplyTo); err != nil {
			return fmt.Errorf("rabbitmq: reply-to: %w", err)
		}
	}

	mandatory := false
	if options.Context != nil {
		if v, ok := broker.GetTrackedValue(options.Context, priorityKey{}).(int); ok {
			pub.Priority = uint8(v)
		}
		if v, ok := broker.GetTrackedValue(options.Context, persistentKey{}).(bool); ok && v {
			pub.DeliveryMode = amqp.Persistent
		}
		if v, ok := broker.GetTrackedValue(options.Context, mandatoryKey{}).(bool); ok {
			mandatory = v
		}
	}

	err = ch.PublishWithContext(ctx,
		exchange,  // exchange
		key,       // routing key
		mandatory, // mandatory
		false,     // immediate
		pub)

	if err == nil {
		broker.WarnUnconsumed(options.Context, r.opts.Logger)
	}

	return err
}

func (r *rmqBroker) Subscribe(t string, handler broker.Handler, opts ...broker.SubscribeOption) (broker.Subscriber, error) {
	options := broker.NewSubscribeOptions(opts...)

	pattern, err := topic.Parse(t)
	if err != nil {
		return nil, err
	}
	key, exact, err := topic.AMQP.Filter(pattern)
	if err != nil {
		return nil, err
	}

	r.RLock()
	brokerCtx := r.ctx
	conn := r.conn
	r.RUnlock()

	if conn == nil {
		return nil, broker.ErrNotConnected
	}
	if brokerCtx == nil {
		brokerCtx = context.Background()
	}

	ch, msgs, err := r.consume(key, options)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(brokerCtx)
	s := &rmqSubscription{
		broker:  r,
		key:     key,
		pattern: pattern,
		exact:   exact,
		handler: handler,
		opts:    options,
	}
	go s.run(ctx, ch, msgs)

	return &rmqSubscriber{
		topic:  t,
		opts:   options,
		cancel: cancel,
	}, nil
}

// consume opens a channel and binds a queue for key. Without a queue name
// the server picks one and the queue lives as long as the channel.
func (r *rmqBroker) consume(key string, options broker.SubscribeOptions) (rabbitChannel, <-chan amqp.Delivery, error) {
	r.RLock()
	conn := r.conn
	r.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, nil, errConnClosed
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	durable := true
	autoDelete := false
	exclusive := false
	prefetchCount := 0

	if v, ok := broker.GetTrackedValue(r.opts.Context, durableKey{}).(bool); ok {
		durable = v
	}
	if v, ok := broker.GetTrackedValue(r.opts.Context, autoDeleteKey{}).(bool); ok {
		autoDelete = v
	}
	if v, ok := broker.GetTrackedValue(r.opts.Context, prefetchCountKey{}).(int); ok {
		prefetchCount = v
	}
	if options.Queue == "" {
		durable, autoDelete, exclusive = false, true, true
	}
	exchange, exchangeType := r.exchange()

	fail := func(step string, err error) (rabbitChannel, <-chan amqp.Delivery, error) {
		ch.Close()
		return nil, nil, fmt.Errorf("rabbitmq: %s: %w", step, err)
	}

	if prefetchCount > 0 {
		if err := ch.Qos(prefetchCount, 0, false); err != nil {
			return fail("qos", err)
		}
	}

	// amq.* exchanges always exist and may not be declared by clients.
	if !strings.HasPrefix(exchange, "amq.") {
		if err := ch.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
			return fail("declare exchange", err)
		}
	}

	q, err := ch.QueueDeclare(
		options.Queue, // name
		durable,       // durable
		autoDelete,    // delete when unused
		exclusive,     // exclusive
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		return fail("declare queue", err)
	}

	if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		false,  // always manual ack for framework-level control
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fail("consume", err)
	}

	return ch, msgs, nil
}

type rmqSubscription struct {
	broker  *rmqBroker
	key     string
	pattern topic.Pattern
	exact   bool
	handler broker.Handler
	opts    broker.SubscribeOptions
}

func (s *rmqSubscription) run(ctx context.Context, ch rabbitChannel, msgs <-chan amqp.Delivery) {
	log := s.broker.opts.Log().With("broker", "rabbitmq", "binding", s.key)
	for {
		if ch == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.broker.reconnectInterval):
			}
			var err error
			if ch, msgs, err = s.broker.consume(s.key, s.opts); err != nil {
				log.Warn("resubscribe failed", "error", err)
				ch = nil
				continue
			}
			log.Info("resubscribed")
		}

		if !s.drain(ctx, ch, msgs) {
			return
		}
		ch = nil
	}
}

// drain delivers until the channel closes or ctx is done. It reports
// whether the subscription should be re-established.
func (s *rmqSubscription) drain(ctx context.Context, ch rabbitChannel, msgs <-chan amqp.Delivery) bool {
	defer ch.Close()
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-msgs:
			if !ok {
				return true
			}
			s.handle(ctx, d)
		}
	}
}

func (s *rmqSubscription) handle(ctx context.Context, d amqp.Delivery) {
	name := topic.AMQP.Canonical(d.RoutingKey)
	if !s.exact && !s.pattern.Match(name) {
		d.Ack(false)
		return
	}

	header := make(map[string]string)
	for k, v := range d.Headers {
		header[k] = fmt.Sprint(v)
	}

	msg := &broker.Message{
		ID:     d.MessageId,
		Header: header,
		Body:   d.Body,
	}
	if d.ReplyTo != "" {
		msg.ReplyTo = replyDestination(d.ReplyTo)
	}

	event := &rmqEvent{
		topic:    name,
		message:  msg,
		delivery: d,
	}

	if err := s.handler(ctx, event); err != nil {
		event.err = err
		if eh := s.broker.opts.ErrorHandler; eh != nil {
			eh(ctx, event)
		}
		if s.opts.AutoAck {
			d.Nack(false, false)
		}
		return
	}
	if s.opts.AutoAck {
		d.Ack(false)
	}
}

func (r *rmqBroker) String() string {
	return "rabbitmq"
}

type rmqSubscriber struct {
	topic  string
	opts   broker.SubscribeOptions
	cancel context.CancelFunc
}

func (s *rmqSubscriber) Options() broker.SubscribeOptions { return s.opts }
func (s *rmqSubscriber) Topic() string                    { return s.topic }
func (s *rmqSubscriber) Unsubscribe() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

type rmqEvent struct {
	topic    string
	message  *broker.Message
	delivery amqp.Delivery
	err      error
}

func (e *rmqEvent) Topic() string            { return e.topic }
func (e *rmqEvent) Message() *broker.Message { return e.message }
func (e *rmqEvent) Ack() error               { return e.delivery.Ack(false) }
func (e *rmqEvent) Nack(requeue bool) error  { return e.delivery.Nack(false, requeue) }
func (e *rmqEvent) Error() error             { return e.err }

func NewBroker(opts ...broker.Option) broker.Broker {
	options := broker.NewOptions(opts...)
	return &rmqBroker{
		opts: *options,
		newConn: func(addr string, config amqp.Config) (rabbitConn, error) {
			conn, err := amqp.DialConfig(addr, config)
			if err != nil {
				return nil, err
			}
			return &connWrapper{conn}, nil
		}, reconnectInterval: 5 * time.Second}
}

type exchangeKey struct{}
type exchangeTypeKey struct{}
type prefetchCountKey struct{}
type durableKey struct{}
type autoDeleteKey struct{}

// WithExchange replaces amq.topic as the exchange messages are routed through.
func WithExchange(name string) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, exchangeKey{}, name, "rabbitmq.WithExchange")
	}
}

// WithExchangeType sets the kind used when declaring a custom exchange.
// Wildcard subscriptions need a topic exchange.
func WithExchangeType(kind string) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, exchangeTypeKey{}, kind, "rabbitmq.WithExchangeType")
	}
}

func WithPrefetchCount(count int) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, prefetchCountKey{}, count, "rabbitmq.WithPrefetchCount")
	}
}

// WithDurable applies to named queues only.
func WithDurable(durable bool) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, durableKey{}, durable, "rabbitmq.WithDurable")
	}
}

func WithAutoDelete(autoDelete bool) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, autoDeleteKey{}, autoDelete, "rabbitmq.WithAutoDelete")
	}
}

type priorityKey struct{}
type persistentKey struct{}
type mandatoryKey struct{}

func WithPriority(p int) broker.PublishOption {
	return func(o *broker.PublishOptions) {
		o.Context = broker.WithTrackedValue(o.Context, priorityKey{}, p, "rabbitmq.WithPriority")
	}
}

func WithPersistent(p bool) broker.PublishOption {
	return func(o *broker.PublishOptions) {
		o.Context = broker.WithTrackedValue(o.Context, persistentKey{}, p, "rabbitmq.WithPersistent")
	}
}

func WithMandatory() broker.PublishOption {
	return func(o *broker.PublishOptions) {
		o.Context = broker.WithTrackedValue(o.Context, mandatoryKey{}, true, "rabbitmq.WithMandatory")
	}
}

func replyDestination(replyTo string) string {
	if strings.HasPrefix(replyTo, serverQueue) {
		return QueuePrefix + replyTo
	}
	return topic.AMQP.Canonical(replyTo)
}

func stringMapToTable(m map[string]string) amqp.Table {
	if m == nil {
		return nil
	}
	res := make(amqp.Table, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}
