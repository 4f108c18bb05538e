// Package mqtt adapts an Eclipse Paho MQTT 3.1.1 client to broker.Broker.
//
// MQTT carries only a payload, so every message travels as an envelope
// encoded with the broker codec (JSON by default) that holds the id,
// headers, body and reply-to. Several patterns may translate to the same
// MQTT filter; they share one broker subscription and are told apart with
// Pattern.Match.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/qvcloud/replier/broker"
	"github.com/qvcloud/replier/topic"
)

const (
	defaultQoS               = 1
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepAlive         = 60 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	maxQoS                   = 2
)

type mqttClient interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
}

type mqttBroker struct {
	opts broker.Options

	client mqttClient
	qos    byte

	sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	routesMu sync.Mutex
	routes   map[string]*route

	newClient func(o *pahomqtt.ClientOptions) mqttClient
}

// route is one broker subscription shared by every pattern with the same
// filter.
type route struct {
	filter string
	subs   map[string]*mqttSubscriber
}

func (m *mqttBroker) Options() broker.Options { return m.opts }

func (m *mqttBroker) Address() string {
	if len(m.opts.Addrs) > 0 {
		return m.opts.Addrs[0]
	}
	return ""
}

func (m *mqttBroker) Init(opts ...broker.Option) error {
	for _, o := range opts {
		o(&m.opts)
	}
	return nil
}

func (m *mqttBroker) codec() broker.Marshaler {
	if m.opts.Codec != nil {
		return m.opts.Codec
	}
	return broker.JsonMarshaler{}
}

func (m *mqttBroker) clientOptions() *pahomqtt.ClientOptions {
	o := pahomqtt.NewClientOptions()
	for _, addr := range m.opts.Addrs {
		o.AddBroker(addr)
	}

	clientID := m.opts.ClientID
	if clientID == "" {
		clientID = "replier-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	o.SetClientID(clientID)

	if m.opts.Username != "" {
		o.SetUsername(m.opts.Username)
		o.SetPassword(m.opts.Password)
	}
	if m.opts.TLSConfig != nil {
		o.SetTLSConfig(m.opts.TLSConfig)
	}

	connectTimeout := defaultConnectTimeout
	if v, ok := broker.GetTrackedValue(m.opts.Context, connectTimeoutKey{}).(time.Duration); ok {
		connectTimeout = v
	}

	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetConnectTimeout(connectTimeout)
	o.SetKeepAlive(defaultKeepAlive)

	log := m.opts.Log().With("broker", "mqtt")
	o.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("connection lost", "error", err)
	})
	// A clean session forgets subscriptions, so they are restored on every
	// reconnect.
	o.SetOnConnectHandler(func(_ pahomqtt.Client) {
		m.restore()
	})

	return o
}

func (m *mqttBroker) Connect() error {
	m.Lock()
	defer m.Unlock()

	if m.running {
		return nil
	}

	if len(m.opts.Addrs) == 0 {
		return fmt.Errorf("mqtt: broker addresses are required")
	}

	log := m.opts.Log().With("broker", "mqtt", "addr", m.Address())
	if m.opts.Namespace != "" {
		log.Info("namespace has no MQTT equivalent, ignored", "namespace", m.opts.Namespace)
	}

	m.qos = defaultQoS
	if v, ok := broker.GetTrackedValue(m.opts.Context, qosKey{}).(byte); ok {
		if v > maxQoS {
			return fmt.Errorf("mqtt: invalid QoS %d", v)
		}
		m.qos = v
	}

	o := m.clientOptions()
	client := m.newClient(o)
	token := client.Connect()
	if !token.WaitTimeout(o.ConnectTimeout) {
		return fmt.Errorf("mqtt: connect %s: timeout after %v", m.Address(), o.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		log.Error("connect failed", "error", err)
		return fmt.Errorf("mqtt: connect %s: %w", m.Address(), err)
	}

	m.client = client
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true

	broker.WarnUnconsumed(m.opts.Context, m.opts.Logger)
	return nil
}

func (m *mqttBroker) Disconnect() error {
	m.Lock()
	defer m.Unlock()

	if !m.running {
		return nil
	}

	if m.cancel != nil {
		m.cancel()
	}

	m.routesMu.Lock()
	m.routes = make(map[string]*route)
	m.routesMu.Unlock()

	if m.client != nil {
		m.client.Disconnect(defaultDisconnectQuiesce)
	}

	m.running = false
	return nil
}

func (m *mqttBroker) Publish(ctx context.Context, t string, msg *broker.Message, opts ...broker.PublishOption) error {
	options := broker.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	m.RLock()
	client := m.client
	qos := m.qos
	m.RUnlock()

	if client == nil {
		return broker.ErrNotConnected
	}

	name, err := topic.MQTT.Topic(t)
	if err != nil {
		return err
	}

	payload, err := broker.EncodeEnvelope(m.codec(), msg)
	if err != nil {
		return err
	}

	retained := false
	if v, ok := broker.GetTrackedValue(options.Context, retainedKey{}).(bool); ok {
		retained = v
	}

	token := client.Publish(name, qos, retained, payload)
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", name, err)
	}

	broker.WarnUnconsumed(options.Context, m.opts.Logger)
	return nil
}

func (m *mqttBroker) Subscribe(t string, handler broker.Handler, opts ...broker.SubscribeOption) (broker.Subscriber, error) {
	options := broker.NewSubscribeOptions(opts...)

	pattern, err := topic.Parse(t)
	if err != nil {
		return nil, err
	}
	filter, _, err := topic.MQTT.Filter(pattern)
	if err != nil {
		return nil, err
	}
	if options.Queue != "" {
		filter = "$share/" + options.Queue + "/" + filter
	}

	m.RLock()
	client := m.client
	brokerCtx := m.ctx
	qos := m.qos
	m.RUnlock()

	if client == nil {
		return nil, broker.ErrNotConnected
	}

	ctx, cancel := context.WithCancel(brokerCtx)
	sub := &mqttSubscriber{
		id:      uuid.NewString(),
		topic:   t,
		pattern: pattern,
		filter:  filter,
		opts:    options,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		broker:  m,
	}

	m.routesMu.Lock()
	if r, ok := m.routes[filter]; ok {
		r.subs[sub.id] = sub
		m.routesMu.Unlock()
		return sub, nil
	}
	r := &route{filter: filter, subs: map[string]*mqttSubscriber{sub.id: sub}}
	m.routes[filter] = r
	m.routesMu.Unlock()

	// The lock is not held while waiting: paho may deliver retained
	// messages before the SUBACK arrives.
	token := client.Subscribe(filter, qos, m.dispatch(r))
	if err := waitTimeout(token, defaultConnectTimeout); err != nil {
		m.routesMu.Lock()
		if m.routes[filter] == r {
			delete(m.routes, filter)
		}
		m.routesMu.Unlock()
		cancel()
		return nil, fmt.Errorf("mqtt: subscribe %s: %w", filter, err)
	}

	return sub, nil
}

// restore resubscribes every route after a reconnect.
func (m *mqttBroker) restore() {
	m.RLock()
	client := m.client
	qos := m.qos
	m.RUnlock()
	if client == nil {
		return
	}

	m.routesMu.Lock()
	defer m.routesMu.Unlock()
	for _, r := range m.routes {
		client.Subscribe(r.filter, qos, m.dispatch(r))
	}
}

func (m *mqttBroker) dispatch(r *route) pahomqtt.MessageHandler {
	log := m.opts.Log().With("broker", "mqtt", "filter", r.filter)
	return func(_ pahomqtt.Client, pm pahomqtt.Message) {
		name := pm.Topic()

		msg, err := broker.DecodeEnvelope(m.codec(), pm.Payload())
		if err != nil {
			log.Debug("payload is not an envelope, delivering raw", "topic", name, "error", err)
			msg = &broker.Message{Body: pm.Payload()}
		}

		m.routesMu.Lock()
		subs := make([]*mqttSubscriber, 0, len(r.subs))
		for _, s := range r.subs {
			if s.pattern.Match(name) {
				subs = append(subs, s)
			}
		}
		m.routesMu.Unlock()

		for _, s := range subs {
			s.deliver(name, msg, pm)
		}
	}
}

func (m *mqttBroker) String() string {
	return "mqtt"
}

func wait(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitTimeout(token pahomqtt.Token, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return wait(ctx, token)
}

type mqttSubscriber struct {
	id      string
	topic   string
	pattern topic.Pattern
	filter  string
	opts    broker.SubscribeOptions
	handler broker.Handler
	ctx     context.Context
	cancel  context.CancelFunc
	broker  *mqttBroker
	once    sync.Once
}

func (s *mqttSubscriber) Options() broker.SubscribeOptions { return s.opts }
func (s *mqttSubscriber) Topic() string                    { return s.topic }

func (s *mqttSubscriber) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		m := s.broker

		m.routesMu.Lock()
		r, ok := m.routes[s.filter]
		last := false
		if ok {
			delete(r.subs, s.id)
			if len(r.subs) == 0 {
				delete(m.routes, s.filter)
				last = true
			}
		}
		m.routesMu.Unlock()

		if !last {
			return
		}
		m.RLock()
		client := m.client
		m.RUnlock()
		if client == nil || !client.IsConnected() {
			return
		}
		err = waitTimeout(client.Unsubscribe(s.filter), defaultConnectTimeout)
	})
	return err
}

func (s *mqttSubscriber) deliver(name string, msg *broker.Message, pm pahomqtt.Message) {
	if s.ctx.Err() != nil {
		return
	}
	// Each subscriber gets its own copy of the decoded message.
	cp := *msg
	event := &mqttEvent{topic: name, message: &cp, pm: pm}

	if err := s.handler(s.ctx, event); err != nil {
		event.err = err
		if eh := s.broker.opts.ErrorHandler; eh != nil {
			eh(s.ctx, event)
		}
		return
	}
	if s.opts.AutoAck {
		event.Ack()
	}
}

type mqttEvent struct {
	topic   string
	message *broker.Message
	pm      pahomqtt.Message
	err     error
}

func (e *mqttEvent) Topic() string            { return e.topic }
func (e *mqttEvent) Message() *broker.Message { return e.message }
func (e *mqttEvent) Ack() error {
	if e.pm != nil {
		e.pm.Ack()
	}
	return nil
}

// Nack is a no-op: MQTT 3.1.1 cannot reject a delivery.
func (e *mqttEvent) Nack(requeue bool) error { return nil }
func (e *mqttEvent) Error() error            { return e.err }

func NewBroker(opts ...broker.Option) broker.Broker {
	options := broker.NewOptions(opts...)
	return &mqttBroker{
		opts:   *options,
		routes: make(map[string]*route),
		newClient: func(o *pahomqtt.ClientOptions) mqttClient {
			return pahomqtt.NewClient(o)
		},
	}
}

type qosKey struct{}
type connectTimeoutKey struct{}
type retainedKey struct{}

// WithQoS sets the QoS used for publishing and subscribing. The default is 1.
func WithQoS(qos byte) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, qosKey{}, qos, "mqtt.WithQoS")
	}
}

func WithConnectTimeout(d time.Duration) broker.Option {
	return func(o *broker.Options) {
		o.Context = broker.WithTrackedValue(o.Context, connectTimeoutKey{}, d, "mqtt.WithConnectTimeout")
	}
}

// WithRetained asks the broker to keep the message for future subscribers.
func WithRetained() broker.PublishOption {
	return func(o *broker.PublishOptions) {
		o.Context = broker.WithTrackedValue(o.Context, retainedKey{}, true, "mqtt.WithRetained")
	}
}
