package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/qvcloud/replier/topic"
)

var (
	ErrNotConnected = errors.New("broker: not connected")
	ErrAuthFailed   = errors.New("broker: authentication failed")
)

// MemoryHub is an in-process broker. Brokers created from the same hub share
// its topic space, partitioned by namespace.
type MemoryHub struct {
	mu    sync.RWMutex
	users map[string]string
	subs  map[string][]*memorySubscriber

	rr atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[string][]*memorySubscriber),
	}
}

// AddUser enables credential checking. A hub without users accepts anyone.
func (h *MemoryHub) AddUser(username, password string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users == nil {
		h.users = make(map[string]string)
	}
	h.users[username] = password
}

// NewBroker returns a Broker attached to the hub.
func (h *MemoryHub) NewBroker(opts ...Option) Broker {
	return &memoryBroker{
		opts: NewOptions(opts...),
		hub:  h,
	}
}

// NewMemoryBroker returns a Broker on a private hub.
func NewMemoryBroker(opts ...Option) Broker {
	return NewMemoryHub().NewBroker(opts...)
}

// SubscriptionCount reports the live subscriptions in a namespace.
func (h *MemoryHub) SubscriptionCount(namespace string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[namespace])
}

func (h *MemoryHub) authenticate(username, password string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.users) == 0 {
		return nil
	}
	if pw, ok := h.users[username]; !ok || pw != password {
		return fmt.Errorf("%w: user %q", ErrAuthFailed, username)
	}
	return nil
}

func (h *MemoryHub) add(namespace string, sub *memorySubscriber) {
	h.mu.Lock()
	h.subs[namespace] = append(h.subs[namespace], sub)
	h.mu.Unlock()
}

func (h *MemoryHub) remove(namespace, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var kept []*memorySubscriber
	for _, sb := range h.subs[namespace] {
		if sb.id == id {
			continue
		}
		kept = append(kept, sb)
	}
	h.subs[namespace] = kept
}

// targets returns the subscriptions a message on t is delivered to. Members
// of a queue group share one delivery.
func (h *MemoryHub) targets(namespace, t string) []*memorySubscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var (
		out    []*memorySubscriber
		groups map[string][]*memorySubscriber
	)
	for _, sub := range h.subs[namespace] {
		if !sub.pattern.Match(t) {
			continue
		}
		if q := sub.opts.Queue; q != "" {
			if groups == nil {
				groups = make(map[string][]*memorySubscriber)
			}
			groups[q] = append(groups[q], sub)
			continue
		}
		out = append(out, sub)
	}
	for _, members := range groups {
		out = append(out, members[h.rr.Add(1)%uint64(len(members))])
	}
	return out
}

type memorySubscriber struct {
	id      string
	topic   string
	pattern topic.Pattern
	handler Handler
	opts    SubscribeOptions
	broker  *memoryBroker
	once    sync.Once
}

func (s *memorySubscriber) Options() SubscribeOptions {
	return s.opts
}

func (s *memorySubscriber) Topic() string {
	return s.topic
}

func (s *memorySubscriber) Unsubscribe() error {
	s.once.Do(func() {
		s.broker.hub.remove(s.broker.opts.Namespace, s.id)
		s.broker.forget(s.id)
	})
	return nil
}

type memoryEvent struct {
	opts    *Options
	topic   string
	err     error
	message any
}

func (e *memoryEvent) Topic() string {
	return e.topic
}

func (e *memoryEvent) Message() *Message {
	switch v := e.message.(type) {
	case *Message:
		return v
	case []byte:
		msg, err := DecodeEnvelope(e.opts.Codec, v)
		if err != nil {
			return nil
		}
		return msg
	}
	return nil
}

func (e *memoryEvent) Ack() error {
	return nil
}

func (e *memoryEvent) Nack(requeue bool) error {
	return nil
}

func (e *memoryEvent) Error() error {
	return e.err
}

type memoryBroker struct {
	opts *Options
	hub  *MemoryHub

	sync.RWMutex
	running bool
	subs    map[string]*memorySubscriber
}

func (b *memoryBroker) Options() Options {
	return *b.opts
}

func (b *memoryBroker) Address() string {
	if len(b.opts.Addrs) > 0 {
		return b.opts.Addrs[0]
	}
	return ""
}

func (b *memoryBroker) Connect() error {
	b.Lock()
	defer b.Unlock()

	if b.running {
		return nil
	}
	if err := b.hub.authenticate(b.opts.Username, b.opts.Password); err != nil {
		return err
	}

	b.running = true
	b.subs = make(map[string]*memorySubscriber)
	WarnUnconsumed(b.opts.Context, b.opts.Logger)
	return nil
}

func (b *memoryBroker) Disconnect() error {
	b.Lock()
	if !b.running {
		b.Unlock()
		return nil
	}
	b.running = false
	subs := b.subs
	b.subs = nil
	b.Unlock()

	for id := range subs {
		b.hub.remove(b.opts.Namespace, id)
	}
	return nil
}

func (b *memoryBroker) Init(opts ...Option) error {
	for _, opt := range opts {
		opt(b.opts)
	}
	return nil
}

func (b *memoryBroker) String() string {
	return "memory"
}

func (b *memoryBroker) Publish(ctx context.Context, t string, msg *Message, opts ...PublishOption) error {
	b.RLock()
	running := b.running
	b.RUnlock()
	if !running {
		return ErrNotConnected
	}
	if err := topic.ValidateTopic(t); err != nil {
		return err
	}

	subs := b.hub.targets(b.opts.Namespace, t)
	if len(subs) == 0 {
		return nil
	}

	var v any
	if b.opts.Codec != nil {
		buf, err := EncodeEnvelope(b.opts.Codec, msg)
		if err != nil {
			return err
		}
		v = buf
	} else {
		cp := *msg
		v = &cp
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *memorySubscriber) {
			defer wg.Done()
			p := &memoryEvent{
				topic:   t,
				message: v,
				opts:    b.opts,
			}
			if err := sub.handler(ctx, p); err != nil {
				p.err = err
				if eh := b.opts.ErrorHandler; eh != nil {
					eh(ctx, p)
				}
			}
		}(sub)
	}
	wg.Wait()
	return nil
}

func (b *memoryBroker) Subscribe(t string, handler Handler, opts ...SubscribeOption) (Subscriber, error) {
	options := NewSubscribeOptions(opts...)

	pattern, err := topic.Parse(t)
	if err != nil {
		return nil, err
	}

	sub := &memorySubscriber{
		id:      uuid.New().String(),
		topic:   t,
		pattern: pattern,
		handler: handler,
		opts:    options,
		broker:  b,
	}

	b.Lock()
	if !b.running {
		b.Unlock()
		return nil, ErrNotConnected
	}
	b.subs[sub.id] = sub
	b.hub.add(b.opts.Namespace, sub)
	b.Unlock()

	return sub, nil
}

func (b *memoryBroker) forget(id string) {
	b.Lock()
	delete(b.subs, id)
	b.Unlock()
}
