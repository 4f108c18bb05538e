package client

import (
	"fmt"
	"sort"

	"github.com/qvcloud/replier/middleware"
	"github.com/qvcloud/replier/topic"
)

// Subscribe registers pattern with the broker. Messages matching it are
// delivered to the consumer once StartConsuming is called; until the first
// call they are held, up to the inbound queue size, and the rest dropped.
// After StopConsuming nothing is held. Overlapping patterns each get their
// own delivery.
func (s *Session) Subscribe(pattern string) error {
	if err := s.ready(); err != nil {
		return err
	}

	p, err := topic.Parse(pattern)
	if err != nil {
		return &SubscriptionError{Pattern: pattern, Reason: InvalidPattern, Err: err}
	}
	key := p.String()

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if _, ok := s.subs[key]; ok {
		if s.cfg.TolerateDuplicateSubscriptions {
			s.log.Debug("pattern already subscribed", "pattern", key)
			return nil
		}
		return &SubscriptionError{Pattern: key, Reason: DuplicatePattern, Err: ErrDuplicatePattern}
	}

	// Close may have run while we waited for the lock.
	if err := s.ready(); err != nil {
		return err
	}

	h := middleware.OtelHandler(s.deliver,
		middleware.WithTracer(s.opts.tracer),
		middleware.WithMeter(s.opts.meter),
		middleware.WithSystem(s.transport.String()),
	)
	sub, err := s.transport.Subscribe(key, h, s.opts.subscribe...)
	if err != nil {
		return &SubscriptionError{Pattern: key, Reason: Rejected, Err: err}
	}
	s.subs[key] = sub

	s.log.Info("subscribed", "pattern", key)
	return nil
}

// Unsubscribe removes pattern. Removing a pattern that is not subscribed
// does nothing.
func (s *Session) Unsubscribe(pattern string) error {
	if err := s.ready(); err != nil {
		return err
	}

	p, err := topic.Parse(pattern)
	if err != nil {
		return &SubscriptionError{Pattern: pattern, Reason: InvalidPattern, Err: err}
	}
	key := p.String()

	s.subMu.Lock()
	sub, ok := s.subs[key]
	delete(s.subs, key)
	s.subMu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("client: unsubscribe %q: %w", key, err)
	}
	s.log.Info("unsubscribed", "pattern", key)
	return nil
}

// Subscriptions returns the active patterns in sorted order.
func (s *Session) Subscriptions() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	out := make([]string, 0, len(s.subs))
	for k := range s.subs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Session) SubscriptionCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}
