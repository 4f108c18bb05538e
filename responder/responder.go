// Package responder answers requests: for every inbound message that names a
// reply destination it optionally publishes a side-effect message and then
// always publishes a reply.
package responder

import (
	"context"
	"log/slog"
	"strings"

	"github.com/qvcloud/replier/client"
	"github.com/qvcloud/replier/topic"
)

const DefaultReplyText = "Sample response"

// Publisher is the part of a client.Session the responder needs.
type Publisher interface {
	Publish(ctx context.Context, msg client.OutboundMessage) (string, error)
	SendReply(ctx context.Context, original client.InboundMessage, reply client.OutboundMessage) (string, error)
}

// Policy decides what is sent for a request.
type Policy interface {
	// Reply builds the reply. Its destination is overwritten with the
	// request's reply destination.
	Reply(req client.InboundMessage) client.OutboundMessage
	// SideEffect returns a message to publish before the reply, if any.
	SideEffect(req client.InboundMessage, reply client.OutboundMessage) (client.OutboundMessage, bool)
}

// Responder implements client.MessageHandler.
type Responder struct {
	pub    Publisher
	policy Policy
	log    *slog.Logger
}

func New(pub Publisher, policy Policy, log *slog.Logger) *Responder {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Responder{
		pub:    pub,
		policy: policy,
		log:    log.With("component", "responder"),
	}
}

func (r *Responder) OnMessage(ctx context.Context, req client.InboundMessage) {
	log := r.log.With("id", req.ID, "destination", req.Destination)

	if !req.HasReplyDestination() {
		log.Info("received message without reply destination")
		return
	}
	log.Info("received request, generating response", "reply_to", req.ReplyDestination)

	reply := r.policy.Reply(req)

	if side, ok := r.policy.SideEffect(req, reply); ok {
		if id, err := r.pub.Publish(ctx, side); err != nil {
			log.Warn("side-effect publish failed", "topic", side.Destination, "err", err)
		} else {
			log.Debug("side-effect queued", "topic", side.Destination, "side_id", id)
		}
	}

	id, err := r.pub.SendReply(ctx, req, reply)
	if err != nil {
		log.Error("error sending reply", "err", err)
		return
	}
	log.Debug("reply queued", "reply_id", id)
}

// StaticPolicy replies with fixed text and, when NotificationTopic is set,
// sends the same text to it first.
type StaticPolicy struct {
	// ReplyText is the reply payload. Empty means DefaultReplyText.
	ReplyText string
	// NotificationTopic is the side-effect destination. Every "{id}" is
	// replaced with the request id, see RequestPattern.
	NotificationTopic string
	// RequestPattern is the pattern requests are subscribed with. The
	// request id is the level its last single-level wildcard matched.
	// Without it, or when it does not match, the id is the last level of
	// the request destination.
	RequestPattern string
	// Notify filters which requests get a side-effect. Nil means all.
	Notify func(req client.InboundMessage) bool
}

func (p StaticPolicy) Reply(req client.InboundMessage) client.OutboundMessage {
	text := p.ReplyText
	if text == "" {
		text = DefaultReplyText
	}
	return client.OutboundMessage{Payload: []byte(text)}
}

func (p StaticPolicy) SideEffect(req client.InboundMessage, reply client.OutboundMessage) (client.OutboundMessage, bool) {
	if p.NotificationTopic == "" {
		return client.OutboundMessage{}, false
	}
	if p.Notify != nil && !p.Notify(req) {
		return client.OutboundMessage{}, false
	}
	return client.OutboundMessage{
		Destination: NotificationTopic(p.NotificationTopic, p.requestID(req.Destination)),
		Payload:     reply.Payload,
	}, true
}

func (p StaticPolicy) requestID(destination string) string {
	if p.RequestPattern == "" {
		return topic.LastLevel(destination)
	}
	pat, err := topic.Parse(p.RequestPattern)
	if err != nil {
		return topic.LastLevel(destination)
	}
	captured, ok := pat.Captures(destination)
	levels := pat.Levels()
	if ok && levels[len(levels)-1] == topic.MultiLevel {
		captured = captured[:len(captured)-1]
	}
	if len(captured) == 0 {
		return topic.LastLevel(destination)
	}
	return captured[len(captured)-1]
}

// NotificationTopic expands every "{id}" in template.
func NotificationTopic(template, id string) string {
	return strings.ReplaceAll(template, "{id}", id)
}

// OutcomeLogger logs publish outcomes.
type OutcomeLogger struct {
	Log *slog.Logger
}

func (l OutcomeLogger) OnOutcome(o client.PublishOutcome) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	if o.Acked() {
		log.Info("producer received response", "id", o.MessageID, "destination", o.Destination)
		return
	}
	log.Error("producer received error",
		"id", o.MessageID,
		"destination", o.Destination,
		"timestamp", o.Timestamp,
		"err", o.Err,
	)
}
