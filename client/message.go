package client

import (
	"context"
	"time"
)

// CorrelationIDHeader carries the request's message ID on a reply.
const CorrelationIDHeader = "Correlation-Id"

// InboundMessage is a message delivered to a MessageHandler.
type InboundMessage struct {
	ID          string
	Destination string
	Payload     []byte
	Header      map[string]string
	// ReplyDestination is empty when the sender expects no reply.
	ReplyDestination string
}

// HasReplyDestination reports whether the sender asked for a reply.
func (m InboundMessage) HasReplyDestination() bool {
	return m.ReplyDestination != ""
}

// OutboundMessage is a message handed to Publish or SendReply. An empty ID is
// replaced with a generated one.
type OutboundMessage struct {
	ID               string
	Destination      string
	Payload          []byte
	Header           map[string]string
	ReplyDestination string
}

// PublishOutcome is the result of one publish attempt. Err is nil when the
// broker accepted the message and a *PublishError otherwise.
type PublishOutcome struct {
	MessageID   string
	Destination string
	Timestamp   time.Time
	Err         error
}

// Acked reports whether the broker accepted the message.
func (o PublishOutcome) Acked() bool {
	return o.Err == nil
}

// MessageHandler receives inbound messages. OnMessage is never called
// concurrently by one session.
type MessageHandler interface {
	OnMessage(ctx context.Context, msg InboundMessage)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg InboundMessage)

func (f MessageHandlerFunc) OnMessage(ctx context.Context, msg InboundMessage) {
	f(ctx, msg)
}

// OutcomeHandler receives the result of every publish.
type OutcomeHandler interface {
	OnOutcome(PublishOutcome)
}

type OutcomeHandlerFunc func(PublishOutcome)

func (f OutcomeHandlerFunc) OnOutcome(o PublishOutcome) {
	f(o)
}

// ErrorHandler receives delivery errors raised by the transport, such as
// payloads that cannot be decoded.
type ErrorHandler interface {
	OnError(err error)
}

type ErrorHandlerFunc func(err error)

func (f ErrorHandlerFunc) OnError(err error) {
	f(err)
}
