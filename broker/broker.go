// Package broker defines the transport contract the client speaks to a
// message broker, together with an in-process implementation.
package broker

import (
	"context"
)

// Broker is an interface used for asynchronous messaging.
type Broker interface {
	Init(...Option) error
	Options() Options
	Address() string
	Connect() error
	Disconnect() error
	Publish(ctx context.Context, topic string, msg *Message, opts ...PublishOption) error
	Subscribe(topic string, h Handler, opts ...SubscribeOption) (Subscriber, error)
	String() string
}

// Handler is used to process messages via a subscription of a topic.
type Handler func(context.Context, Event) error

// Message is a message send/received from the broker.
//
// Topics passed to and reported by a Broker are always in canonical '/' form;
// adapters translate to and from the broker's own syntax.
type Message struct {
	ID      string            `json:"id,omitempty"`
	Header  map[string]string `json:"header,omitempty"`
	Body    []byte            `json:"body"`
	ReplyTo string            `json:"reply_to,omitempty"`
}

// Event is given to a subscription handler for processing.
type Event interface {
	Topic() string
	Message() *Message
	Ack() error
	Nack(requeue bool) error
	Error() error
}

// Subscriber is a convenience return type for the Subscribe method.
type Subscriber interface {
	Options() SubscribeOptions
	Topic() string
	Unsubscribe() error
}

// Marshaler is a simple encoding interface.
type Marshaler interface {
	Marshal(interface{}) ([]byte, error)
	Unmarshal([]byte, interface{}) error
	String() string
}
