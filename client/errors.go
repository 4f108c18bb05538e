package client

import (
	"errors"
	"fmt"
	"time"
)

// Session errors. Use errors.Is to check for them.
var (
	// ErrNotConnected is returned when an operation needs a connected session.
	ErrNotConnected = errors.New("client: session not connected")

	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("client: session already connected")

	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("client: session closed")

	// ErrInvalidConfig marks a malformed Config. It is wrapped in a *ConnectionError.
	ErrInvalidConfig = errors.New("client: invalid config")

	// ErrDuplicatePattern is wrapped by a *SubscriptionError when a pattern is
	// subscribed twice without duplicate tolerance.
	ErrDuplicatePattern = errors.New("client: pattern already subscribed")

	// ErrNoReplyDestination is returned by SendReply for a message that
	// carries no reply destination.
	ErrNoReplyDestination = errors.New("client: message has no reply destination")

	// ErrInvalidDestination is returned by Publish for an empty or wildcard destination.
	ErrInvalidDestination = errors.New("client: invalid destination")

	// ErrPublishQueueFull is reported through OnOutcome when the publish queue
	// cannot take another message.
	ErrPublishQueueFull = errors.New("client: publish queue full")

	// ErrAlreadyConsuming is returned by a second StartConsuming.
	ErrAlreadyConsuming = errors.New("client: already consuming")
)

// ConnectionError reports a failed Connect.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("client: connect: %v", e.Err)
	}
	return fmt.Sprintf("client: connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionReason classifies a SubscriptionError.
type SubscriptionReason int

const (
	InvalidPattern SubscriptionReason = iota + 1
	DuplicatePattern
	Rejected
)

func (r SubscriptionReason) String() string {
	switch r {
	case InvalidPattern:
		return "invalid pattern"
	case DuplicatePattern:
		return "duplicate pattern"
	case Rejected:
		return "rejected by broker"
	}
	return "unknown"
}

// SubscriptionError reports a failed Subscribe.
type SubscriptionError struct {
	Pattern string
	Reason  SubscriptionReason
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("client: subscribe %q: %s: %v", e.Pattern, e.Reason, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// PublishError is the failure carried by a PublishOutcome.
type PublishError struct {
	MessageID string
	Cause     error
	Timestamp time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("client: publish %s: %v", e.MessageID, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }
