package responder

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvcloud/replier/client"
)

type call struct {
	kind string
	msg  client.OutboundMessage
}

type mockPublisher struct {
	calls      []call
	publishErr error
	replyErr   error
}

func (m *mockPublisher) Publish(ctx context.Context, msg client.OutboundMessage) (string, error) {
	m.calls = append(m.calls, call{kind: "publish", msg: msg})
	return "side-id", m.publishErr
}

func (m *mockPublisher) SendReply(ctx context.Context, orig client.InboundMessage, reply client.OutboundMessage) (string, error) {
	if !orig.HasReplyDestination() {
		return "", client.ErrNoReplyDestination
	}
	reply.Destination = orig.ReplyDestination
	m.calls = append(m.calls, call{kind: "reply", msg: reply})
	return "reply-id", m.replyErr
}

func request() client.InboundMessage {
	return client.InboundMessage{
		ID:               "req-1",
		Destination:      "svc/ave/v1/account/verify/external/12345",
		ReplyDestination: "replies/12345",
	}
}

func TestOnMessage_SideEffectThenReply(t *testing.T) {
	pub := &mockPublisher{}
	r := New(pub, StaticPolicy{NotificationTopic: "ave/v1/account/verify/external/{id}/unverified"}, nil)

	r.OnMessage(context.Background(), request())

	require.Len(t, pub.calls, 2)
	assert.Equal(t, "publish", pub.calls[0].kind)
	assert.Equal(t, "ave/v1/account/verify/external/12345/unverified", pub.calls[0].msg.Destination)
	assert.Equal(t, []byte(DefaultReplyText), pub.calls[0].msg.Payload)

	assert.Equal(t, "reply", pub.calls[1].kind)
	assert.Equal(t, "replies/12345", pub.calls[1].msg.Destination)
	assert.Equal(t, []byte(DefaultReplyText), pub.calls[1].msg.Payload)
}

func TestOnMessage_ReplyDespiteSideEffectFailure(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	pub := &mockPublisher{publishErr: errors.New("queue gone")}
	r := New(pub, StaticPolicy{NotificationTopic: "alerts/{id}"}, log)

	r.OnMessage(context.Background(), request())

	require.Len(t, pub.calls, 2)
	assert.Equal(t, "reply", pub.calls[1].kind)
	assert.Contains(t, buf.String(), "side-effect publish failed")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestOnMessage_NoReplyDestination(t *testing.T) {
	var buf bytes.Buffer
	pub := &mockPublisher{}
	r := New(pub, StaticPolicy{NotificationTopic: "alerts/{id}"}, slog.New(slog.NewTextHandler(&buf, nil)))

	req := request()
	req.ReplyDestination = ""
	r.OnMessage(context.Background(), req)

	assert.Empty(t, pub.calls)
	assert.Contains(t, buf.String(), "received message without reply destination")
}

func TestOnMessage_ReplyError(t *testing.T) {
	var buf bytes.Buffer
	pub := &mockPublisher{replyErr: client.ErrSessionClosed}
	r := New(pub, StaticPolicy{}, slog.New(slog.NewTextHandler(&buf, nil)))

	r.OnMessage(context.Background(), request())

	require.Len(t, pub.calls, 1)
	assert.Contains(t, buf.String(), "error sending reply")
}

func TestStaticPolicy(t *testing.T) {
	req := request()

	p := StaticPolicy{ReplyText: "verified"}
	assert.Equal(t, []byte("verified"), p.Reply(req).Payload)
	_, ok := p.SideEffect(req, p.Reply(req))
	assert.False(t, ok)

	p.NotificationTopic = "ave/v1/account/verify/external/{id}/unverified"
	p.Notify = func(m client.InboundMessage) bool { return m.ID != "skip" }

	side, ok := p.SideEffect(req, p.Reply(req))
	require.True(t, ok)
	assert.Equal(t, "ave/v1/account/verify/external/12345/unverified", side.Destination)
	assert.Equal(t, []byte("verified"), side.Payload)

	req.ID = "skip"
	_, ok = p.SideEffect(req, p.Reply(req))
	assert.False(t, ok)
}

func TestNotificationTopic(t *testing.T) {
	assert.Equal(t, "a/42/b", NotificationTopic("a/{id}/b", "42"))
	assert.Equal(t, "fixed", NotificationTopic("fixed", "42"))
}

func TestStaticPolicy_RequestID(t *testing.T) {
	cases := []struct {
		pattern     string
		destination string
		want        string
	}{
		{"orders/*/created", "orders/42/created", "alerts/42/unverified"},
		{"*/ave/v1/account/verify/external/*", "svc/ave/v1/account/verify/external/12345", "alerts/12345/unverified"},
		{"orders/*/>", "orders/7/created/eu", "alerts/7/unverified"},
		{"orders/>", "orders/7/created", "alerts/created/unverified"},
		{"", "orders/42/created", "alerts/created/unverified"},
		{"invoices/*/paid", "orders/42/created", "alerts/created/unverified"},
	}

	for _, tc := range cases {
		p := StaticPolicy{NotificationTopic: "alerts/{id}/unverified", RequestPattern: tc.pattern}
		req := client.InboundMessage{Destination: tc.destination, ReplyDestination: "replies/1"}
		side, ok := p.SideEffect(req, p.Reply(req))
		require.True(t, ok)
		assert.Equal(t, tc.want, side.Destination, "%s ~ %s", tc.pattern, tc.destination)
	}
}

func TestOutcomeLogger(t *testing.T) {
	var buf bytes.Buffer
	l := OutcomeLogger{Log: slog.New(slog.NewTextHandler(&buf, nil))}

	l.OnOutcome(client.PublishOutcome{MessageID: "m-1", Destination: "a", Timestamp: time.Now()})
	assert.Contains(t, buf.String(), "producer received response")
	assert.Contains(t, buf.String(), "id=m-1")

	buf.Reset()
	l.OnOutcome(client.PublishOutcome{
		MessageID: "m-2",
		Err:       &client.PublishError{MessageID: "m-2", Cause: errors.New("nack")},
	})
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "producer received error")
	assert.Contains(t, buf.String(), "nack")
}
