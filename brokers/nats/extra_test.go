package nats

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"github.com/qvcloud/replier/broker"
)

func TestNATS_Event_Nack(t *testing.T) {
	mockMsg := &nats.Msg{}
	e := &natsEvent{
		topic:   "test",
		message: &broker.Message{Body: []byte("test")},
		nm:      mockMsg,
	}

	assert.Error(t, e.Nack(true))
	assert.Error(t, e.Nack(false))
	assert.Equal(t, "test", e.Topic())
}

func TestNATS_Options_NilContext(t *testing.T) {
	o := &broker.Options{}
	WithMaxReconnect(5)(o)
	assert.NotNil(t, o.Context)

	o = &broker.Options{}
	WithReconnectWait(time.Second)(o)
	assert.NotNil(t, o.Context)

	po := &broker.PublishOptions{}
	WithReplyTo("reply")(po)
	assert.NotNil(t, po.Context)
}

func TestNATS_Subscriber_Unsubscribe(t *testing.T) {
	sub := &natsSubscriber{
		topic:  "test",
		cancel: func() {},
	}

	err := sub.Unsubscribe()
	assert.NoError(t, err)

	sub.sub = &nats.Subscription{}
	err = sub.Unsubscribe()
	assert.Error(t, err)

	called := false
	sub.cancel = func() { called = true }
	sub.sub = nil
	sub.Unsubscribe()
	assert.True(t, called)
}

func TestNATS_Subscriber_Methods(t *testing.T) {
	sub := &natsSubscriber{
		topic: "test",
		opts:  broker.SubscribeOptions{Queue: "test-queue"},
	}
	assert.Equal(t, "test", sub.Topic())
	assert.Equal(t, "test-queue", sub.Options().Queue)
}

func TestNATS_NewBroker_WithOptions(t *testing.T) {
	b := NewBroker(broker.Addrs("localhost:4222"))
	assert.NotNil(t, b)
	assert.Equal(t, "localhost:4222", b.Address())
}

func TestNATS_Connect_TLS(t *testing.T) {
	b := NewBroker(
		broker.Addrs("localhost:4222"),
		broker.TLSConfig(&tls.Config{ServerName: "nats.local"}),
	).(*natsBroker)

	b.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
		return &mockNatsConn{}, nil
	}

	err := b.Connect()
	assert.NoError(t, err)
}

func TestNATS_Subscribe_PrefixLevelFiltered(t *testing.T) {
	b := NewBroker().(*natsBroker)
	mock := &mockNatsConn{}
	b.conn = mock
	b.running = true

	var subject string
	var capturedHandler nats.MsgHandler
	mock.subscribeFunc = func(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
		subject = subj
		capturedHandler = cb
		return &nats.Subscription{}, nil
	}

	var seen []string
	handler := func(_ context.Context, e broker.Event) error {
		seen = append(seen, e.Topic())
		return nil
	}

	_, err := b.Subscribe("#P2P/*/#rest*/>", handler, broker.DisableAutoAck())
	assert.NoError(t, err)
	assert.Equal(t, "#P2P.*.*.>", subject)

	capturedHandler(&nats.Msg{Subject: "#P2P.node1.#restAccounts.get"})
	capturedHandler(&nats.Msg{Subject: "#P2P.node1.#soap.get"})
	assert.Equal(t, []string{"#P2P/node1/#restAccounts/get"}, seen)
}

func TestNATS_Subscribe_HandlerError(t *testing.T) {
	handlerErr := errors.New("handler failed")
	var reported error

	b := NewBroker(broker.ErrorHandler(func(_ context.Context, e broker.Event) error {
		reported = e.Error()
		return nil
	})).(*natsBroker)
	mock := &mockNatsConn{}
	b.conn = mock

	var capturedHandler nats.MsgHandler
	mock.subscribeFunc = func(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
		capturedHandler = cb
		return &nats.Subscription{}, nil
	}

	_, err := b.Subscribe("jobs/>", func(context.Context, broker.Event) error { return handlerErr })
	assert.NoError(t, err)

	capturedHandler(&nats.Msg{Subject: "jobs.run"})
	assert.ErrorIs(t, reported, handlerErr)
}
