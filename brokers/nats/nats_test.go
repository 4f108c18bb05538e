package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvcloud/replier/broker"
)

// mockNatsConn implements natsConn interface
type mockNatsConn struct {
	publishFunc        func(m *nats.Msg) error
	subscribeFunc      func(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	queueSubscribeFunc func(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	closeCalled        bool
}

func (m *mockNatsConn) PublishMsg(msg *nats.Msg) error {
	if m.publishFunc != nil {
		return m.publishFunc(msg)
	}
	return nil
}

func (m *mockNatsConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if m.subscribeFunc != nil {
		return m.subscribeFunc(subj, cb)
	}
	return &nats.Subscription{}, nil
}

func (m *mockNatsConn) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if m.queueSubscribeFunc != nil {
		return m.queueSubscribeFunc(subj, queue, cb)
	}
	return &nats.Subscription{}, nil
}

func (m *mockNatsConn) Close() {
	m.closeCalled = true
}

func TestNATS_Basic(t *testing.T) {
	b := NewBroker().(*natsBroker)
	mock := &mockNatsConn{}

	err := b.Init(broker.Addrs("nats://localhost:4222"), broker.ClientID("test-client"))
	assert.NoError(t, err)

	assert.Equal(t, "nats", b.String())
	assert.Equal(t, "test-client", b.Options().ClientID)

	b.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
		return mock, nil
	}

	err = b.Connect()
	assert.NoError(t, err)
	assert.True(t, b.running)

	err = b.Disconnect()
	assert.NoError(t, err)
	assert.True(t, mock.closeCalled)
	assert.False(t, b.running)
}

func TestNATS_ConnectOptions(t *testing.T) {
	b := NewBroker(
		broker.Addrs("nats://localhost:4222"),
		broker.ClientID("replier-1"),
		broker.Auth("default", "secret"),
		broker.Namespace("default"),
	).(*natsBroker)

	var got nats.Options
	b.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
		assert.Equal(t, "nats://localhost:4222", addr)
		for _, o := range opts {
			require.NoError(t, o(&got))
		}
		return &mockNatsConn{}, nil
	}

	require.NoError(t, b.Connect())
	assert.Equal(t, "replier-1", got.Name)
	assert.Equal(t, "default", got.User)
	assert.Equal(t, "secret", got.Password)
	assert.NotNil(t, got.DisconnectedErrCB)
	assert.NotNil(t, got.ReconnectedCB)
	assert.NotNil(t, got.AsyncErrorCB)
}

func TestNATS_ConnectSeeds(t *testing.T) {
	b := NewBroker(broker.Addrs("nats://a:4222", "nats://b:4222")).(*natsBroker)

	var seen string
	b.newConn = func(addr string, _ ...nats.Option) (natsConn, error) {
		seen = addr
		return &mockNatsConn{}, nil
	}

	require.NoError(t, b.Connect())
	assert.Equal(t, "nats://a:4222,nats://b:4222", seen)
	assert.Equal(t, "nats://a:4222", b.Address())
}

func TestNATS_Publish(t *testing.T) {
	b := NewBroker().(*natsBroker)
	mock := &mockNatsConn{}
	b.conn = mock
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		mock.publishFunc = func(m *nats.Msg) error {
			assert.Equal(t, "orders.42.created", m.Subject)
			assert.Equal(t, []byte("hello"), m.Data)
			assert.Equal(t, "m-1", m.Header.Get(MsgIDHeader))
			assert.Equal(t, "replies.42", m.Reply)
			return nil
		}
		err := b.Publish(ctx, "orders/42/created", &broker.Message{
			ID:      "m-1",
			Body:    []byte("hello"),
			ReplyTo: "replies/42",
		})
		assert.NoError(t, err)
	})

	t.Run("Error", func(t *testing.T) {
		mock.publishFunc = func(m *nats.Msg) error {
			return errors.New("nats error")
		}
		err := b.Publish(ctx, "test-topic", &broker.Message{Body: []byte("fail")})
		assert.Error(t, err)
	})

	t.Run("Unrepresentable", func(t *testing.T) {
		mock.publishFunc = func(m *nats.Msg) error {
			t.Fatal("should not publish")
			return nil
		}
		assert.Error(t, b.Publish(ctx, "orders/v1.2", &broker.Message{}))
		assert.Error(t, b.Publish(ctx, "orders/*", &broker.Message{}))
	})

	t.Run("Options", func(t *testing.T) {
		trackCtx := broker.TrackOptions(context.Background())
		mock.publishFunc = func(m *nats.Msg) error {
			assert.Equal(t, "val", m.Header.Get("Custom-Header"))
			return nil
		}
		err := b.Publish(trackCtx, "test-topic", &broker.Message{
			Body:   []byte("msg"),
			Header: map[string]string{"Custom-Header": "val"},
		}, broker.PublishContext(trackCtx))
		assert.NoError(t, err)
	})
}

func TestNATS_Publish_NotConnected(t *testing.T) {
	b := NewBroker()
	err := b.Publish(context.Background(), "a/b", &broker.Message{})
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestNATS_Subscribe(t *testing.T) {
	b := NewBroker().(*natsBroker)
	mock := &mockNatsConn{}
	b.conn = mock

	t.Run("Simple_Subscribe", func(t *testing.T) {
		var capturedHandler nats.MsgHandler
		mock.subscribeFunc = func(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
			assert.Equal(t, "orders.*.created", subj)
			capturedHandler = cb
			return &nats.Subscription{}, nil
		}

		msgReceived := make(chan struct{})
		handler := func(ctx context.Context, p broker.Event) error {
			assert.Equal(t, "orders/7/created", p.Topic())
			assert.Equal(t, []byte("data"), p.Message().Body)
			assert.Equal(t, "m-7", p.Message().ID)
			assert.Equal(t, "_INBOX/abc", p.Message().ReplyTo)
			assert.NotContains(t, p.Message().Header, MsgIDHeader)
			close(msgReceived)
			return nil
		}

		sub, err := b.Subscribe("orders/*/created", handler)
		assert.NoError(t, err)
		assert.NotNil(t, sub)
		assert.Equal(t, "orders/*/created", sub.Topic())

		capturedHandler(&nats.Msg{
			Subject: "orders.7.created",
			Reply:   "_INBOX.abc",
			Header:  nats.Header{MsgIDHeader: []string{"m-7"}},
			Data:    []byte("data"),
		})

		select {
		case <-msgReceived:
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for message")
		}
	})

	t.Run("Prefix_Filter", func(t *testing.T) {
		var capturedHandler nats.MsgHandler
		mock.subscribeFunc = func(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
			assert.Equal(t, "#P2P.*.*.>", subj)
			capturedHandler = cb
			return &nats.Subscription{}, nil
		}

		var topics []string
		_, err := b.Subscribe("#P2P/*/#rest*/>", func(ctx context.Context, p broker.Event) error {
			topics = append(topics, p.Topic())
			return nil
		})
		require.NoError(t, err)

		capturedHandler(&nats.Msg{Subject: "#P2P.r1.#rest-v1.GET"})
		capturedHandler(&nats.Msg{Subject: "#P2P.r1.#soap.GET"})
		assert.Equal(t, []string{"#P2P/r1/#rest-v1/GET"}, topics)
	})

	t.Run("Queue_Subscribe", func(t *testing.T) {
		mock.queueSubscribeFunc = func(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
			assert.Equal(t, "test-topic", subj)
			assert.Equal(t, "test-group", queue)
			return &nats.Subscription{}, nil
		}

		sub, err := b.Subscribe("test-topic", func(ctx context.Context, p broker.Event) error { return nil }, broker.Queue("test-group"))
		assert.NoError(t, err)
		assert.NotNil(t, sub)
	})

	t.Run("Invalid_Pattern", func(t *testing.T) {
		_, err := b.Subscribe("a/>/b", func(ctx context.Context, p broker.Event) error { return nil })
		assert.Error(t, err)
	})

	t.Run("Subscribe_Error", func(t *testing.T) {
		mock.subscribeFunc = func(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
			return nil, errors.New("subscribe failed")
		}
		_, err := b.Subscribe("fail", func(ctx context.Context, p broker.Event) error { return nil })
		assert.Error(t, err)
	})
}

func TestNATS_Init_Failure(t *testing.T) {
	b := NewBroker(broker.Addrs("nats://localhost:4222"))

	b.(*natsBroker).newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
		return nil, errors.New("connection failed")
	}

	err := b.Connect()
	assert.Error(t, err)
}

func TestNATS_Event_Ack(t *testing.T) {
	e := &natsEvent{
		topic:   "test",
		message: &broker.Message{Body: []byte("test")},
	}
	assert.Equal(t, "test", e.Topic())
	assert.Equal(t, []byte("test"), e.Message().Body)
	assert.Nil(t, e.Error())
}

func TestNATS_More(t *testing.T) {
	t.Run("Address", func(t *testing.T) {
		b := NewBroker(broker.Addrs("addr1", "addr2"))
		assert.Equal(t, "addr1", b.Address())
		b2 := NewBroker()
		assert.Equal(t, "", b2.Address())
	})

	t.Run("Disconnect_NotRunning", func(t *testing.T) {
		b := NewBroker().(*natsBroker)
		assert.NoError(t, b.Disconnect())
	})

	t.Run("Connect_NoAddrs", func(t *testing.T) {
		b := NewBroker().(*natsBroker)
		assert.Error(t, b.Connect())
	})

	t.Run("Options_Context", func(t *testing.T) {
		b := NewBroker(
			broker.Addrs("localhost:4222"),
			WithMaxReconnect(10),
			WithReconnectWait(time.Second),
		).(*natsBroker)

		var got nats.Options
		b.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
			for _, o := range opts {
				require.NoError(t, o(&got))
			}
			return &mockNatsConn{}, nil
		}

		err := b.Connect()
		assert.NoError(t, err)
		assert.Equal(t, 10, got.MaxReconnect)
		assert.Equal(t, time.Second, got.ReconnectWait)
	})

	t.Run("Publish_ReplyTo", func(t *testing.T) {
		b := NewBroker().(*natsBroker)
		mock := &mockNatsConn{}
		b.conn = mock
		b.running = true

		mock.publishFunc = func(m *nats.Msg) error {
			assert.Equal(t, "reply-topic", m.Reply)
			return nil
		}

		err := b.Publish(context.Background(), "test", &broker.Message{Body: []byte("hi")}, WithReplyTo("reply-topic"))
		assert.NoError(t, err)
	})
}
