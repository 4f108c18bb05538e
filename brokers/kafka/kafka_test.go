package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvcloud/replier/broker"
	"github.com/qvcloud/replier/topic"
)

type mockWriter struct {
	writeFunc func(ctx context.Context, msgs ...kafka.Message) error
	closeFunc func() error
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.writeFunc != nil {
		return m.writeFunc(ctx, msgs...)
	}
	return nil
}
func (m *mockWriter) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockReader struct {
	fetchFunc  func(ctx context.Context) (kafka.Message, error)
	commitFunc func(ctx context.Context, msgs ...kafka.Message) error
	closeFunc  func() error
}

func (m *mockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx)
	}
	return kafka.Message{}, nil
}
func (m *mockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.commitFunc != nil {
		return m.commitFunc(ctx, msgs...)
	}
	return nil
}
func (m *mockReader) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func TestKafka_Basic(t *testing.T) {
	b := NewBroker(broker.Addrs("127.0.0.1:9092"))
	assert.Equal(t, "127.0.0.1:9092", b.Address())
	assert.Equal(t, "kafka", b.String())

	err := b.Init()
	assert.NoError(t, err)
}

func TestKafka_Connect_Disconnect(t *testing.T) {
	b := NewBroker(broker.Addrs("127.0.0.1:9092"))
	k := b.(*kafkaBroker)

	closed := false
	k.newWriter = func(w *kafka.Writer) kafkaWriter {
		return &mockWriter{closeFunc: func() error { closed = true; return nil }}
	}

	err := b.Connect()
	assert.NoError(t, err)
	assert.True(t, k.running)

	err = b.Disconnect()
	assert.NoError(t, err)
	assert.False(t, k.running)
	assert.True(t, closed)
}

func TestKafka_Connect_NoAddrs(t *testing.T) {
	assert.Error(t, NewBroker().Connect())
}

func TestKafka_Connect_Credentials(t *testing.T) {
	b := NewBroker(
		broker.Addrs("127.0.0.1:9092"),
		broker.Auth("default", "secret"),
		broker.ClientID("replier-1"),
	)
	k := b.(*kafkaBroker)

	var captured *kafka.Writer
	k.newWriter = func(w *kafka.Writer) kafkaWriter {
		captured = w
		return &mockWriter{}
	}

	require.NoError(t, b.Connect())
	transport, ok := captured.Transport.(*kafka.Transport)
	require.True(t, ok)
	assert.Equal(t, "replier-1", transport.ClientID)
	assert.Equal(t, plain.Mechanism{Username: "default", Password: "secret"}, transport.SASL)
	assert.True(t, captured.AllowAutoTopicCreation)
}

func TestKafka_Publish(t *testing.T) {
	b := NewBroker(broker.Addrs("127.0.0.1:9092"))
	k := b.(*kafkaBroker)
	mockW := &mockWriter{}
	k.writer = mockW
	k.running = true

	t.Run("Success", func(t *testing.T) {
		var capturedMsgs []kafka.Message
		mockW.writeFunc = func(ctx context.Context, msgs ...kafka.Message) error {
			capturedMsgs = msgs
			return nil
		}

		msg := &broker.Message{
			ID:      "m-1",
			Header:  map[string]string{"H1": "V1"},
			Body:    []byte("hello"),
			ReplyTo: "replies/42",
		}
		err := b.Publish(context.Background(), "orders/42/created", msg, broker.WithShardingKey("42"))
		assert.NoError(t, err)
		require.Len(t, capturedMsgs, 1)
		got := capturedMsgs[0]
		assert.Equal(t, "orders.42.created", got.Topic)
		assert.Equal(t, []byte("hello"), got.Value)
		assert.Equal(t, []byte("42"), got.Key)

		headers := map[string]string{}
		for _, h := range got.Headers {
			headers[h.Key] = string(h.Value)
		}
		assert.Equal(t, "V1", headers["H1"])
		assert.Equal(t, "m-1", headers[HeaderMessageID])
		assert.Equal(t, "replies/42", headers[HeaderReplyTo])
	})

	t.Run("Failure", func(t *testing.T) {
		mockW.writeFunc = func(ctx context.Context, msgs ...kafka.Message) error {
			return fmt.Errorf("kafka error")
		}
		err := b.Publish(context.Background(), "test-topic", &broker.Message{Body: []byte("err")})
		assert.Error(t, err)
	})

	t.Run("Unrepresentable", func(t *testing.T) {
		err := b.Publish(context.Background(), "orders/v1.2", &broker.Message{})
		assert.ErrorIs(t, err, topic.ErrUnrepresentable)
	})
}

func TestKafka_Publish_Namespace(t *testing.T) {
	b := NewBroker(broker.Addrs("127.0.0.1:9092"), broker.Namespace("tenant"))
	k := b.(*kafkaBroker)
	var captured string
	k.writer = &mockWriter{writeFunc: func(ctx context.Context, msgs ...kafka.Message) error {
		captured = msgs[0].Topic
		return nil
	}}

	require.NoError(t, b.Publish(context.Background(), "a/b", &broker.Message{}))
	assert.Equal(t, "tenant.a.b", captured)
	assert.Equal(t, "a/b", k.canonical("tenant.a.b"))
}

func TestKafka_Publish_NotConnected(t *testing.T) {
	err := NewBroker().Publish(context.Background(), "a", &broker.Message{})
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestKafka_Subscribe(t *testing.T) {
	b := NewBroker(broker.Addrs("127.0.0.1:9092"))
	k := b.(*kafkaBroker)
	k.running = true
	k.ctx, k.cancel = context.WithCancel(context.Background())
	defer k.cancel()

	mockR := &mockReader{}
	var capturedCfg kafka.ReaderConfig
	k.newReader = func(cfg kafka.ReaderConfig) kafkaReader {
		capturedCfg = cfg
		return mockR
	}

	t.Run("FetchAndHandle", func(t *testing.T) {
		msgChan := make(chan struct{})
		mockR.fetchFunc = func(ctx context.Context) (kafka.Message, error) {
			select {
			case <-msgChan:
				return kafka.Message{
					Topic: "orders.7.created",
					Value: []byte("world"),
					Headers: []kafka.Header{
						{Key: "K1", Value: []byte("V1")},
						{Key: HeaderMessageID, Value: []byte("m-7")},
						{Key: HeaderReplyTo, Value: []byte("replies/7")},
					},
				}, nil
			case <-ctx.Done():
				return kafka.Message{}, ctx.Err()
			}
		}
		committed := make(chan struct{})
		mockR.commitFunc = func(ctx context.Context, msgs ...kafka.Message) error {
			close(committed)
			return nil
		}

		received := make(chan broker.Event, 1)
		sub, err := b.Subscribe("orders/7/created", func(ctx context.Context, event broker.Event) error {
			received <- event
			return nil
		}, broker.Queue("workers"))
		require.NoError(t, err)
		assert.Equal(t, "orders.7.created", capturedCfg.Topic)
		assert.Equal(t, "workers", capturedCfg.GroupID)

		msgChan <- struct{}{}
		select {
		case e := <-received:
			assert.Equal(t, "orders/7/created", e.Topic())
			assert.Equal(t, []byte("world"), e.Message().Body)
			assert.Equal(t, "V1", e.Message().Header["K1"])
			assert.Equal(t, "m-7", e.Message().ID)
			assert.Equal(t, "replies/7", e.Message().ReplyTo)
			assert.NotContains(t, e.Message().Header, HeaderReplyTo)
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}

		select {
		case <-committed:
		case <-time.After(time.Second):
			t.Fatal("offset not committed")
		}

		err = sub.Unsubscribe()
		assert.NoError(t, err)
		assert.NoError(t, sub.Unsubscribe())
	})

	t.Run("PrivateGroup", func(t *testing.T) {
		k.newReader = func(cfg kafka.ReaderConfig) kafkaReader {
			capturedCfg = cfg
			return &mockReader{fetchFunc: func(ctx context.Context) (kafka.Message, error) {
				<-ctx.Done()
				return kafka.Message{}, ctx.Err()
			}}
		}
		sub, err := b.Subscribe("a", func(ctx context.Context, event broker.Event) error { return nil })
		require.NoError(t, err)
		defer sub.Unsubscribe()
		assert.NotEmpty(t, capturedCfg.GroupID)
	})

	t.Run("WildcardRejected", func(t *testing.T) {
		_, err := b.Subscribe("orders/*/created", func(ctx context.Context, event broker.Event) error { return nil })
		assert.ErrorIs(t, err, topic.ErrWildcardUnsupported)
	})
}

func TestKafka_Subscribe_NotConnected(t *testing.T) {
	_, err := NewBroker().Subscribe("a", func(ctx context.Context, event broker.Event) error { return nil })
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestKafka_Options_Tracking(t *testing.T) {
	trackedCtx := broker.TrackOptions(context.Background())
	b := NewBroker(
		broker.Addrs("127.0.0.1:9092"),
		broker.WithContext(trackedCtx),
		WithBalancer(&kafka.Hash{}),
		WithBatchSize(100),
		WithAcks(1),
		WithMinBytes(1024),
		WithMaxBytes(1000000),
		WithOffset(kafka.FirstOffset),
	)
	k := b.(*kafkaBroker)

	var writer *kafka.Writer
	k.newWriter = func(w *kafka.Writer) kafkaWriter {
		writer = w
		return &mockWriter{}
	}
	var cfg kafka.ReaderConfig
	k.newReader = func(c kafka.ReaderConfig) kafkaReader {
		cfg = c
		return &mockReader{fetchFunc: func(ctx context.Context) (kafka.Message, error) {
			<-ctx.Done()
			return kafka.Message{}, ctx.Err()
		}}
	}

	err := b.Connect()
	require.NoError(t, err)
	defer b.Disconnect()

	assert.IsType(t, &kafka.Hash{}, writer.Balancer)
	assert.Equal(t, 100, writer.BatchSize)
	assert.Equal(t, kafka.RequireOne, writer.RequiredAcks)

	_, err = b.Subscribe("test", func(ctx context.Context, e broker.Event) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 1024, cfg.MinBytes)
	assert.Equal(t, 1000000, cfg.MaxBytes)
	assert.Equal(t, kafka.FirstOffset, cfg.StartOffset)
}

func TestKafka_Event_Methods(t *testing.T) {
	mockR := &mockReader{}
	event := &kafkaEvent{
		topic:   "test",
		message: &broker.Message{Body: []byte("test")},
		reader:  mockR,
		rawMsg:  kafka.Message{},
		ctx:     context.Background(),
	}

	assert.Equal(t, "test", event.Topic())
	assert.Equal(t, []byte("test"), event.Message().Body)
	assert.NoError(t, event.Error())

	t.Run("Ack", func(t *testing.T) {
		committed := false
		mockR.commitFunc = func(ctx context.Context, msgs ...kafka.Message) error {
			committed = true
			return nil
		}
		err := event.Ack()
		assert.NoError(t, err)
		assert.True(t, committed)
	})

	t.Run("Nack", func(t *testing.T) {
		err := event.Nack(true)
		assert.NoError(t, err)
	})
}
