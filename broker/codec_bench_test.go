package broker

import (
	"testing"
)

func benchMessage() *Message {
	return &Message{
		ID:      "msg-1",
		Header:  map[string]string{"Correlation-Id": "req-1"},
		Body:    []byte("Sample response"),
		ReplyTo: "replies/42",
	}
}

func BenchmarkJsonMarshaler_Payload(b *testing.B) {
	m := JsonMarshaler{}
	payload := []byte("Sample response")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Marshal(payload)
	}
}

func BenchmarkEncodeEnvelope(b *testing.B) {
	msg := benchMessage()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = EncodeEnvelope(JsonMarshaler{}, msg)
	}
}

func BenchmarkDecodeEnvelope(b *testing.B) {
	data, err := EncodeEnvelope(nil, benchMessage())
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = DecodeEnvelope(nil, data)
	}
}
