package broker

import (
	"encoding/json"
	"fmt"
)

type JsonMarshaler struct{}

func (j JsonMarshaler) Marshal(v any) ([]byte, error) {
	switch d := v.(type) {
	case []byte:
		return d, nil
	case string:
		return []byte(d), nil
	default:
		return json.Marshal(v)
	}
}

func (j JsonMarshaler) Unmarshal(d []byte, v any) error {
	return json.Unmarshal(d, v)
}

func (j JsonMarshaler) String() string {
	return "json"
}

// EncodeEnvelope packs the whole message, headers and reply-to included,
// into a single payload for brokers that only carry a body.
func EncodeEnvelope(c Marshaler, msg *Message) ([]byte, error) {
	if c == nil {
		c = JsonMarshaler{}
	}
	b, err := c.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("broker: encode envelope with %s: %w", c.String(), err)
	}
	return b, nil
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(c Marshaler, data []byte) (*Message, error) {
	if c == nil {
		c = JsonMarshaler{}
	}
	msg := &Message{}
	if err := c.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("broker: decode envelope with %s: %w", c.String(), err)
	}
	return msg, nil
}
