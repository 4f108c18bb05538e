package brokers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvcloud/replier/broker"
)

func TestNew(t *testing.T) {
	for _, name := range []string{"nats", "rabbitmq", "mqtt", "kafka", "rocketmq", "redis", "memory"} {
		b, err := New(name, broker.Addrs("localhost:1234"))
		require.NoError(t, err, name)
		assert.Equal(t, name, b.String())
		assert.Equal(t, "localhost:1234", b.Address())
	}
}

func TestNew_Unknown(t *testing.T) {
	_, err := New("carrier-pigeon")
	assert.ErrorContains(t, err, `unknown transport "carrier-pigeon"`)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"kafka", "memory", "mqtt", "nats", "rabbitmq", "redis", "rocketmq"}, Names())
}
