// Package brokers selects a transport adapter by name.
package brokers

import (
	"fmt"
	"sort"

	"github.com/qvcloud/replier/broker"
	"github.com/qvcloud/replier/brokers/kafka"
	"github.com/qvcloud/replier/brokers/mqtt"
	"github.com/qvcloud/replier/brokers/nats"
	"github.com/qvcloud/replier/brokers/rabbitmq"
	"github.com/qvcloud/replier/brokers/redis"
	"github.com/qvcloud/replier/brokers/rocketmq"
)

// Factory builds an unconnected broker.
type Factory func(opts ...broker.Option) broker.Broker

var factories = map[string]Factory{
	"nats":     nats.NewBroker,
	"rabbitmq": rabbitmq.NewBroker,
	"mqtt":     mqtt.NewBroker,
	"kafka":    kafka.NewBroker,
	"rocketmq": rocketmq.NewBroker,
	"redis":    redis.NewBroker,
	"memory":   broker.NewMemoryBroker,
}

// New returns the adapter registered under name.
func New(name string, opts ...broker.Option) (broker.Broker, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("brokers: unknown transport %q (have %v)", name, Names())
	}
	return f(opts...), nil
}

// Names lists the registered transports in sorted order.
func Names() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
