// Package config loads the replier configuration.
//
// Values are resolved in this order, later sources winning:
// built-in defaults, the YAML file, REPLIER_* environment variables and
// finally command-line flags (applied by the caller before Validate).
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qvcloud/replier/client"
	"github.com/qvcloud/replier/topic"
)

// Transports lists the accepted values of broker.transport.
var Transports = []string{"nats", "rabbitmq", "mqtt", "kafka", "rocketmq", "redis", "memory"}

// Config is the root configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Responder ResponderConfig `yaml:"responder"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BrokerConfig selects the transport and how to reach it.
type BrokerConfig struct {
	Transport                      string `yaml:"transport"`
	Host                           string `yaml:"host"`
	Namespace                      string `yaml:"namespace"`
	Username                       string `yaml:"username"`
	Password                       string `yaml:"password"`
	ClientID                       string `yaml:"client_id"`
	TolerateDuplicateSubscriptions bool   `yaml:"tolerate_duplicate_subscriptions"`
}

// DispatchConfig sizes the session queues.
type DispatchConfig struct {
	InboundQueueSize int           `yaml:"inbound_queue_size"`
	PublishQueueSize int           `yaml:"publish_queue_size"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`
}

// ResponderConfig drives the respond command.
type ResponderConfig struct {
	RequestPattern string `yaml:"request_pattern"`
	ReplyText      string `yaml:"reply_text"`
	// NotificationTopic may contain "{id}". Empty disables the side-effect.
	NotificationTopic string `yaml:"notification_topic"`
}

// AnalyticsConfig drives the analytics command.
type AnalyticsConfig struct {
	Patterns []string `yaml:"patterns"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path skips the file. The result is not validated so that flags
// can still be applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration: a local NATS server with the
// account-verification topics.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Transport:                      "nats",
			Host:                           "nats://localhost:4222",
			Namespace:                      "default",
			Username:                       "default",
			Password:                       "default",
			TolerateDuplicateSubscriptions: true,
		},
		Dispatch: DispatchConfig{
			InboundQueueSize: client.DefaultInboundQueueSize,
			PublishQueueSize: client.DefaultPublishQueueSize,
			PublishTimeout:   client.DefaultPublishTimeout,
			CloseTimeout:     10 * time.Second,
		},
		Responder: ResponderConfig{
			RequestPattern:    "*/ave/v1/account/verify/external/*",
			ReplyText:         "Sample response",
			NotificationTopic: "ave/v1/account/verify/external/{id}/unverified",
		},
		Analytics: AnalyticsConfig{
			Patterns: []string{"*/ave/>", "ave/>", "#P2P/*/#rest*/>"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// applyEnvOverrides applies REPLIER_* variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("REPLIER_TRANSPORT"); v != "" {
		cfg.Broker.Transport = v
	}
	if v := os.Getenv("REPLIER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("REPLIER_NAMESPACE"); v != "" {
		cfg.Broker.Namespace = v
	}
	if v := os.Getenv("REPLIER_USERNAME"); v != "" {
		cfg.Broker.Username = v
	}
	if v := os.Getenv("REPLIER_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}
	if v := os.Getenv("REPLIER_CLIENT_ID"); v != "" {
		cfg.Broker.ClientID = v
	}
	if v := os.Getenv("REPLIER_TOLERATE_DUPLICATES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REPLIER_TOLERATE_DUPLICATES: %w", err)
		}
		cfg.Broker.TolerateDuplicateSubscriptions = b
	}
	if v := os.Getenv("REPLIER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REPLIER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(Transports, c.Broker.Transport) {
		errs = append(errs, fmt.Sprintf("broker.transport must be one of %s", strings.Join(Transports, ", ")))
	}
	if err := c.Session().Validate(); err != nil {
		msg := strings.TrimPrefix(err.Error(), client.ErrInvalidConfig.Error()+": ")
		errs = append(errs, "broker: "+strings.ReplaceAll(msg, "\n", "; "))
	}

	if c.Dispatch.InboundQueueSize < 1 {
		errs = append(errs, "dispatch.inbound_queue_size must be positive")
	}
	if c.Dispatch.PublishQueueSize < 1 {
		errs = append(errs, "dispatch.publish_queue_size must be positive")
	}
	if c.Dispatch.PublishTimeout <= 0 {
		errs = append(errs, "dispatch.publish_timeout must be positive")
	}
	if c.Dispatch.CloseTimeout <= 0 {
		errs = append(errs, "dispatch.close_timeout must be positive")
	}

	if _, err := topic.Parse(c.Responder.RequestPattern); err != nil {
		errs = append(errs, fmt.Sprintf("responder.request_pattern: %v", err))
	}
	if t := c.Responder.NotificationTopic; t != "" {
		if err := topic.ValidateTopic(strings.ReplaceAll(t, "{id}", "id")); err != nil {
			errs = append(errs, fmt.Sprintf("responder.notification_topic: %v", err))
		}
	}

	if len(c.Analytics.Patterns) == 0 {
		errs = append(errs, "analytics.patterns must not be empty")
	}
	for _, p := range c.Analytics.Patterns {
		if _, err := topic.Parse(p); err != nil {
			errs = append(errs, fmt.Sprintf("analytics.patterns: %v", err))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "logging.level must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}
	switch strings.ToLower(c.Logging.Output) {
	case "", "stdout", "stderr":
	default:
		errs = append(errs, "logging.output must be stdout or stderr")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Session returns the client.Config for the broker section.
func (c *Config) Session() client.Config {
	return client.Config{
		Host:                           c.Broker.Host,
		Namespace:                      c.Broker.Namespace,
		Username:                       c.Broker.Username,
		Password:                       c.Broker.Password,
		ClientID:                       c.Broker.ClientID,
		TolerateDuplicateSubscriptions: c.Broker.TolerateDuplicateSubscriptions,
	}
}

// SessionOptions returns the client options for the dispatch section.
func (c *Config) SessionOptions() []client.Option {
	return []client.Option{
		client.WithInboundQueueSize(c.Dispatch.InboundQueueSize),
		client.WithPublishQueueSize(c.Dispatch.PublishQueueSize),
		client.WithPublishTimeout(c.Dispatch.PublishTimeout),
	}
}
