package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/qvcloud/replier/internal/config"
	"github.com/qvcloud/replier/internal/logging"
)

// Version is set at build time with -ldflags "-X github.com/qvcloud/replier/cmd.Version=...".
var Version = "dev"

var (
	cfgFile string
	flags   overrides
)

// overrides holds the persistent flags that replace config values.
type overrides struct {
	transport string
	host      string
	namespace string
	username  string
	password  string
	clientID  string
	tolerate  bool
	logLevel  string
	logFormat string
}

var rootCmd = &cobra.Command{
	Use:   "replier",
	Short: "Topic-based request/reply client",
	Long: "replier connects to a publish/subscribe broker and either answers requests " +
		"on a topic pattern (respond) or observes traffic on several patterns (analytics).",
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	pf.StringVar(&flags.transport, "transport", "", "broker transport: nats, rabbitmq, mqtt, kafka, rocketmq, redis or memory")
	pf.StringVar(&flags.host, "host", "", "broker endpoint, comma separated for several")
	pf.StringVar(&flags.namespace, "namespace", "", "broker namespace (virtual host, message VPN)")
	pf.StringVar(&flags.username, "username", "", "broker username")
	pf.StringVar(&flags.password, "password", "", "broker password")
	pf.StringVar(&flags.clientID, "client-id", "", "client identifier")
	pf.BoolVar(&flags.tolerate, "tolerate-duplicates", true, "treat a repeated subscription as a no-op")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.logFormat, "log-format", "", "text or json")
}

// loadConfig resolves file, environment and flags, in that order, and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	pf := cmd.Root().PersistentFlags()
	set := func(name string, dst *string, v string) {
		if pf.Changed(name) {
			*dst = v
		}
	}
	set("transport", &cfg.Broker.Transport, flags.transport)
	set("host", &cfg.Broker.Host, flags.host)
	set("namespace", &cfg.Broker.Namespace, flags.namespace)
	set("username", &cfg.Broker.Username, flags.username)
	set("password", &cfg.Broker.Password, flags.password)
	set("client-id", &cfg.Broker.ClientID, flags.clientID)
	set("log-level", &cfg.Logging.Level, flags.logLevel)
	set("log-format", &cfg.Logging.Format, flags.logFormat)
	if pf.Changed("tolerate-duplicates") {
		cfg.Broker.TolerateDuplicateSubscriptions = flags.tolerate
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads the config and installs the process logger.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logging.New(cfg.Logging, Version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(log)
	return cfg, log, nil
}
