package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qvcloud/replier/internal/app"
)

var respondCmd = &cobra.Command{
	Use:   "respond",
	Short: "Answer requests on the configured request pattern",
	Long: "Subscribes to responder.request_pattern, replies to every request that carries a " +
		"reply destination and, when configured, first publishes a notification.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("responder initializing", "transport", cfg.Broker.Transport, "host", cfg.Broker.Host)
		return app.RunResponder(ctx, cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(respondCmd)
}
