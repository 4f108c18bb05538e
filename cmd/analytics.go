package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qvcloud/replier/internal/app"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Log traffic on the configured observer patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("analytics listener initializing", "transport", cfg.Broker.Transport, "patterns", cfg.Analytics.Patterns)
		return app.RunAnalytics(ctx, cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(analyticsCmd)
}
