package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/installmgr/pkg/config"
)

func newMetricsCommand() *cobra.Command {
	var (
		listen   string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve installation metrics for Prometheus",
		Long: `Serve the Prometheus endpoint and detect the installation periodically,
so detection and probe outcomes are exported until interrupted.`,
		Example: `  # Serve on the configured address, detecting every minute
  imctl metrics

  # Serve on another address
  imctl metrics --listen :9191 --interval 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("interval must be positive")
			}
			enable := func(cfg *config.AppConfig) {
				cfg.Metrics.Enabled = true
				if listen != "" {
					cfg.Metrics.ListenAddress = listen
				}
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.tel.Metrics.StartMetricsServer(ctx, a.logger); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}

				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					state := a.orch.InstalledState(ctx)
					a.logger.Debug().Str("state", state.String()).Msg("Installation detected")

					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			}, enable)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "detection interval")

	return cmd
}
