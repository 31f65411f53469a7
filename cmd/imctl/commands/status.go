package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/installmgr/pkg/config"
)

func newStatusCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the detected installation",
		Long: `Detect the installed artifact from the installed configuration and the
running server's status endpoint.

With --watch the detection is repeated whenever the installed configuration
or puppet.conf changes, until interrupted.`,
		Example: `  # Show what is installed
  imctl status

  # Follow configuration changes
  imctl status --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if err := renderState(out, a.orch.InstalledState(ctx)); err != nil {
					return err
				}
				if !watch {
					return nil
				}

				if err := a.tel.Metrics.StartMetricsServer(ctx, a.logger); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				watcher := config.NewWatcher(a.logger, config.DefaultDebounce)
				return watcher.Watch(ctx, a.reader.WatchedPaths(), func() {
					if err := renderState(out, a.orch.InstalledState(ctx)); err != nil {
						a.logger.Warn().Err(err).Msg("Failed to render state")
					}
				})
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-detect when the installed configuration changes")

	return cmd
}
