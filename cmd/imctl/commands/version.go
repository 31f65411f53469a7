package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the imctl and installed artifact versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				installed := a.orch.InstalledVersion(ctx)
				artifact := a.orch.Artifact()

				out := cmd.OutOrStdout()
				if jsonOutput {
					view := map[string]any{
						"imctl":    buildVersion,
						"artifact": artifact,
						"priority": a.orch.Priority(),
					}
					if installed != nil {
						view["installed"] = installed.String()
					}
					return printJSON(out, view)
				}

				_, _ = fmt.Fprintf(out, "imctl %s\n", buildVersion)
				if installed == nil {
					_, _ = fmt.Fprintf(out, "%s: no version detected (priority %d)\n", artifact, a.orch.Priority())
					return nil
				}
				_, _ = fmt.Fprintf(out, "%s %s (priority %d)\n", artifact, installed, a.orch.Priority())
				return nil
			})
		},
	}
}
