package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/installmgr/pkg/engine"
	"github.com/openfroyo/installmgr/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		operation string
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded plans",
		Long: `List the plans recorded in the plan history, newest first.

Every plan produced by install, update, backup and restore is recorded,
whether or not it was executed. Use 'history show' for a plan's steps and
executions and 'history audit' for the audit trail.`,
		Example: `  # List the last 20 plans
  imctl history

  # List update plans only
  imctl history --operation update --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *engine.Operation
			if operation != "" {
				op := engine.Operation(operation)
				if err := op.Validate(); err != nil {
					return err
				}
				filter = &op
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				store, err := a.history(ctx)
				if err != nil {
					return err
				}
				plans, err := store.ListPlans(ctx, filter, limit, offset)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, plans)
				}
				if len(plans) == 0 {
					_, _ = fmt.Fprintln(out, "No plans recorded.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tOPERATION\tTOPOLOGY\tVERSION\tSTEPS\tCREATED")
				for _, p := range plans {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
						p.ID, p.Operation, p.Topology, p.Version, p.StepCount, p.CreatedAt.Local().Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&operation, "operation", "", "only list plans of this operation")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum number of plans")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of plans to skip")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryAuditCommand())

	return cmd
}

type planHistory struct {
	Plan       *engine.Plan        `json:"plan"`
	Executions []*stores.Execution `json:"executions"`
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a recorded plan and its executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				store, err := a.history(ctx)
				if err != nil {
					return err
				}
				plan, err := store.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				summaries, err := store.ListExecutionsByPlan(ctx, plan.ID)
				if err != nil {
					return err
				}
				execs := make([]*stores.Execution, 0, len(summaries))
				for _, s := range summaries {
					exec, err := store.GetExecution(ctx, s.ID)
					if err != nil {
						return err
					}
					execs = append(execs, exec)
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, planHistory{Plan: plan, Executions: execs})
				}
				if err := renderPlan(out, *plan); err != nil {
					return err
				}
				for _, exec := range execs {
					_, _ = fmt.Fprintf(out, "\nExecution %s: %s, started %s\n", exec.ID, exec.Status, exec.StartedAt.Local().Format(time.RFC3339))
					if exec.Error != nil {
						_, _ = fmt.Fprintf(out, "  error: %s\n", *exec.Error)
					}
					for _, r := range exec.Steps {
						_, _ = fmt.Fprintf(out, "  %2d. %-9s %s\n", r.Index+1, r.Status, r.Description)
					}
				}
				return nil
			})
		},
	}
}

func newHistoryAuditCommand() *cobra.Command {
	var (
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit entries",
		Example: `  # Entries for every recorded plan
  imctl history audit --action 'plan.*'

  # Failed executions
  imctl history audit --action execution.failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				store, err := a.history(ctx)
				if err != nil {
					return err
				}
				var filter *string
				if action != "" {
					filter = &action
				}
				entries, err := store.ListAuditEntries(ctx, filter, limit, 0)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, entries)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET\tDETAILS")
				for _, e := range entries {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						e.Timestamp.Local().Format(time.RFC3339), e.Action, e.Actor, deref(e.TargetID), deref(e.Details))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only list this action; a trailing * matches a prefix")
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "maximum number of entries")

	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
