package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/openfroyo/installmgr/pkg/engine"
	"github.com/openfroyo/installmgr/pkg/runner"
	"github.com/openfroyo/installmgr/pkg/stores"
)

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderPlan(out io.Writer, plan engine.Plan) error {
	if jsonOutput {
		return printJSON(out, plan)
	}

	header := fmt.Sprintf("Plan %s: %s on %s", plan.ID, plan.Operation, plan.Topology)
	if plan.Version != "" {
		header += " (" + plan.Version + ")"
	}
	_, _ = fmt.Fprintln(out, color.New(color.Bold).Sprint(header))
	for _, s := range plan.Steps {
		_, _ = fmt.Fprintf(out, "  %2d. %s %s\n", s.Index+1, color.CyanString("[%s]", stepTarget(s)), s.Description)
	}
	_, _ = fmt.Fprintf(out, "%d steps. Run again with --execute to apply.\n", len(plan.Steps))
	return nil
}

func renderDescriptions(out io.Writer, descriptions []string) error {
	if jsonOutput {
		return printJSON(out, descriptions)
	}
	for i, d := range descriptions {
		_, _ = fmt.Fprintf(out, "%2d. %s\n", i+1, d)
	}
	return nil
}

type reportStep struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

type reportView struct {
	ExecutionID string       `json:"execution_id"`
	PlanID      string       `json:"plan_id"`
	Operation   string       `json:"operation"`
	Status      string       `json:"status"`
	DurationMS  int64        `json:"duration_ms"`
	Steps       []reportStep `json:"steps"`
}

func renderReport(out io.Writer, report *runner.Report) error {
	if jsonOutput {
		view := reportView{
			ExecutionID: report.ExecutionID,
			PlanID:      report.PlanID,
			Operation:   string(report.Operation),
			Status:      string(report.Status),
			DurationMS:  report.Duration().Milliseconds(),
		}
		for _, o := range report.Steps {
			rs := reportStep{
				Index:       o.Step.Index,
				Description: o.Step.Description,
				Status:      string(o.Status),
				Output:      o.Output,
				DurationMS:  o.Duration.Milliseconds(),
			}
			if o.Err != nil {
				rs.Error = o.Err.Error()
			}
			view.Steps = append(view.Steps, rs)
		}
		return printJSON(out, view)
	}

	for _, o := range report.Steps {
		line := fmt.Sprintf("%2d. %s", o.Step.Index+1, o.Step.Description)
		switch o.Status {
		case stores.StepStatusSucceeded:
			_, _ = fmt.Fprintf(out, "%s %s (%s)\n", color.GreenString("ok  "), line, o.Duration.Round(time.Millisecond))
		case stores.StepStatusFailed:
			_, _ = fmt.Fprintf(out, "%s %s: %v\n", color.RedString("FAIL"), line, o.Err)
			if o.Output != "" {
				_, _ = fmt.Fprintln(out, o.Output)
			}
		default:
			_, _ = fmt.Fprintf(out, "%s %s\n", color.YellowString("skip"), line)
		}
	}

	summary := fmt.Sprintf("Execution %s %s in %s", report.ExecutionID, report.Status, report.Duration().Round(time.Millisecond))
	if report.Status == stores.ExecutionStatusSucceeded {
		_, _ = fmt.Fprintln(out, color.GreenString(summary))
	} else {
		_, _ = fmt.Fprintln(out, color.RedString(summary))
	}
	return nil
}

func renderState(out io.Writer, state engine.InstalledState) error {
	if jsonOutput {
		view := struct {
			Installed bool   `json:"installed"`
			Topology  string `json:"topology,omitempty"`
			Version   string `json:"version,omitempty"`
		}{Installed: state.IsInstalled(), Topology: string(state.Topology())}
		if v := state.Version(); v != nil {
			view.Version = v.String()
		}
		return printJSON(out, view)
	}

	switch {
	case !state.IsInstalled():
		_, _ = fmt.Fprintf(out, "%s: %s\n", engine.ArtifactName, color.YellowString("not installed"))
	case !state.VersionKnown():
		_, _ = fmt.Fprintf(out, "%s: installed (%s), version %s\n", engine.ArtifactName, state.Topology(), color.YellowString("unknown"))
	default:
		_, _ = fmt.Fprintf(out, "%s: %s (%s)\n", engine.ArtifactName, color.GreenString(state.Version().String()), state.Topology())
	}
	return nil
}

func stepTarget(s engine.Step) string {
	switch {
	case s.Node != "":
		return s.Node
	case s.Kind == engine.StepKindWaitForVersion:
		return "wait"
	default:
		return "local"
	}
}
