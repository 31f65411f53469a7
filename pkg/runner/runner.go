// Package runner executes orchestrator plans. Steps run strictly in order
// and execution stops at the first failure; the remaining steps are
// reported as skipped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/installmgr/pkg/engine"
	"github.com/openfroyo/installmgr/pkg/stores"
	"github.com/openfroyo/installmgr/pkg/telemetry"
)

// DefaultPollInterval is the delay between probes of a wait_for_version step.
const DefaultPollInterval = 10 * time.Second

// LocalExecutor runs local_command steps.
type LocalExecutor interface {
	Run(ctx context.Context, command string) (string, error)
}

// RemoteExecutor runs remote_command and copy steps against nodes.
type RemoteExecutor interface {
	RunCommand(ctx context.Context, host, command string) (string, error)
	CopyTo(ctx context.Context, host, source, destination string) error
	CopyFrom(ctx context.Context, host, source, destination string) error
}

// History records executions. stores.SQLiteStore implements it.
type History interface {
	CreateExecution(ctx context.Context, exec *stores.Execution) error
	RecordStepResult(ctx context.Context, result *stores.StepResult) error
	CompleteExecution(ctx context.Context, id string, status stores.ExecutionStatus, errMsg *string) error
}

// Recorder receives execution metrics. telemetry.Metrics implements it.
type Recorder interface {
	RecordExecutionStarted()
	RecordStepExecution(kind, status string, duration time.Duration)
	RecordExecutionCompleted(operation, status string, duration time.Duration)
}

// StepError reports the step that stopped an execution.
type StepError struct {
	Index       int
	Description string
	Err         error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index+1, e.Description, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepOutcome is the result of one step.
type StepOutcome struct {
	Step     engine.Step
	Status   stores.StepStatus
	Output   string
	Err      error
	Duration time.Duration
}

// Report summarizes an execution.
type Report struct {
	ExecutionID string
	PlanID      string
	Operation   engine.Operation
	Status      stores.ExecutionStatus
	Steps       []StepOutcome
	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns the wall time of the execution.
func (r *Report) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Failed returns the outcome of the failed step, or nil.
func (r *Report) Failed() *StepOutcome {
	for i := range r.Steps {
		if r.Steps[i].Status == stores.StepStatusFailed {
			return &r.Steps[i]
		}
	}
	return nil
}

// Runner executes plans.
type Runner struct {
	local        LocalExecutor
	remote       RemoteExecutor
	prober       engine.VersionProber
	history      History
	recorder     Recorder
	logger       zerolog.Logger
	tracer       trace.Tracer
	pollInterval time.Duration
	now          func() time.Time
	newID        func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLocalExecutor replaces the shell executor used for local steps.
func WithLocalExecutor(local LocalExecutor) Option {
	return func(r *Runner) {
		r.local = local
	}
}

// WithRemoteExecutor sets the executor for remote and copy steps. Without
// one, plans containing such steps fail at the first of them.
func WithRemoteExecutor(remote RemoteExecutor) Option {
	return func(r *Runner) {
		r.remote = remote
	}
}

// WithHistory records executions and step results.
func WithHistory(history History) Option {
	return func(r *Runner) {
		r.history = history
	}
}

// WithRecorder reports execution metrics.
func WithRecorder(recorder Recorder) Option {
	return func(r *Runner) {
		r.recorder = recorder
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger.With().Str("component", "runner").Logger()
	}
}

// WithPollInterval sets the delay between version probes.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// New creates a Runner. The prober serves wait_for_version steps.
func New(prober engine.VersionProber, opts ...Option) *Runner {
	r := &Runner{
		local:        ShellExecutor{},
		prober:       prober,
		logger:       zerolog.Nop(),
		tracer:       otel.Tracer("installmgr/runner"),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs plan to completion or to its first failing step. The
// returned report is non-nil whenever execution started; the error is a
// *StepError for step failures.
func (r *Runner) Execute(ctx context.Context, plan engine.Plan) (*Report, error) {
	if err := engine.ValidatePlan(plan); err != nil {
		return nil, err
	}
	if plan.ID == "" {
		return nil, engine.NewPermanentError("plan has no id", nil).WithCode(engine.ErrCodeValidation)
	}

	report := &Report{
		ExecutionID: r.newID(),
		PlanID:      plan.ID,
		Operation:   plan.Operation,
		Status:      stores.ExecutionStatusRunning,
		StartedAt:   r.now(),
	}

	logger := r.logger.With().
		Str("plan_id", plan.ID).
		Str("execution_id", report.ExecutionID).
		Str("operation", string(plan.Operation)).
		Logger()

	ctx, span := r.tracer.Start(ctx, "plan.execute", trace.WithAttributes(
		telemetry.AttrPlanID.String(plan.ID),
		telemetry.AttrOperation.String(string(plan.Operation)),
		telemetry.AttrTopology.String(string(plan.Topology)),
		attribute.String("execution.id", report.ExecutionID),
	))
	defer span.End()

	if r.history != nil {
		err := r.history.CreateExecution(ctx, &stores.Execution{
			ID:        report.ExecutionID,
			PlanID:    plan.ID,
			Status:    stores.ExecutionStatusRunning,
			StartedAt: report.StartedAt,
		})
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("failed to record execution: %w", err)
		}
	}
	if r.recorder != nil {
		r.recorder.RecordExecutionStarted()
	}

	logger.Info().Int("steps", len(plan.Steps)).Msg("Executing plan")

	var runErr error
	for _, step := range plan.Steps {
		if runErr != nil {
			report.Steps = append(report.Steps, r.skip(ctx, report.ExecutionID, step))
			continue
		}

		outcome := r.runStep(ctx, logger, report.ExecutionID, step)
		report.Steps = append(report.Steps, outcome)
		if outcome.Err != nil {
			runErr = &StepError{Index: step.Index, Description: step.Description, Err: outcome.Err}
		}
	}

	report.CompletedAt = r.now()
	switch {
	case runErr == nil:
		report.Status = stores.ExecutionStatusSucceeded
	case ctx.Err() != nil:
		report.Status = stores.ExecutionStatusCancelled
	default:
		report.Status = stores.ExecutionStatusFailed
	}

	if r.history != nil {
		var msg *string
		if runErr != nil {
			s := runErr.Error()
			msg = &s
		}
		// The execution context may be cancelled; the outcome is still recorded.
		if err := r.history.CompleteExecution(context.WithoutCancel(ctx), report.ExecutionID, report.Status, msg); err != nil {
			logger.Error().Err(err).Msg("Failed to record execution outcome")
		}
	}
	if r.recorder != nil {
		r.recorder.RecordExecutionCompleted(string(plan.Operation), string(report.Status), report.Duration())
	}

	if runErr != nil {
		telemetry.RecordError(span, runErr)
		logger.Error().Err(runErr).Str("status", string(report.Status)).Dur("duration", report.Duration()).Msg("Plan execution failed")
		return report, runErr
	}

	telemetry.RecordSuccess(span)
	logger.Info().Dur("duration", report.Duration()).Msg("Plan executed")
	return report, nil
}

func (r *Runner) runStep(ctx context.Context, logger zerolog.Logger, executionID string, step engine.Step) StepOutcome {
	logger = logger.With().Int("step", step.Index+1).Str("kind", string(step.Kind)).Logger()
	if step.Node != "" {
		logger = logger.With().Str("node", step.Node).Logger()
	}

	ctx, span := r.tracer.Start(ctx, "step."+string(step.Kind), trace.WithAttributes(
		telemetry.AttrStepIndex.Int(step.Index),
		telemetry.AttrStepKind.String(string(step.Kind)),
		attribute.String("step.description", step.Description),
	))
	if step.Node != "" {
		span.SetAttributes(telemetry.AttrTargetHost.String(step.Node))
	}
	defer span.End()

	logger.Info().Msg(step.Description)

	started := r.now()
	var (
		output string
		err    error
	)
	if err = ctx.Err(); err == nil {
		output, err = r.dispatch(ctx, step)
	}
	completed := r.now()

	outcome := StepOutcome{
		Step:     step,
		Status:   stores.StepStatusSucceeded,
		Output:   output,
		Err:      err,
		Duration: completed.Sub(started),
	}
	if err != nil {
		outcome.Status = stores.StepStatusFailed
		telemetry.RecordError(span, err)
		logger.Error().Err(err).Str("output", output).Msg("Step failed")
	} else {
		telemetry.RecordSuccess(span)
		logger.Debug().Dur("duration", outcome.Duration).Msg("Step completed")
	}

	if r.recorder != nil {
		r.recorder.RecordStepExecution(string(step.Kind), string(outcome.Status), outcome.Duration)
	}
	r.record(ctx, executionID, outcome, &started, &completed)
	return outcome
}

func (r *Runner) dispatch(ctx context.Context, step engine.Step) (string, error) {
	switch step.Kind {
	case engine.StepKindLocalCommand:
		return r.local.Run(ctx, step.Command)

	case engine.StepKindRemoteCommand:
		if r.remote == nil {
			return "", errNoRemote
		}
		return r.remote.RunCommand(ctx, step.Node, step.Command)

	case engine.StepKindCopyToNode:
		if r.remote == nil {
			return "", errNoRemote
		}
		return "", r.remote.CopyTo(ctx, step.Node, step.Params[engine.ParamSource], step.Params[engine.ParamDestination])

	case engine.StepKindCopyFromNode:
		if r.remote == nil {
			return "", errNoRemote
		}
		return "", r.remote.CopyFrom(ctx, step.Node, step.Params[engine.ParamSource], step.Params[engine.ParamDestination])

	case engine.StepKindWaitForVersion:
		if r.prober == nil {
			return "", errors.New("no version prober configured")
		}
		return r.waitForVersion(ctx, step)

	default:
		return "", fmt.Errorf("unsupported step kind %q", step.Kind)
	}
}

var errNoRemote = errors.New("no remote executor configured")

func (r *Runner) skip(ctx context.Context, executionID string, step engine.Step) StepOutcome {
	outcome := StepOutcome{Step: step, Status: stores.StepStatusSkipped}
	if r.recorder != nil {
		r.recorder.RecordStepExecution(string(step.Kind), string(outcome.Status), 0)
	}
	r.record(ctx, executionID, outcome, nil, nil)
	return outcome
}

func (r *Runner) record(ctx context.Context, executionID string, outcome StepOutcome, started, completed *time.Time) {
	if r.history == nil {
		return
	}
	result := &stores.StepResult{
		ExecutionID: executionID,
		Index:       outcome.Step.Index,
		Kind:        outcome.Step.Kind,
		Description: outcome.Step.Description,
		Node:        outcome.Step.Node,
		Status:      outcome.Status,
		Output:      outcome.Output,
		StartedAt:   started,
		CompletedAt: completed,
	}
	if outcome.Err != nil {
		msg := outcome.Err.Error()
		result.Error = &msg
	}
	if err := r.history.RecordStepResult(context.WithoutCancel(ctx), result); err != nil {
		r.logger.Error().Err(err).Int("step", outcome.Step.Index+1).Msg("Failed to record step result")
	}
}
