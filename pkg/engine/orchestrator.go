package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/installmgr/pkg/version"
)

const tracerName = "installmgr/engine"

// Orchestrator detects the installed state, validates requests against it
// and dispatches to the strategy registered for the requested topology.
// It holds no mutable state: installed state is detected on every call and
// returned plans are owned by the caller.
type Orchestrator struct {
	detector   Detector
	strategies map[Topology]Strategy
	observer   Observer
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStrategy registers or replaces the strategy for a topology.
func WithStrategy(topology Topology, strategy Strategy) Option {
	return func(o *Orchestrator) {
		o.strategies[topology] = strategy
	}
}

// WithoutStrategy removes the strategy for a topology.
func WithoutStrategy(topology Topology) Option {
	return func(o *Orchestrator) {
		delete(o.strategies, topology)
	}
}

// WithObserver sets the observer notified of detections, plans and failures.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock overrides the clock used to stamp plans.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates an orchestrator using detector and the default
// strategy table.
func NewOrchestrator(detector Detector, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		detector:   detector,
		strategies: DefaultStrategies(),
		observer:   noopObserver{},
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()
	return o
}

// Artifact returns the name of the managed artifact.
func (o *Orchestrator) Artifact() string {
	return ArtifactName
}

// Priority returns the artifact's listing priority; lower sorts first.
func (o *Orchestrator) Priority() int {
	return ArtifactPriority
}

// StrategyFor returns the strategy registered for topology.
func (o *Orchestrator) StrategyFor(topology Topology) (Strategy, error) {
	s, ok := o.strategies[topology]
	if !ok || s == nil {
		return nil, newUnsupportedTopologyError(topology)
	}
	return s, nil
}

// Install plans a fresh installation. No detection is performed.
func (o *Orchestrator) Install(ctx context.Context, v version.Version, binariesPath string, opts InstallOptions) (Plan, error) {
	_, span := o.startSpan(ctx, OperationInstall, attribute.String("topology", string(opts.Topology())))
	defer span.End()

	strategy, err := o.StrategyFor(opts.Topology())
	if err != nil {
		return o.fail(span, OperationInstall, err)
	}
	plan, err := strategy.PlanInstall(v, binariesPath, opts)
	if err != nil {
		return o.fail(span, OperationInstall, err)
	}
	return o.finish(span, plan)
}

// Update plans an in-place update. The requested topology must match the
// detected one; an update never migrates between topologies.
func (o *Orchestrator) Update(ctx context.Context, v version.Version, binariesPath string, opts InstallOptions) (Plan, error) {
	ctx, span := o.startSpan(ctx, OperationUpdate, attribute.String("topology", string(opts.Topology())))
	defer span.End()

	state := o.detect(ctx)
	if !state.IsInstalled() || state.Topology() != opts.Topology() {
		return o.fail(span, OperationUpdate, newTopologyMismatchError(state, opts.Topology()))
	}

	strategy, err := o.StrategyFor(opts.Topology())
	if err != nil {
		return o.fail(span, OperationUpdate, err)
	}
	plan, err := strategy.PlanUpdate(v, binariesPath, opts)
	if err != nil {
		return o.fail(span, OperationUpdate, err)
	}
	return o.finish(span, plan)
}

// InstallInfo returns the step descriptions Install would produce.
func (o *Orchestrator) InstallInfo(ctx context.Context, v version.Version, binariesPath string, opts InstallOptions) ([]string, error) {
	plan, err := o.Install(ctx, v, binariesPath, opts)
	if err != nil {
		return nil, err
	}
	return plan.Descriptions(), nil
}

// UpdateInfo returns the step descriptions Update would produce, applying
// the same topology checks.
func (o *Orchestrator) UpdateInfo(ctx context.Context, v version.Version, binariesPath string, opts InstallOptions) ([]string, error) {
	plan, err := o.Update(ctx, v, binariesPath, opts)
	if err != nil {
		return nil, err
	}
	return plan.Descriptions(), nil
}

// Backup plans a backup of the detected installation. configRef supplies
// the installed configuration passed to the strategy. An empty
// ArtifactVersion is filled from the detected version.
func (o *Orchestrator) Backup(ctx context.Context, backup BackupConfig, configRef ConfigReader) (Plan, error) {
	return o.planData(ctx, OperationBackup, backup, configRef)
}

// Restore plans a restore of the detected installation from a backup.
func (o *Orchestrator) Restore(ctx context.Context, backup BackupConfig, configRef ConfigReader) (Plan, error) {
	return o.planData(ctx, OperationRestore, backup, configRef)
}

// InstalledVersion returns the installed version, or nil when nothing is
// installed or the version could not be determined.
func (o *Orchestrator) InstalledVersion(ctx context.Context) *version.Version {
	ctx, span := o.tracer.Start(ctx, "engine.installed_version")
	defer span.End()

	state := o.detect(ctx)
	span.SetAttributes(attribute.String("state", state.String()))
	return state.Version()
}

// InstalledState returns the detected installation state.
func (o *Orchestrator) InstalledState(ctx context.Context) InstalledState {
	return o.detect(ctx)
}

func (o *Orchestrator) planData(ctx context.Context, op Operation, backup BackupConfig, configRef ConfigReader) (Plan, error) {
	ctx, span := o.startSpan(ctx, op)
	defer span.End()

	state := o.detect(ctx)
	if !state.IsInstalled() {
		return o.fail(span, op, newNotInstalledError(op))
	}
	span.SetAttributes(attribute.String("topology", string(state.Topology())))
	if backup.ArtifactVersion == "" {
		if v := state.Version(); v != nil {
			backup.ArtifactVersion = v.String()
		}
	}

	strategy, err := o.StrategyFor(state.Topology())
	if err != nil {
		return o.fail(span, op, err)
	}
	if configRef == nil {
		return o.fail(span, op, NewPermanentError("no configuration reference", nil).
			WithCode(ErrCodeConfigUnavailable).WithOperation(op))
	}
	cfg, err := configRef.LoadInstalled(ctx)
	if err != nil {
		return o.fail(span, op, NewPermanentError("load installed configuration", err).
			WithCode(ErrCodeConfigUnavailable).WithOperation(op))
	}

	var plan Plan
	if op == OperationBackup {
		plan, err = strategy.PlanBackup(backup, cfg)
	} else {
		plan, err = strategy.PlanRestore(backup, cfg)
	}
	if err != nil {
		return o.fail(span, op, err)
	}
	return o.finish(span, plan)
}

func (o *Orchestrator) detect(ctx context.Context) InstalledState {
	state := o.detector.Detect(ctx)
	o.observer.InstallationDetected(state)
	o.logger.Debug().Str("state", state.String()).Msg("installation detected")
	return state
}

func (o *Orchestrator) startSpan(ctx context.Context, op Operation, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("operation", string(op)))
	return o.tracer.Start(ctx, "engine."+string(op), trace.WithAttributes(attrs...))
}

func (o *Orchestrator) finish(span trace.Span, plan Plan) (Plan, error) {
	if err := ValidatePlan(plan); err != nil {
		return o.fail(span, plan.Operation, NewPermanentError("strategy produced an invalid plan", err).
			WithCode(ErrCodeInternal).WithOperation(plan.Operation))
	}

	plan.ID = o.newID()
	plan.CreatedAt = o.now().UTC()

	span.SetAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.steps", len(plan.Steps)),
	)
	span.SetStatus(codes.Ok, "")
	o.observer.PlanGenerated(plan)
	o.logger.Info().
		Str("plan_id", plan.ID).
		Str("operation", string(plan.Operation)).
		Str("topology", string(plan.Topology)).
		Int("steps", len(plan.Steps)).
		Msg("plan generated")
	return plan, nil
}

func (o *Orchestrator) fail(span trace.Span, op Operation, err error) (Plan, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.observer.OperationFailed(op, err)
	o.logger.Warn().Err(err).Str("operation", string(op)).Msg("operation rejected")
	return Plan{}, err
}
