package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/installmgr/pkg/config"
	"github.com/openfroyo/installmgr/pkg/engine"
	"github.com/openfroyo/installmgr/pkg/probe"
	"github.com/openfroyo/installmgr/pkg/runner"
	"github.com/openfroyo/installmgr/pkg/stores"
	"github.com/openfroyo/installmgr/pkg/telemetry"
	"github.com/openfroyo/installmgr/pkg/transports/ssh"
)

const defaultConfigHint = config.DefaultAppConfigPath

// app holds the components shared by every command.
type app struct {
	cfg    *config.AppConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	reader *config.Reader
	prober *probe.Prober
	orch   *engine.Orchestrator
	store  *stores.SQLiteStore
}

// loadAppConfig reads --config, or the default path when it exists.
func loadAppConfig() (*config.AppConfig, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultAppConfigPath); err != nil {
			return config.DefaultAppConfig(), nil
		}
		path = config.DefaultAppConfigPath
	}
	return config.LoadAppConfig(path)
}

func newApp(ctx context.Context, overrides ...func(*config.AppConfig)) (*app, context.Context, error) {
	cfg, err := loadAppConfig()
	if err != nil {
		return nil, ctx, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	for _, override := range overrides {
		override(cfg)
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry(buildVersion))
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	reader := config.NewReader(cfg.InstalledConfig, cfg.PuppetConf, logger)
	prober := probe.New(
		probe.WithTimeout(cfg.ProbeTimeout),
		probe.WithRecorder(tel.Metrics),
		probe.WithLogger(logger),
	)
	orch := engine.NewOrchestrator(
		engine.NewConfigDetector(reader, prober, logger),
		engine.WithObserver(tel.Metrics),
		engine.WithLogger(logger),
	)

	return &app{
		cfg:    cfg,
		tel:    tel,
		logger: logger,
		reader: reader,
		prober: prober,
		orch:   orch,
	}, tel.WithContext(ctx), nil
}

// withApp builds the app, runs fn inside an instrumented operation and
// releases everything afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error, overrides ...func(*config.AppConfig)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, ctx, err := newApp(ctx, overrides...)
	if err != nil {
		return err
	}
	defer a.close()

	op := telemetry.StartOperation(ctx, "imctl."+cmd.Name())
	err = fn(op.Ctx, a)
	op.End(err)
	return err
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close plan history")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// history opens the plan history on first use.
func (a *app) history(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	if a.cfg.StorePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.StorePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	store, err := stores.Open(ctx, stores.Config{Path: a.cfg.StorePath})
	if err != nil {
		return nil, fmt.Errorf("failed to open plan history %s: %w", a.cfg.StorePath, err)
	}
	a.store = store
	return store, nil
}

// recordPlan saves plan and an audit entry describing it.
func (a *app) recordPlan(ctx context.Context, plan engine.Plan) error {
	store, err := a.history(ctx)
	if err != nil {
		return err
	}
	if err := store.SavePlan(ctx, plan); err != nil {
		return err
	}
	details := fmt.Sprintf("topology=%s version=%s steps=%d", plan.Topology, plan.Version, len(plan.Steps))
	return store.CreateAuditEntry(ctx, &stores.AuditEntry{
		Action:   "plan." + string(plan.Operation),
		Actor:    currentActor(),
		TargetID: &plan.ID,
		Details:  &details,
	})
}

// audit records an action, logging instead of failing when history is unavailable.
func (a *app) audit(ctx context.Context, action, target, details string) {
	store, err := a.history(ctx)
	if err == nil {
		err = store.CreateAuditEntry(ctx, &stores.AuditEntry{
			Action:   action,
			Actor:    currentActor(),
			TargetID: &target,
			Details:  &details,
		})
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("action", action).Msg("Audit entry not recorded")
	}
}

// sshConfig converts the ssh section of the config.
func (a *app) sshConfig() *ssh.Config {
	s := a.cfg.SSH
	return &ssh.Config{
		Port:                  s.Port,
		User:                  s.User,
		AuthMethod:            ssh.AuthMethod(s.AuthMethod),
		PrivateKeyPath:        s.PrivateKeyPath,
		KnownHostsPath:        s.KnownHostsPath,
		StrictHostKeyChecking: s.StrictHostKeyChecking,
		ConnectTimeout:        s.ConnectTimeout,
		CommandTimeout:        s.CommandTimeout,
	}
}

// execute runs plan, opening SSH connections only when a step needs them.
func (a *app) execute(ctx context.Context, plan engine.Plan) (*runner.Report, error) {
	store, err := a.history(ctx)
	if err != nil {
		return nil, err
	}

	opts := []runner.Option{
		runner.WithHistory(store),
		runner.WithRecorder(a.tel.Metrics),
		runner.WithLogger(a.logger),
	}
	if needsRemote(plan) {
		pool, err := ssh.NewPool(a.sshConfig(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare SSH connections: %w", err)
		}
		defer func() {
			if err := pool.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("Failed to close SSH connections")
			}
		}()
		opts = append(opts, runner.WithRemoteExecutor(pool))
	}

	if plan.Operation.IsMutating() {
		a.logger.Warn().
			Str("plan_id", plan.ID).
			Str("operation", string(plan.Operation)).
			Msg("Executing plan that changes the installation")
	}

	report, err := runner.New(a.prober, opts...).Execute(ctx, plan)
	if report != nil {
		a.audit(context.WithoutCancel(ctx), "execution."+string(report.Status), report.ExecutionID,
			executionDetails(plan))
	}
	return report, err
}

// executionDetails summarises an executed plan for the audit log.
func executionDetails(plan engine.Plan) string {
	return fmt.Sprintf("plan=%s operation=%s mutating=%t", plan.ID, plan.Operation, plan.Operation.IsMutating())
}

// handlePlan records plan, then renders or executes it.
func (a *app) handlePlan(ctx context.Context, cmd *cobra.Command, plan engine.Plan, execute bool) error {
	if err := a.recordPlan(ctx, plan); err != nil {
		if execute {
			return err
		}
		planLogger := a.tel.Logger.WithPlanID(plan.ID).Zerolog()
		planLogger.Warn().Err(err).Msg("Plan not recorded in history")
	}

	out := cmd.OutOrStdout()
	if !execute {
		return renderPlan(out, plan)
	}

	report, err := a.execute(ctx, plan)
	if report != nil {
		if renderErr := renderReport(out, report); renderErr != nil {
			return errors.Join(err, renderErr)
		}
	}
	return err
}

func needsRemote(plan engine.Plan) bool {
	for _, s := range plan.Steps {
		if s.Kind.IsRemote() {
			return true
		}
	}
	return false
}

func currentActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "imctl"
}
