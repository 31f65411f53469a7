package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/installmgr/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection with foreign keys and WAL enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SavePlan records a plan produced by the orchestrator. Saving the same
// plan ID twice is an error.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan engine.Plan) error {
	if plan.ID == "" {
		return fmt.Errorf("plan has no id")
	}

	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode plan steps: %w", err)
	}

	createdAt := plan.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	query := `
		INSERT INTO plans (id, operation, topology, version, step_count, steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		plan.ID,
		string(plan.Operation),
		string(plan.Topology),
		plan.Version,
		len(plan.Steps),
		string(steps),
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}

	return nil
}

// GetPlan retrieves a recorded plan with its steps.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*engine.Plan, error) {
	query := `
		SELECT id, operation, topology, version, steps, created_at
		FROM plans
		WHERE id = ?
	`

	var (
		plan  engine.Plan
		steps string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&plan.ID,
		&plan.Operation,
		&plan.Topology,
		&plan.Version,
		&steps,
		&plan.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	if err := json.Unmarshal([]byte(steps), &plan.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode plan steps: %w", err)
	}

	return &plan, nil
}

// ListPlans lists recorded plans, newest first, optionally filtered by operation.
func (s *SQLiteStore) ListPlans(ctx context.Context, operation *engine.Operation, limit, offset int) ([]*PlanSummary, error) {
	query := `
		SELECT id, operation, topology, version, step_count, created_at
		FROM plans
		WHERE (? IS NULL OR operation = ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`

	var op any
	if operation != nil {
		op = string(*operation)
	}

	rows, err := s.db.QueryContext(ctx, query, op, op, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*PlanSummary{}
	for rows.Next() {
		p := &PlanSummary{}
		err := rows.Scan(
			&p.ID,
			&p.Operation,
			&p.Topology,
			&p.Version,
			&p.StepCount,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return plans, nil
}

// CreateExecution records the start of a plan execution.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.Status == "" {
		exec.Status = ExecutionStatusRunning
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = s.now()
	}

	query := `
		INSERT INTO executions (id, plan_id, status, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.PlanID,
		string(exec.Status),
		exec.StartedAt.UTC(),
		exec.CompletedAt,
		exec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// RecordStepResult stores the outcome of one step. Recording the same step
// of an execution again replaces the earlier result.
func (s *SQLiteStore) RecordStepResult(ctx context.Context, result *StepResult) error {
	query := `
		INSERT INTO step_results (
			execution_id, step_index, kind, description, node, status, output, error, started_at, completed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_index) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		result.ExecutionID,
		result.Index,
		string(result.Kind),
		result.Description,
		result.Node,
		string(result.Status),
		result.Output,
		result.Error,
		utcPtr(result.StartedAt),
		utcPtr(result.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record step result: %w", err)
	}

	return nil
}

// CompleteExecution marks an execution finished with a terminal status.
func (s *SQLiteStore) CompleteExecution(ctx context.Context, id string, status ExecutionStatus, errMsg *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("execution status %q is not terminal", status)
	}

	query := `
		UPDATE executions
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, string(status), errMsg, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}

	return nil
}

// GetExecution retrieves an execution with its step results in step order.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, plan_id, status, started_at, completed_at, error
		FROM executions
		WHERE id = ?
	`

	exec := &Execution{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&exec.ID,
		&exec.PlanID,
		&exec.Status,
		&exec.StartedAt,
		&exec.CompletedAt,
		&exec.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	exec.Steps, err = s.listStepResults(ctx, id)
	if err != nil {
		return nil, err
	}

	return exec, nil
}

func (s *SQLiteStore) listStepResults(ctx context.Context, executionID string) ([]*StepResult, error) {
	query := `
		SELECT execution_id, step_index, kind, description, node, status, output, error, started_at, completed_at
		FROM step_results
		WHERE execution_id = ?
		ORDER BY step_index
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	results := []*StepResult{}
	for rows.Next() {
		r := &StepResult{}
		err := rows.Scan(
			&r.ExecutionID,
			&r.Index,
			&r.Kind,
			&r.Description,
			&r.Node,
			&r.Status,
			&r.Output,
			&r.Error,
			&r.StartedAt,
			&r.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}

	return results, nil
}

// ListExecutionsByPlan lists the executions of a plan, oldest first,
// without their step results.
func (s *SQLiteStore) ListExecutionsByPlan(ctx context.Context, planID string) ([]*Execution, error) {
	query := `
		SELECT id, plan_id, status, started_at, completed_at, error
		FROM executions
		WHERE plan_id = ?
		ORDER BY started_at
	`

	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	execs := []*Execution{}
	for rows.Next() {
		exec := &Execution{}
		err := rows.Scan(
			&exec.ID,
			&exec.PlanID,
			&exec.Status,
			&exec.StartedAt,
			&exec.CompletedAt,
			&exec.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries, newest first, with an optional
// action filter. A trailing "*" in action matches a prefix.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action LIKE ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	var pattern any
	if action != nil {
		pattern = *action
		if prefix, ok := strings.CutSuffix(*action, "*"); ok {
			pattern = prefix + "%"
		}
	}

	rows, err := s.db.QueryContext(ctx, query, pattern, pattern, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
