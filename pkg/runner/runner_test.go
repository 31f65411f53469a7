package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/installmgr/pkg/engine"
	"github.com/openfroyo/installmgr/pkg/probe"
	"github.com/openfroyo/installmgr/pkg/stores"
	"github.com/openfroyo/installmgr/pkg/telemetry"
	"github.com/openfroyo/installmgr/pkg/version"
)

var (
	_ Recorder             = (*telemetry.Metrics)(nil)
	_ History              = (*stores.SQLiteStore)(nil)
	_ LocalExecutor        = ShellExecutor{}
	_ engine.VersionProber = (*sequenceProber)(nil)
)

type fakeLocal struct {
	mu       sync.Mutex
	commands []string
	fail     map[string]error
	onRun    func()
}

func (f *fakeLocal) Run(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if f.onRun != nil {
		f.onRun()
	}
	if err, ok := f.fail[command]; ok {
		return "failed output", err
	}
	return "ok: " + command, nil
}

type remoteCall struct {
	op, host, a, b string
}

type fakeRemote struct {
	calls []remoteCall
	fail  error
}

func (f *fakeRemote) RunCommand(_ context.Context, host, command string) (string, error) {
	f.calls = append(f.calls, remoteCall{"run", host, command, ""})
	return "remote ok", f.fail
}

func (f *fakeRemote) CopyTo(_ context.Context, host, source, destination string) error {
	f.calls = append(f.calls, remoteCall{"copy_to", host, source, destination})
	return f.fail
}

func (f *fakeRemote) CopyFrom(_ context.Context, host, source, destination string) error {
	f.calls = append(f.calls, remoteCall{"copy_from", host, source, destination})
	return f.fail
}

// sequenceProber returns the queued results in order, then repeats the last.
type sequenceProber struct {
	mu      sync.Mutex
	results []probe.Result
	calls   int
}

func (p *sequenceProber) Probe(_ context.Context, _ string) probe.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	p.calls++
	return p.results[i]
}

type recordedStep struct {
	kind, status string
}

type fakeRecorder struct {
	started   int
	steps     []recordedStep
	completed []string
}

func (r *fakeRecorder) RecordExecutionStarted() { r.started++ }

func (r *fakeRecorder) RecordStepExecution(kind, status string, _ time.Duration) {
	r.steps = append(r.steps, recordedStep{kind, status})
}

func (r *fakeRecorder) RecordExecutionCompleted(operation, status string, _ time.Duration) {
	r.completed = append(r.completed, operation+"/"+status)
}

func detectedAt(v string) probe.Result {
	return probe.Result{Status: probe.StatusDetected, Version: version.MustParse(v)}
}

func testPlan() engine.Plan {
	return engine.Plan{
		ID:        "plan-1",
		Operation: engine.OperationUpdate,
		Topology:  engine.TopologyMultiNode,
		Version:   "3.1.0",
		Steps: []engine.Step{
			{Index: 0, Kind: engine.StepKindRemoteCommand, Description: "Check access to data node data.example.com", Node: "data.example.com", Command: "sudo ls"},
			{Index: 1, Kind: engine.StepKindLocalCommand, Description: "Unzip Codenvy binaries to /tmp/codenvy", Command: "unzip -o /tmp/a.zip -d /tmp/codenvy"},
			{Index: 2, Kind: engine.StepKindCopyToNode, Description: "Copy archive", Node: "data.example.com", Params: map[string]string{
				engine.ParamSource: "/tmp/a.tar.gz", engine.ParamDestination: "/tmp/b.tar.gz",
			}},
			{Index: 3, Kind: engine.StepKindCopyFromNode, Description: "Fetch archive", Node: "api.example.com", Params: map[string]string{
				engine.ParamSource: "/tmp/c.tar.gz", engine.ParamDestination: "/tmp/d.tar.gz",
			}},
			{Index: 4, Kind: engine.StepKindWaitForVersion, Description: "Update Codenvy", Params: map[string]string{
				engine.ParamHost: "codenvy.example.com", engine.ParamVersion: "3.1.0", engine.ParamTimeout: "5s",
			}},
		},
	}
}

type harness struct {
	runner   *Runner
	local    *fakeLocal
	remote   *fakeRemote
	prober   *sequenceProber
	store    *stores.SQLiteStore
	recorder *fakeRecorder
}

func newHarness(t *testing.T, plan engine.Plan) *harness {
	t.Helper()

	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.SavePlan(context.Background(), plan))

	h := &harness{
		local:    &fakeLocal{fail: map[string]error{}},
		remote:   &fakeRemote{},
		prober:   &sequenceProber{results: []probe.Result{detectedAt("3.1.0")}},
		store:    store,
		recorder: &fakeRecorder{},
	}
	ids := 0
	h.runner = New(h.prober,
		WithLocalExecutor(h.local),
		WithRemoteExecutor(h.remote),
		WithHistory(store),
		WithRecorder(h.recorder),
		WithPollInterval(5*time.Millisecond),
	)
	h.runner.newID = func() string {
		ids++
		return fmt.Sprintf("exec-%d", ids)
	}
	return h
}

func statuses(report *Report) []stores.StepStatus {
	out := make([]stores.StepStatus, 0, len(report.Steps))
	for _, s := range report.Steps {
		out = append(out, s.Status)
	}
	return out
}

func TestExecute_RunsAllSteps(t *testing.T) {
	plan := testPlan()
	h := newHarness(t, plan)

	report, err := h.runner.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, stores.ExecutionStatusSucceeded, report.Status)
	assert.Equal(t, "exec-1", report.ExecutionID)
	assert.Nil(t, report.Failed())
	assert.Equal(t, []stores.StepStatus{
		stores.StepStatusSucceeded, stores.StepStatusSucceeded, stores.StepStatusSucceeded,
		stores.StepStatusSucceeded, stores.StepStatusSucceeded,
	}, statuses(report))

	assert.Equal(t, []string{"unzip -o /tmp/a.zip -d /tmp/codenvy"}, h.local.commands)
	assert.Equal(t, []remoteCall{
		{"run", "data.example.com", "sudo ls", ""},
		{"copy_to", "data.example.com", "/tmp/a.tar.gz", "/tmp/b.tar.gz"},
		{"copy_from", "api.example.com", "/tmp/c.tar.gz", "/tmp/d.tar.gz"},
	}, h.remote.calls)

	exec, err := h.store.GetExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, stores.ExecutionStatusSucceeded, exec.Status)
	assert.Nil(t, exec.Error)
	require.Len(t, exec.Steps, 5)
	assert.Equal(t, "remote ok", exec.Steps[0].Output)
	assert.NotNil(t, exec.Steps[4].CompletedAt)

	assert.Equal(t, 1, h.recorder.started)
	assert.Len(t, h.recorder.steps, 5)
	assert.Equal(t, []string{"update/succeeded"}, h.recorder.completed)
}

func TestExecute_StopsAtFirstFailure(t *testing.T) {
	plan := testPlan()
	h := newHarness(t, plan)
	boom := &ExitError{Command: plan.Steps[1].Command, ExitCode: 9, Stderr: "unzip: cannot find archive"}
	h.local.fail[plan.Steps[1].Command] = boom

	report, err := h.runner.Execute(context.Background(), plan)
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 1, stepErr.Index)
	assert.Equal(t, "Unzip Codenvy binaries to /tmp/codenvy", stepErr.Description)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, stores.ExecutionStatusFailed, report.Status)
	assert.Equal(t, []stores.StepStatus{
		stores.StepStatusSucceeded, stores.StepStatusFailed, stores.StepStatusSkipped,
		stores.StepStatusSkipped, stores.StepStatusSkipped,
	}, statuses(report))
	require.NotNil(t, report.Failed())
	assert.Equal(t, "failed output", report.Failed().Output)

	// Nothing after the failure ran.
	assert.Len(t, h.remote.calls, 1)
	assert.Zero(t, h.prober.calls)

	exec, err := h.store.GetExecution(context.Background(), report.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, stores.ExecutionStatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Contains(t, *exec.Error, "step 2")
	require.Len(t, exec.Steps, 5)
	assert.Equal(t, stores.StepStatusSkipped, exec.Steps[4].Status)
	assert.Nil(t, exec.Steps[4].StartedAt)

	assert.Equal(t, []recordedStep{
		{"remote_command", "succeeded"},
		{"local_command", "failed"},
		{"copy_to_node", "skipped"},
		{"copy_from_node", "skipped"},
		{"wait_for_version", "skipped"},
	}, h.recorder.steps)
	assert.Equal(t, []string{"update/failed"}, h.recorder.completed)
}

func TestExecute_WaitPollsUntilVersion(t *testing.T) {
	plan := testPlan()
	h := newHarness(t, plan)
	h.prober.results = []probe.Result{
		{Status: probe.StatusUnreachable, Reason: "connection refused"},
		detectedAt("3.0.0"),
		detectedAt("3.1.0"),
	}

	report, err := h.runner.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 3, h.prober.calls)
	assert.Contains(t, report.Steps[4].Output, "after 3 probe(s)")
}

func TestExecute_WaitTimesOut(t *testing.T) {
	plan := testPlan()
	plan.Steps[4].Params[engine.ParamTimeout] = "50ms"
	h := newHarness(t, plan)
	h.prober.results = []probe.Result{detectedAt("3.0.0")}

	report, err := h.runner.Execute(context.Background(), plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionTimeout)
	assert.Equal(t, stores.ExecutionStatusFailed, report.Status)
	assert.Equal(t, "last probe: 3.0.0", report.Steps[4].Output)
}

func TestExecute_RemoteFailure(t *testing.T) {
	plan := testPlan()
	h := newHarness(t, plan)
	h.remote.fail = errors.New("connect data.example.com: connection refused")

	report, err := h.runner.Execute(context.Background(), plan)
	require.Error(t, err)
	assert.Equal(t, stores.StepStatusFailed, report.Steps[0].Status)
	assert.Empty(t, h.local.commands)
}

func TestExecute_WithoutRemoteExecutor(t *testing.T) {
	plan := testPlan()
	r := New(&sequenceProber{results: []probe.Result{detectedAt("3.1.0")}}, WithLocalExecutor(&fakeLocal{}))

	report, err := r.Execute(context.Background(), plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoRemote)
	assert.Equal(t, stores.StepStatusFailed, report.Steps[0].Status)
}

func TestExecute_Cancelled(t *testing.T) {
	plan := testPlan()
	h := newHarness(t, plan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.local.onRun = cancel

	report, err := h.runner.Execute(ctx, plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, stores.ExecutionStatusCancelled, report.Status)
	assert.Equal(t, []stores.StepStatus{
		stores.StepStatusSucceeded, stores.StepStatusSucceeded, stores.StepStatusFailed,
		stores.StepStatusSkipped, stores.StepStatusSkipped,
	}, statuses(report))
	assert.Len(t, h.remote.calls, 1)

	// The outcome is recorded despite the cancelled context.
	exec, err := h.store.GetExecution(context.Background(), report.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, stores.ExecutionStatusCancelled, exec.Status)
}

func TestExecute_RejectsInvalidPlans(t *testing.T) {
	r := New(nil)

	_, err := r.Execute(context.Background(), engine.Plan{Operation: engine.OperationInstall, Topology: engine.TopologySingleNode})
	assert.True(t, errors.Is(err, &engine.EngineError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeValidation}))

	plan := testPlan()
	plan.ID = ""
	_, err = r.Execute(context.Background(), plan)
	assert.Error(t, err)
}

func TestExecute_UnknownPlanInHistory(t *testing.T) {
	plan := testPlan()
	h := newHarness(t, plan)
	plan.ID = "never-saved"

	report, err := h.runner.Execute(context.Background(), plan)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.Zero(t, h.recorder.started)
}
