package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/installmgr/pkg/probe"
	"github.com/openfroyo/installmgr/pkg/version"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestOrchestrator(state InstalledState, opts ...Option) (*Orchestrator, *fakeDetector) {
	d := &fakeDetector{state: state}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewOrchestrator(d, opts...), d
}

func TestOrchestrator_StrategyFor(t *testing.T) {
	o, _ := newTestOrchestrator(NotInstalled())

	for _, topology := range Topologies() {
		s, err := o.StrategyFor(topology)
		require.NoError(t, err)
		assert.NotNil(t, s)
	}

	_, err := o.StrategyFor("cluster")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedTopology))
	assert.True(t, IsPermanent(err))
}

func TestOrchestrator_InstallSkipsDetection(t *testing.T) {
	o, d := newTestOrchestrator(installedAt(TopologyMultiNode, "3.0.0"))

	plan, err := o.Install(context.Background(), version.MustParse("3.1.0"), binaries, singleNodeOptions())

	require.NoError(t, err)
	assert.Equal(t, 0, d.calls)
	assert.Equal(t, OperationInstall, plan.Operation)
	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, fixedNow, plan.CreatedAt)
}

func TestOrchestrator_InstallUnregisteredTopology(t *testing.T) {
	o, _ := newTestOrchestrator(NotInstalled(), WithoutStrategy(TopologyMultiNode))

	_, err := o.Install(context.Background(), version.MustParse("3.1.0"), binaries, multiNodeOptions())

	assert.True(t, errors.Is(err, ErrUnsupportedTopology))
}

func TestOrchestrator_UpdateSameTopology(t *testing.T) {
	o, d := newTestOrchestrator(installedAt(TopologySingleNode, "3.1.0"))

	plan, err := o.Update(context.Background(), version.MustParse("3.2.0"), binaries, singleNodeOptions())

	require.NoError(t, err)
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, "3.2.0", plan.Version)
	assert.Equal(t, "Update Codenvy", plan.Descriptions()[len(plan.Steps)-1])
}

func TestOrchestrator_UpdateRejectsCrossTopology(t *testing.T) {
	o, _ := newTestOrchestrator(installedAt(TopologySingleNode, "3.1.0"))

	plan, err := o.Update(context.Background(), version.MustParse("3.2.0"), binaries, multiNodeOptions())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTopologyMismatch))
	assert.Empty(t, plan.Steps)

	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, "single-node", engineErr.Details["installed"])
	assert.Equal(t, "multi-node", engineErr.Details["requested"])
}

func TestOrchestrator_UpdateRejectsWhenNotInstalled(t *testing.T) {
	o, _ := newTestOrchestrator(NotInstalled())

	_, err := o.Update(context.Background(), version.MustParse("3.2.0"), binaries, singleNodeOptions())

	assert.True(t, errors.Is(err, ErrTopologyMismatch))
}

func TestOrchestrator_UpdateAllowsUnknownVersion(t *testing.T) {
	o, _ := newTestOrchestrator(Installed(TopologySingleNode, nil))

	_, err := o.Update(context.Background(), version.MustParse("3.2.0"), binaries, singleNodeOptions())

	assert.NoError(t, err)
}

func TestOrchestrator_BackupUsesDetectedTopology(t *testing.T) {
	o, _ := newTestOrchestrator(installedAt(TopologyMultiNode, "3.1.0"))
	reader := &fakeReader{cfg: multiNodeConfig()}

	plan, err := o.Backup(context.Background(), testBackupConfig(), reader)

	require.NoError(t, err)
	assert.Equal(t, TopologyMultiNode, plan.Topology)
	assert.Equal(t, OperationBackup, plan.Operation)
	assert.Equal(t, 1, reader.calls)
}

func TestOrchestrator_BackupNamesArchiveFromSingleDetection(t *testing.T) {
	o, d := newTestOrchestrator(installedAt(TopologySingleNode, "3.4.1"))
	backup := testBackupConfig()
	backup.ArtifactVersion = ""

	plan, err := o.Backup(context.Background(), backup, &fakeReader{cfg: singleNodeConfig()})

	require.NoError(t, err)
	assert.Equal(t, 1, d.calls)
	var pack string
	for _, s := range plan.Steps {
		if s.Description == "Pack backup archive" {
			pack = s.Command
		}
	}
	assert.Contains(t, pack, "/var/backups/codenvy/codenvy_3.4.1_backup.tar.gz")
}

func TestOrchestrator_BackupKeepsExplicitVersion(t *testing.T) {
	o, _ := newTestOrchestrator(Installed(TopologySingleNode, nil))

	plan, err := o.Backup(context.Background(), testBackupConfig(), &fakeReader{cfg: singleNodeConfig()})

	require.NoError(t, err)
	found := false
	for _, s := range plan.Steps {
		if strings.Contains(s.Command, "codenvy_3.1.0_backup.tar.gz") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestOrchestrator_ArtifactIdentity(t *testing.T) {
	o, _ := newTestOrchestrator(NotInstalled())

	assert.Equal(t, "codenvy", o.Artifact())
	assert.Equal(t, 10, o.Priority())
}

func TestOrchestrator_RestoreNotInstalled(t *testing.T) {
	o, _ := newTestOrchestrator(NotInstalled())
	reader := &fakeReader{cfg: singleNodeConfig()}

	_, err := o.Restore(context.Background(), testBackupConfig(), reader)

	assert.True(t, errors.Is(err, ErrNotInstalled))
	assert.Equal(t, 0, reader.calls)
}

func TestOrchestrator_BackupConfigReferenceFails(t *testing.T) {
	o, _ := newTestOrchestrator(installedAt(TopologySingleNode, "3.1.0"))

	_, err := o.Backup(context.Background(), testBackupConfig(), &fakeReader{err: errConfigMissing})

	assert.True(t, errors.Is(err, ErrConfigUnavailable))
	assert.True(t, errors.Is(err, errConfigMissing))

	_, err = o.Backup(context.Background(), testBackupConfig(), nil)
	assert.True(t, errors.Is(err, ErrConfigUnavailable))
}

func TestOrchestrator_RejectsInvalidStrategyPlan(t *testing.T) {
	o, _ := newTestOrchestrator(NotInstalled(), WithStrategy(TopologySingleNode, emptyStrategy{}))

	_, err := o.Install(context.Background(), version.MustParse("3.1.0"), binaries, singleNodeOptions())

	require.Error(t, err)
	assert.Equal(t, ErrCodeInternal, ErrorCode(err))
}

func TestOrchestrator_NotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	o, _ := newTestOrchestrator(installedAt(TopologySingleNode, "3.1.0"), WithObserver(obs))
	ctx := context.Background()

	_, err := o.Update(ctx, version.MustParse("3.2.0"), binaries, singleNodeOptions())
	require.NoError(t, err)
	_, err = o.Update(ctx, version.MustParse("3.2.0"), binaries, multiNodeOptions())
	require.Error(t, err)

	assert.Len(t, obs.detections, 2)
	require.Len(t, obs.plans, 1)
	assert.Equal(t, OperationUpdate, obs.plans[0].Operation)
	assert.Equal(t, []Operation{OperationUpdate}, obs.failures)
}

func TestOrchestrator_DetectsOnEveryCall(t *testing.T) {
	o, d := newTestOrchestrator(NotInstalled())
	ctx := context.Background()

	assert.Nil(t, o.InstalledVersion(ctx))

	d.state = installedAt(TopologySingleNode, "3.3.0")
	v := o.InstalledVersion(ctx)
	require.NotNil(t, v)
	assert.Equal(t, "3.3.0", v.String())
	assert.Equal(t, 2, d.calls)
}

func TestOrchestrator_ReturnedPlansAreIndependent(t *testing.T) {
	o, _ := newTestOrchestrator(NotInstalled())
	ctx := context.Background()

	first, err := o.Install(ctx, version.MustParse("3.1.0"), binaries, singleNodeOptions())
	require.NoError(t, err)
	first.Steps[0].Description = "mutated"

	second, err := o.Install(ctx, version.MustParse("3.1.0"), binaries, singleNodeOptions())
	require.NoError(t, err)
	assert.Equal(t, "Disable SELinux", second.Steps[0].Description)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestOrchestrator_InfoListings(t *testing.T) {
	o, _ := newTestOrchestrator(installedAt(TopologySingleNode, "3.1.0"))
	ctx := context.Background()

	info, err := o.UpdateInfo(ctx, version.MustParse("3.2.0"), binaries, singleNodeOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Unzip Codenvy binaries to /tmp/codenvy",
		"Configure Codenvy",
		"Patch resources",
		"Move Codenvy binaries to /etc/puppet",
		"Update Codenvy",
	}, info)

	_, err = o.UpdateInfo(ctx, version.MustParse("3.2.0"), binaries, multiNodeOptions())
	assert.True(t, errors.Is(err, ErrTopologyMismatch))

	info, err = o.InstallInfo(ctx, version.MustParse("3.2.0"), binaries, singleNodeOptions())
	require.NoError(t, err)
	assert.Len(t, info, 11)
}

func TestScenario_UnreadableConfigBackupFailsNotInstalled(t *testing.T) {
	reader := &fakeReader{err: errConfigMissing}
	detector := NewConfigDetector(reader, probe.New(), zerolog.Nop())
	o := NewOrchestrator(detector)

	state := detector.Detect(context.Background())
	require.False(t, state.IsInstalled())

	_, err := o.Backup(context.Background(), testBackupConfig(), reader)
	assert.True(t, errors.Is(err, ErrNotInstalled))
}

func TestScenario_LegacyBuildReportsVersion310(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"implementationVersion":"0.26.0"}`))
	}))
	defer server.Close()

	host := strings.TrimPrefix(server.URL, "http://")
	reader := &fakeReader{cfg: &InstalledConfig{Topology: TopologySingleNode, HostURL: host}}
	o := NewOrchestrator(NewConfigDetector(reader, probe.New(), zerolog.Nop()))

	v := o.InstalledVersion(context.Background())

	require.NotNil(t, v)
	assert.True(t, v.Equal(version.New(3, 1, 0)))
}

type emptyStrategy struct{}

func (emptyStrategy) PlanInstall(version.Version, string, InstallOptions) (Plan, error) {
	return Plan{Operation: OperationInstall, Topology: TopologySingleNode}, nil
}

func (emptyStrategy) PlanUpdate(version.Version, string, InstallOptions) (Plan, error) {
	return Plan{}, nil
}

func (emptyStrategy) PlanBackup(BackupConfig, *InstalledConfig) (Plan, error) {
	return Plan{}, nil
}

func (emptyStrategy) PlanRestore(BackupConfig, *InstalledConfig) (Plan, error) {
	return Plan{}, nil
}
