package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/openfroyo/installmgr/pkg/probe"
	"github.com/openfroyo/installmgr/pkg/version"
)

var errConfigMissing = errors.New("open /etc/codenvy/installed.yaml: no such file or directory")

type fakeReader struct {
	cfg   *InstalledConfig
	err   error
	calls int
}

func (r *fakeReader) LoadInstalled(context.Context) (*InstalledConfig, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.cfg, nil
}

type fakeProber struct {
	result probe.Result
	hosts  []string
}

func (p *fakeProber) Probe(_ context.Context, host string) probe.Result {
	p.hosts = append(p.hosts, host)
	return p.result
}

type fakeDetector struct {
	state InstalledState
	calls int
}

func (d *fakeDetector) Detect(context.Context) InstalledState {
	d.calls++
	return d.state
}

type recordingObserver struct {
	mu         sync.Mutex
	detections []InstalledState
	plans      []Plan
	failures   []Operation
}

func (o *recordingObserver) InstallationDetected(state InstalledState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detections = append(o.detections, state)
}

func (o *recordingObserver) PlanGenerated(plan Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plans = append(o.plans, plan)
}

func (o *recordingObserver) OperationFailed(op Operation, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, op)
}

func installedAt(topology Topology, v string) InstalledState {
	parsed := version.MustParse(v)
	return Installed(topology, &parsed)
}

func singleNodeOptions() InstallOptions {
	return NewInstallOptions(TopologySingleNode, map[string]string{
		OptionHostURL:     "codenvy.example.com",
		"admin_ldap_pass": "secret",
	})
}

func multiNodeOptions() InstallOptions {
	return NewInstallOptions(TopologyMultiNode,
		map[string]string{
			OptionHostURL:          "codenvy.example.com",
			OptionPuppetMasterHost: "master.example.com",
		},
		Node{Role: NodeRoleAPI, Host: "api.example.com"},
		Node{Role: NodeRoleData, Host: "data.example.com"},
		Node{Role: NodeRoleRunner, Host: "runner1.example.com"},
		Node{Role: NodeRoleRunner, Host: "runner2.example.com"},
	)
}

func singleNodeConfig() *InstalledConfig {
	return &InstalledConfig{
		Topology: TopologySingleNode,
		HostURL:  "codenvy.example.com",
		Properties: map[string]string{
			PropertyMongoAdminPassword: "mongo-pass",
		},
	}
}

func multiNodeConfig() *InstalledConfig {
	return &InstalledConfig{
		Topology: TopologyMultiNode,
		HostURL:  "codenvy.example.com",
		Nodes: []Node{
			{Role: NodeRoleAPI, Host: "api.example.com"},
			{Role: NodeRoleData, Host: "data.example.com"},
		},
	}
}

func testBackupConfig() BackupConfig {
	return BackupConfig{
		ArtifactName:    ArtifactName,
		ArtifactVersion: "3.1.0",
		BackupDirectory: "/var/backups/codenvy",
	}
}
