package engine_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/installmgr/pkg/engine"
	"github.com/openfroyo/installmgr/pkg/version"
)

type staticDetector struct {
	state engine.InstalledState
}

func (d staticDetector) Detect(context.Context) engine.InstalledState {
	return d.state
}

func Example_install() {
	orch := engine.NewOrchestrator(
		staticDetector{state: engine.NotInstalled()},
		engine.WithClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)

	opts := engine.NewInstallOptions(engine.TopologySingleNode, map[string]string{
		engine.OptionHostURL: "codenvy.example.com",
	})
	plan, err := orch.Install(context.Background(), version.MustParse("3.1.0"), "/tmp/codenvy-3.1.0.zip", opts)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println(plan.Operation, plan.Topology, plan.Version, plan.CreatedAt.Format(time.RFC3339))
	for _, s := range plan.Steps {
		fmt.Printf("%d %s %s\n", s.Index, s.Kind, s.Description)
	}

	// Output:
	// install single-node 3.1.0 2024-01-02T03:04:05Z
	// 0 local_command Disable SELinux
	// 1 local_command Install puppet binaries
	// 2 local_command Unzip Codenvy binaries to /tmp/codenvy
	// 3 local_command Configure Codenvy
	// 4 local_command Move Codenvy binaries to /etc/puppet
	// 5 local_command Configure puppet master
	// 6 local_command Launch puppet master
	// 7 local_command Configure puppet agent
	// 8 local_command Launch puppet agent
	// 9 local_command Install Codenvy
	// 10 wait_for_version Boot Codenvy
}

func Example_errorHandling() {
	installed := engine.Installed(engine.TopologySingleNode, nil)
	orch := engine.NewOrchestrator(staticDetector{state: installed})

	opts := engine.NewInstallOptions(engine.TopologyMultiNode, map[string]string{
		engine.OptionHostURL:          "codenvy.example.com",
		engine.OptionPuppetMasterHost: "master.example.com",
	}, engine.Node{Role: engine.NodeRoleData, Host: "data.example.com"})

	_, err := orch.Update(context.Background(), version.MustParse("3.2.0"), "/tmp/codenvy-3.2.0.zip", opts)

	fmt.Println(errors.Is(err, engine.ErrTopologyMismatch))
	fmt.Println(engine.ErrorCode(err), engine.IsConflict(err))

	_, err = engine.NewOrchestrator(staticDetector{state: engine.NotInstalled()}).
		Backup(context.Background(), engine.BackupConfig{ArtifactName: engine.ArtifactName, BackupDirectory: "/backups"}, nil)
	fmt.Println(errors.Is(err, engine.ErrNotInstalled))

	// Output:
	// true
	// TOPOLOGY_MISMATCH true
	// true
}
