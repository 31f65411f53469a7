package engine

import (
	"context"

	"github.com/openfroyo/installmgr/pkg/probe"
	"github.com/openfroyo/installmgr/pkg/version"
)

// ConfigReader loads the locally persisted installation configuration.
// Implementations return an error when nothing usable is found.
type ConfigReader interface {
	LoadInstalled(ctx context.Context) (*InstalledConfig, error)
}

// VersionProber queries a running installation for its version.
// Implementations never fail: problems are reported in the result status.
type VersionProber interface {
	Probe(ctx context.Context, host string) probe.Result
}

// Detector determines what, if anything, is installed on the target.
// Detection never fails; unreadable state is reported as NotInstalled.
type Detector interface {
	Detect(ctx context.Context) InstalledState
}

// Strategy produces plans for one topology. Every method is pure: it reads
// its inputs, performs no I/O and returns the same plan for the same inputs.
type Strategy interface {
	// PlanInstall returns the steps installing v from the binaries archive.
	PlanInstall(v version.Version, binariesPath string, opts InstallOptions) (Plan, error)

	// PlanUpdate returns the steps updating the installation to v.
	PlanUpdate(v version.Version, binariesPath string, opts InstallOptions) (Plan, error)

	// PlanBackup returns the steps archiving the installation's data.
	PlanBackup(backup BackupConfig, cfg *InstalledConfig) (Plan, error)

	// PlanRestore returns the steps restoring the installation's data.
	PlanRestore(backup BackupConfig, cfg *InstalledConfig) (Plan, error)
}

// Observer receives orchestration outcomes, typically for metrics.
type Observer interface {
	InstallationDetected(state InstalledState)
	PlanGenerated(plan Plan)
	OperationFailed(op Operation, err error)
}

type noopObserver struct{}

func (noopObserver) InstallationDetected(InstalledState) {}
func (noopObserver) PlanGenerated(Plan)                  {}
func (noopObserver) OperationFailed(Operation, error)    {}
