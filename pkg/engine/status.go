package engine

import (
	"fmt"
	"strings"
)

// Operation is the kind of plan requested from the orchestrator.
type Operation string

const (
	// OperationInstall installs the artifact from scratch.
	OperationInstall Operation = "install"

	// OperationUpdate updates an installed artifact in place.
	OperationUpdate Operation = "update"

	// OperationBackup archives the installed artifact's data.
	OperationBackup Operation = "backup"

	// OperationRestore replaces the installed artifact's data from an archive.
	OperationRestore Operation = "restore"
)

// IsMutating returns true if executing the operation changes the installation.
func (o Operation) IsMutating() bool {
	return o == OperationInstall || o == OperationUpdate || o == OperationRestore
}

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationInstall, OperationUpdate, OperationBackup, OperationRestore:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// Validate checks if the topology is one of the known values.
func (t Topology) Validate() error {
	switch t {
	case TopologySingleNode, TopologyMultiNode:
		return nil
	default:
		return fmt.Errorf("invalid topology: %q", string(t))
	}
}

// ParseTopology parses a topology name. Besides the canonical names it
// accepts the short forms "single" and "multi" and the legacy
// CODENVY_SINGLE_SERVER / CODENVY_MULTI_SERVER identifiers.
func ParseTopology(s string) (Topology, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single-node", "single", "codenvy_single_server":
		return TopologySingleNode, nil
	case "multi-node", "multi", "codenvy_multi_server":
		return TopologyMultiNode, nil
	default:
		return "", fmt.Errorf("invalid topology: %q", s)
	}
}

// StepKind tells the execution engine how to run a step.
type StepKind string

const (
	// StepKindLocalCommand runs Command on the machine executing the plan.
	StepKindLocalCommand StepKind = "local_command"

	// StepKindRemoteCommand runs Command on Node over SSH.
	StepKindRemoteCommand StepKind = "remote_command"

	// StepKindCopyToNode uploads Params["source"] to Params["destination"] on Node.
	StepKindCopyToNode StepKind = "copy_to_node"

	// StepKindCopyFromNode downloads Params["source"] on Node to local Params["destination"].
	StepKindCopyFromNode StepKind = "copy_from_node"

	// StepKindWaitForVersion polls Params["host"] until it reports Params["version"]
	// or Params["timeout"] elapses.
	StepKindWaitForVersion StepKind = "wait_for_version"
)

// IsRemote returns true if the step runs against a node.
func (k StepKind) IsRemote() bool {
	return k == StepKindRemoteCommand || k == StepKindCopyToNode || k == StepKindCopyFromNode
}

// Validate checks if the step kind is valid.
func (k StepKind) Validate() error {
	switch k {
	case StepKindLocalCommand, StepKindRemoteCommand, StepKindCopyToNode,
		StepKindCopyFromNode, StepKindWaitForVersion:
		return nil
	default:
		return fmt.Errorf("invalid step kind: %s", k)
	}
}

// Step parameter keys.
const (
	ParamSource      = "source"
	ParamDestination = "destination"
	ParamHost        = "host"
	ParamVersion     = "version"
	ParamTimeout     = "timeout"
)
