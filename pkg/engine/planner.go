package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/installmgr/pkg/version"
)

// planBuilder accumulates steps in execution order.
type planBuilder struct {
	plan Plan
}

func newPlanBuilder(op Operation, topology Topology) *planBuilder {
	return &planBuilder{
		plan: Plan{
			Operation: op,
			Topology:  topology,
			Steps:     make([]Step, 0, 16),
		},
	}
}

func (b *planBuilder) withVersion(v version.Version) *planBuilder {
	b.plan.Version = v.String()
	return b
}

func (b *planBuilder) add(step Step) *planBuilder {
	step.Index = len(b.plan.Steps)
	b.plan.Steps = append(b.plan.Steps, step)
	return b
}

// local adds a command run on the machine executing the plan.
func (b *planBuilder) local(description, command string) *planBuilder {
	return b.add(Step{
		Kind:        StepKindLocalCommand,
		Description: description,
		Command:     command,
	})
}

// remote adds a command run on node over SSH.
func (b *planBuilder) remote(node, description, command string) *planBuilder {
	return b.add(Step{
		Kind:        StepKindRemoteCommand,
		Description: description,
		Node:        node,
		Command:     command,
	})
}

// copyTo adds an upload of a local file to node.
func (b *planBuilder) copyTo(node, description, source, destination string) *planBuilder {
	return b.add(Step{
		Kind:        StepKindCopyToNode,
		Description: description,
		Node:        node,
		Params: map[string]string{
			ParamSource:      source,
			ParamDestination: destination,
		},
	})
}

// copyFrom adds a download of a file on node to the local machine.
func (b *planBuilder) copyFrom(node, description, source, destination string) *planBuilder {
	return b.add(Step{
		Kind:        StepKindCopyFromNode,
		Description: description,
		Node:        node,
		Params: map[string]string{
			ParamSource:      source,
			ParamDestination: destination,
		},
	})
}

// waitForVersion adds a step polling host until it reports v.
func (b *planBuilder) waitForVersion(description, host string, v version.Version, timeout time.Duration) *planBuilder {
	return b.add(Step{
		Kind:        StepKindWaitForVersion,
		Description: description,
		Params: map[string]string{
			ParamHost:    host,
			ParamVersion: v.String(),
			ParamTimeout: timeout.String(),
		},
	})
}

func (b *planBuilder) build() Plan {
	return b.plan
}

// ValidatePlan checks that a plan is well formed: a known operation, at
// least one step, contiguous indexes and complete step data.
func ValidatePlan(plan Plan) error {
	if err := plan.Operation.Validate(); err != nil {
		return NewPermanentError("plan has invalid operation", err).WithCode(ErrCodeValidation)
	}
	if err := plan.Topology.Validate(); err != nil {
		return NewPermanentError("plan has invalid topology", err).WithCode(ErrCodeValidation)
	}
	if len(plan.Steps) == 0 {
		return NewPermanentError("plan has no steps", nil).
			WithCode(ErrCodeValidation).
			WithOperation(plan.Operation)
	}

	for i, step := range plan.Steps {
		if err := validateStep(i, step); err != nil {
			return NewPermanentError(fmt.Sprintf("invalid step %d", i), err).
				WithCode(ErrCodeValidation).
				WithOperation(plan.Operation)
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	if step.Index != i {
		return fmt.Errorf("index %d out of order", step.Index)
	}
	if err := step.Kind.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(step.Description) == "" {
		return fmt.Errorf("empty description")
	}
	if step.Kind.IsRemote() && step.Node == "" {
		return fmt.Errorf("%s step has no node", step.Kind)
	}

	switch step.Kind {
	case StepKindLocalCommand, StepKindRemoteCommand:
		if strings.TrimSpace(step.Command) == "" {
			return fmt.Errorf("%s step has no command", step.Kind)
		}
	case StepKindCopyToNode, StepKindCopyFromNode:
		if step.Params[ParamSource] == "" || step.Params[ParamDestination] == "" {
			return fmt.Errorf("%s step needs source and destination", step.Kind)
		}
	case StepKindWaitForVersion:
		if step.Params[ParamHost] == "" {
			return fmt.Errorf("wait step has no host")
		}
		if _, err := version.Parse(step.Params[ParamVersion]); err != nil {
			return fmt.Errorf("wait step: %w", err)
		}
		if _, err := time.ParseDuration(step.Params[ParamTimeout]); err != nil {
			return fmt.Errorf("wait step timeout: %w", err)
		}
	}
	return nil
}
