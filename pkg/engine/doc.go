// Package engine plans install, update, backup and restore operations for
// the Codenvy artifact.
//
// # Overview
//
// The Orchestrator is the entry point. For every request it:
//
//  1. Detects the installed state (Detector), unless the operation is a fresh install
//  2. Checks the request against it (topology match, something installed)
//  3. Dispatches to the Strategy registered for the topology
//  4. Validates, stamps and returns the resulting Plan
//
// Plans are ordered lists of Steps and are never executed here; see package
// runner for execution.
//
// # Topologies
//
// Two strategies are registered by default:
//
//   - single-node: every component on the machine running the plan
//   - multi-node: components on dedicated nodes, configured by a puppet
//     master on the machine running the plan
//
// Strategies are pure: the same inputs always produce the same steps.
//
// # Error Classification
//
// Rejected requests return an *EngineError carrying a class and a code.
// Compare against the sentinels with errors.Is:
//
//	plan, err := orch.Update(ctx, v, binaries, opts)
//	if errors.Is(err, engine.ErrTopologyMismatch) {
//	    // the installed topology differs from the requested one
//	}
//
// Detection itself never fails: unreadable configuration is reported as
// not installed and an unreachable server leaves the version unknown.
package engine
