package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/installmgr/pkg/version"
)

// Topology is the deployment shape of an installed artifact.
type Topology string

const (
	// TopologySingleNode runs every component on one host.
	TopologySingleNode Topology = "single-node"

	// TopologyMultiNode spreads components over dedicated nodes driven by a puppet master.
	TopologyMultiNode Topology = "multi-node"
)

// Topologies lists every known topology in display order.
func Topologies() []Topology {
	return []Topology{TopologySingleNode, TopologyMultiNode}
}

// NodeRole identifies the component a multi-node host runs.
type NodeRole string

const (
	// NodeRoleData hosts MongoDB and LDAP.
	NodeRoleData NodeRole = "data"

	// NodeRoleDatasource hosts the data source services.
	NodeRoleDatasource NodeRole = "datasource"

	// NodeRoleAnalytics hosts the analytics services.
	NodeRoleAnalytics NodeRole = "analytics"

	// NodeRoleBuilder hosts project builders.
	NodeRoleBuilder NodeRole = "builder"

	// NodeRoleRunner hosts application runners.
	NodeRoleRunner NodeRole = "runner"

	// NodeRoleAPI hosts the API server and its file system data.
	NodeRoleAPI NodeRole = "api"

	// NodeRoleSite hosts the public site.
	NodeRoleSite NodeRole = "site"
)

// Node is a host participating in a multi-node installation.
type Node struct {
	Role NodeRole `json:"role" yaml:"role"`
	Host string   `json:"host" yaml:"host"`
}

// InstallOptions describes a requested operation target. It is immutable:
// the constructor copies its inputs and accessors return copies.
type InstallOptions struct {
	topology Topology
	nodes    []Node
	params   map[string]string
}

// NewInstallOptions creates options for the given topology. Params carry
// topology-specific values such as host_url or configuration properties.
func NewInstallOptions(topology Topology, params map[string]string, nodes ...Node) InstallOptions {
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	return InstallOptions{
		topology: topology,
		nodes:    append([]Node(nil), nodes...),
		params:   copied,
	}
}

// Topology returns the requested topology.
func (o InstallOptions) Topology() Topology {
	return o.topology
}

// Param returns a single parameter value.
func (o InstallOptions) Param(key string) (string, bool) {
	v, ok := o.params[key]
	return v, ok
}

// ParamOr returns a parameter value or def when it is unset or blank.
func (o InstallOptions) ParamOr(key, def string) string {
	if v, ok := o.params[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// Params returns a copy of all parameters.
func (o InstallOptions) Params() map[string]string {
	copied := make(map[string]string, len(o.params))
	for k, v := range o.params {
		copied[k] = v
	}
	return copied
}

// Nodes returns a copy of the configured nodes.
func (o InstallOptions) Nodes() []Node {
	return append([]Node(nil), o.nodes...)
}

// InstalledState is the detector's answer: nothing installed, or an
// installation of a topology whose version may be unknown.
type InstalledState struct {
	installed bool
	topology  Topology
	version   *version.Version
}

// NotInstalled returns the state for a target with no usable installation.
func NotInstalled() InstalledState {
	return InstalledState{}
}

// Installed returns the state for a located installation. v may be nil
// when the version could not be determined.
func Installed(topology Topology, v *version.Version) InstalledState {
	return InstalledState{installed: true, topology: topology, version: v}
}

// IsInstalled reports whether an installation was located.
func (s InstalledState) IsInstalled() bool {
	return s.installed
}

// Topology returns the installed topology, or "" when not installed.
func (s InstalledState) Topology() Topology {
	return s.topology
}

// Version returns the installed version, or nil when not installed or unknown.
func (s InstalledState) Version() *version.Version {
	if s.version == nil {
		return nil
	}
	v := *s.version
	return &v
}

// VersionKnown reports whether the installation's version was determined.
func (s InstalledState) VersionKnown() bool {
	return s.installed && s.version != nil
}

// String renders the state for logs.
func (s InstalledState) String() string {
	if !s.installed {
		return "not installed"
	}
	if s.version == nil {
		return string(s.topology) + "@unknown"
	}
	return string(s.topology) + "@" + s.version.String()
}

func (s InstalledState) describeTopology() string {
	if !s.installed {
		return "none"
	}
	return string(s.topology)
}

// InstalledConfig is the locally persisted description of an installation.
type InstalledConfig struct {
	// Topology is the installed topology.
	Topology Topology `json:"topology"`

	// HostURL is the address the status endpoint is served on (host[:port]).
	HostURL string `json:"host_url"`

	// Nodes lists multi-node hosts. Empty for single-node installations.
	Nodes []Node `json:"nodes,omitempty"`

	// Properties are artifact configuration properties.
	Properties map[string]string `json:"properties,omitempty"`
}

// Property returns a configuration property or def when unset.
func (c *InstalledConfig) Property(key, def string) string {
	if c == nil {
		return def
	}
	if v, ok := c.Properties[key]; ok && v != "" {
		return v
	}
	return def
}

// NodesByRole returns the nodes having the given role, in configuration order.
func (c *InstalledConfig) NodesByRole(role NodeRole) []Node {
	if c == nil {
		return nil
	}
	var nodes []Node
	for _, n := range c.Nodes {
		if n.Role == role {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// BackupConfig describes backup destination and retention. The core passes
// it to strategies unmodified.
type BackupConfig struct {
	// ArtifactName names the artifact being backed up.
	ArtifactName string `json:"artifact_name"`

	// ArtifactVersion is the installed version recorded in the backup name.
	ArtifactVersion string `json:"artifact_version,omitempty"`

	// BackupDirectory is where backups and temporary files are written.
	BackupDirectory string `json:"backup_directory"`

	// BackupFile is the archive to create or restore from. When empty a
	// name is derived from the artifact name and version.
	BackupFile string `json:"backup_file,omitempty"`

	// Retention is the number of archives to keep after a backup; 0 keeps all.
	Retention int `json:"retention,omitempty"`
}

// File returns the backup archive path.
func (b BackupConfig) File() string {
	if b.BackupFile != "" {
		return b.BackupFile
	}
	name := b.ArtifactName
	if b.ArtifactVersion != "" {
		name += "_" + b.ArtifactVersion
	}
	return strings.TrimSuffix(b.BackupDirectory, "/") + "/" + name + "_backup.tar.gz"
}

// TempDirectory returns the scratch directory used while packing or unpacking.
func (b BackupConfig) TempDirectory() string {
	return strings.TrimSuffix(b.BackupDirectory, "/") + "/tmp_" + b.ArtifactName
}

// Validate checks that the configuration can produce a plan.
func (b BackupConfig) Validate() error {
	if b.ArtifactName == "" {
		return newInvalidOptionsError("backup config: artifact name is required")
	}
	if b.BackupDirectory == "" {
		return newInvalidOptionsError("backup config: backup directory is required")
	}
	if b.Retention < 0 {
		return newInvalidOptionsError("backup config: retention must not be negative")
	}
	return nil
}

// Step is one unit of work in a plan: a human-readable description plus the
// structured data an execution engine needs to run it.
type Step struct {
	// Index is the zero-based position of the step in its plan.
	Index int `json:"index"`

	// Kind tells the execution engine how to run the step.
	Kind StepKind `json:"kind"`

	// Description is the human-readable summary.
	Description string `json:"description"`

	// Node is the target host for remote and copy steps.
	Node string `json:"node,omitempty"`

	// Command is the shell command for command steps.
	Command string `json:"command,omitempty"`

	// Params carries kind-specific values (source, destination, host, version, timeout).
	Params map[string]string `json:"params,omitempty"`
}

// Plan is an ordered, unexecuted sequence of steps for one operation on one topology.
type Plan struct {
	// ID is stamped by the orchestrator when the plan is returned.
	ID string `json:"id,omitempty"`

	// Operation is the requested operation.
	Operation Operation `json:"operation"`

	// Topology is the topology the plan was generated for.
	Topology Topology `json:"topology"`

	// Version is the version installed or updated to, if any.
	Version string `json:"version,omitempty"`

	// Steps are executed in order; execution stops on the first failure.
	Steps []Step `json:"steps"`

	// CreatedAt is stamped by the orchestrator when the plan is returned.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Descriptions returns the human-readable step descriptions in order.
func (p Plan) Descriptions() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Description)
	}
	return out
}

// sortedKeys returns map keys in lexical order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
