package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-ini/ini"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/installmgr/pkg/engine"
)

// ErrNoPuppetMaster is returned when topology inference finds no [master]
// section in puppet.conf.
var ErrNoPuppetMaster = errors.New("puppet.conf has no [master] section")

// installedFile is the on-disk layout of the installed configuration.
type installedFile struct {
	Topology   string            `yaml:"topology"`
	HostURL    string            `yaml:"host_url" validate:"required,hostname_rfc1123|hostname_port|ip"`
	Nodes      []nodeFile        `yaml:"nodes" validate:"dive"`
	Properties map[string]string `yaml:"properties"`
}

type nodeFile struct {
	Role string `yaml:"role" validate:"required,oneof=data datasource analytics builder runner api site"`
	Host string `yaml:"host" validate:"required"`
}

// Reader loads the installed configuration from a YAML file. When the file
// does not name a topology it is inferred from the puppet configuration.
type Reader struct {
	path           string
	puppetConfPath string
	validate       *validator.Validate
	logger         zerolog.Logger
}

// NewReader creates a reader for the installed configuration at path.
// puppetConfPath may be empty, in which case the topology must be explicit.
func NewReader(path, puppetConfPath string, logger zerolog.Logger) *Reader {
	return &Reader{
		path:           path,
		puppetConfPath: puppetConfPath,
		validate:       validator.New(),
		logger:         logger.With().Str("component", "config-reader").Logger(),
	}
}

// Path returns the installed configuration path.
func (r *Reader) Path() string {
	return r.path
}

// WatchedPaths returns the files whose changes alter the loaded configuration.
func (r *Reader) WatchedPaths() []string {
	if r.puppetConfPath == "" {
		return []string{r.path}
	}
	return []string{r.path, r.puppetConfPath}
}

// LoadInstalled reads, validates and converts the installed configuration.
func (r *Reader) LoadInstalled(ctx context.Context) (*engine.InstalledConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read installed config: %w", err)
	}

	var file installedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse installed config %s: %w", r.path, err)
	}
	if err := r.validate.Struct(file); err != nil {
		return nil, fmt.Errorf("installed config %s is invalid: %w", r.path, err)
	}

	topology, err := r.resolveTopology(file.Topology)
	if err != nil {
		return nil, err
	}

	cfg := &engine.InstalledConfig{
		Topology:   topology,
		HostURL:    file.HostURL,
		Properties: file.Properties,
	}
	for _, n := range file.Nodes {
		cfg.Nodes = append(cfg.Nodes, engine.Node{Role: engine.NodeRole(n.Role), Host: n.Host})
	}
	if topology == engine.TopologyMultiNode && len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("installed config %s: multi-node topology lists no nodes", r.path)
	}

	r.logger.Debug().
		Str("path", r.path).
		Str("topology", string(topology)).
		Int("nodes", len(cfg.Nodes)).
		Msg("Installed config loaded")

	return cfg, nil
}

func (r *Reader) resolveTopology(declared string) (engine.Topology, error) {
	if declared != "" {
		return engine.ParseTopology(declared)
	}
	if r.puppetConfPath == "" {
		return "", fmt.Errorf("installed config %s has no topology", r.path)
	}
	topology, err := InferTopology(r.puppetConfPath)
	if err != nil {
		return "", fmt.Errorf("failed to infer topology: %w", err)
	}
	r.logger.Debug().Str("puppet_conf", r.puppetConfPath).Str("topology", string(topology)).Msg("Topology inferred")
	return topology, nil
}

// InferTopology reads puppet.conf. A host whose agent certname equals the
// master certname runs everything itself and is single-node.
func InferTopology(puppetConfPath string) (engine.Topology, error) {
	cfg, err := ini.Load(puppetConfPath)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", puppetConfPath, err)
	}

	master, err := cfg.GetSection("master")
	if err != nil {
		return "", ErrNoPuppetMaster
	}
	masterCert := master.Key("certname").String()

	if cfg.HasSection("agent") {
		agentCert := cfg.Section("agent").Key("certname").String()
		if masterCert != "" && agentCert == masterCert {
			return engine.TopologySingleNode, nil
		}
	}
	return engine.TopologyMultiNode, nil
}
