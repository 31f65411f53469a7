package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/installmgr/pkg/engine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReader_LoadsExplicitTopology(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "installed.yaml", `
topology: multi-node
host_url: codenvy.example.com
nodes:
  - role: data
    host: data.example.com
  - role: api
    host: api.example.com
properties:
  mongo_admin_pass: secret
`)

	cfg, err := NewReader(path, "", zerolog.Nop()).LoadInstalled(context.Background())

	require.NoError(t, err)
	assert.Equal(t, engine.TopologyMultiNode, cfg.Topology)
	assert.Equal(t, "codenvy.example.com", cfg.HostURL)
	assert.Equal(t, []engine.Node{
		{Role: engine.NodeRoleData, Host: "data.example.com"},
		{Role: engine.NodeRoleAPI, Host: "api.example.com"},
	}, cfg.Nodes)
	assert.Equal(t, "secret", cfg.Property("mongo_admin_pass", ""))
}

func TestReader_AcceptsLegacyTopologyNames(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "installed.yaml", "topology: CODENVY_SINGLE_SERVER\nhost_url: 10.0.0.5:8080\n")

	cfg, err := NewReader(path, "", zerolog.Nop()).LoadInstalled(context.Background())

	require.NoError(t, err)
	assert.Equal(t, engine.TopologySingleNode, cfg.Topology)
	assert.Equal(t, "10.0.0.5:8080", cfg.HostURL)
}

func TestReader_InfersTopologyFromPuppetConf(t *testing.T) {
	tests := []struct {
		name     string
		conf     string
		expected engine.Topology
	}{
		{
			name: "agent and master share certname",
			conf: `[main]
logdir = /var/log/puppet

[master]
certname = codenvy.example.com

[agent]
certname = codenvy.example.com
server = codenvy.example.com
`,
			expected: engine.TopologySingleNode,
		},
		{
			name: "master only",
			conf: `[master]
certname = master.example.com
autosign = true
`,
			expected: engine.TopologyMultiNode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "installed.yaml", "host_url: codenvy.example.com\nnodes:\n  - role: data\n    host: d\n")
			conf := writeFile(t, dir, "puppet.conf", tt.conf)

			cfg, err := NewReader(path, conf, zerolog.Nop()).LoadInstalled(context.Background())

			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg.Topology)
		})
	}
}

func TestInferTopology_NoMasterSection(t *testing.T) {
	conf := writeFile(t, t.TempDir(), "puppet.conf", "[agent]\ncertname = node1\n")

	_, err := InferTopology(conf)

	assert.ErrorIs(t, err, ErrNoPuppetMaster)
}

func TestReader_Failures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "topology: [single"},
		{"missing host", "topology: single-node\n"},
		{"unknown topology", "topology: cluster\nhost_url: h.example.com\n"},
		{"unknown role", "topology: multi-node\nhost_url: h.example.com\nnodes:\n  - role: cache\n    host: c\n"},
		{"multi-node without nodes", "topology: multi-node\nhost_url: h.example.com\n"},
		{"no topology and no puppet conf", "host_url: h.example.com\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "installed.yaml", tt.content)

			cfg, err := NewReader(path, "", zerolog.Nop()).LoadInstalled(context.Background())

			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}

func TestReader_MissingFile(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "absent.yaml"), "", zerolog.Nop())

	_, err := r.LoadInstalled(context.Background())

	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestReader_CancelledContext(t *testing.T) {
	path := writeFile(t, t.TempDir(), "installed.yaml", "topology: single-node\nhost_url: h\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewReader(path, "", zerolog.Nop()).LoadInstalled(ctx)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestReader_WatchedPaths(t *testing.T) {
	assert.Equal(t, []string{"a.yaml"}, NewReader("a.yaml", "", zerolog.Nop()).WatchedPaths())
	assert.Equal(t, []string{"a.yaml", "p.conf"}, NewReader("a.yaml", "p.conf", zerolog.Nop()).WatchedPaths())
}
