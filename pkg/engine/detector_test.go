package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/installmgr/pkg/probe"
	"github.com/openfroyo/installmgr/pkg/version"
)

func TestConfigDetector_UnreadableConfigIsNotInstalled(t *testing.T) {
	prober := &fakeProber{}
	d := NewConfigDetector(&fakeReader{err: errConfigMissing}, prober, zerolog.Nop())

	state := d.Detect(context.Background())

	assert.False(t, state.IsInstalled())
	assert.Nil(t, state.Version())
	assert.Empty(t, prober.hosts, "no probe without a configuration")
}

func TestConfigDetector_InvalidTopologyIsNotInstalled(t *testing.T) {
	reader := &fakeReader{cfg: &InstalledConfig{Topology: "cluster", HostURL: "h"}}
	d := NewConfigDetector(reader, &fakeProber{}, zerolog.Nop())

	assert.False(t, d.Detect(context.Background()).IsInstalled())
}

func TestConfigDetector_NilConfigIsNotInstalled(t *testing.T) {
	d := NewConfigDetector(&fakeReader{}, &fakeProber{}, zerolog.Nop())

	assert.False(t, d.Detect(context.Background()).IsInstalled())
}

func TestConfigDetector_ProbesConfiguredHost(t *testing.T) {
	prober := &fakeProber{result: probe.Result{Status: probe.StatusDetected, Version: version.MustParse("3.4.1")}}
	d := NewConfigDetector(&fakeReader{cfg: singleNodeConfig()}, prober, zerolog.Nop())

	state := d.Detect(context.Background())

	require.True(t, state.IsInstalled())
	assert.Equal(t, TopologySingleNode, state.Topology())
	require.NotNil(t, state.Version())
	assert.Equal(t, "3.4.1", state.Version().String())
	assert.Equal(t, []string{"codenvy.example.com"}, prober.hosts)
}

func TestConfigDetector_UnknownVersionIsStillInstalled(t *testing.T) {
	for _, status := range []probe.Status{probe.StatusUnreachable, probe.StatusUnrecognized} {
		t.Run(string(status), func(t *testing.T) {
			prober := &fakeProber{result: probe.Result{Status: status, Reason: "test"}}
			d := NewConfigDetector(&fakeReader{cfg: multiNodeConfig()}, prober, zerolog.Nop())

			state := d.Detect(context.Background())

			assert.True(t, state.IsInstalled())
			assert.Equal(t, TopologyMultiNode, state.Topology())
			assert.False(t, state.VersionKnown())
			assert.Nil(t, state.Version())
			assert.Equal(t, "multi-node@unknown", state.String())
		})
	}
}
