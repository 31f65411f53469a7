package engine

import (
	"context"

	"github.com/rs/zerolog"
)

// ConfigDetector detects the installed state from the local configuration
// and, when a topology is found, probes the configured host for its version.
type ConfigDetector struct {
	reader ConfigReader
	prober VersionProber
	logger zerolog.Logger
}

// NewConfigDetector creates a detector reading config through reader and
// probing versions through prober.
func NewConfigDetector(reader ConfigReader, prober VersionProber, logger zerolog.Logger) *ConfigDetector {
	return &ConfigDetector{
		reader: reader,
		prober: prober,
		logger: logger.With().Str("component", "detector").Logger(),
	}
}

// Detect returns the installed state. Configuration failures are logged and
// reported as NotInstalled; probe failures leave the version unknown.
func (d *ConfigDetector) Detect(ctx context.Context) InstalledState {
	cfg, err := d.reader.LoadInstalled(ctx)
	if err != nil {
		d.logger.Debug().Err(err).Msg("installed configuration unavailable, treating as not installed")
		return NotInstalled()
	}
	if cfg == nil {
		return NotInstalled()
	}
	if err := cfg.Topology.Validate(); err != nil {
		d.logger.Warn().Err(err).Msg("installed configuration has no usable topology")
		return NotInstalled()
	}

	result := d.prober.Probe(ctx, cfg.HostURL)
	if !result.Detected() {
		d.logger.Info().
			Str("topology", string(cfg.Topology)).
			Str("host", cfg.HostURL).
			Str("probe", string(result.Status)).
			Str("reason", result.Reason).
			Msg("installation found but version could not be determined")
		return Installed(cfg.Topology, nil)
	}

	v := result.Version
	return Installed(cfg.Topology, &v)
}
