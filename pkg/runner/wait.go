package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/installmgr/pkg/engine"
	"github.com/openfroyo/installmgr/pkg/probe"
	"github.com/openfroyo/installmgr/pkg/version"
)

// ErrVersionTimeout is returned when a wait step's target never reports
// the expected version.
var ErrVersionTimeout = errors.New("timed out waiting for version")

// waitForVersion polls host until it reports want or the step's timeout
// elapses. The last probe result is included in the returned output.
func (r *Runner) waitForVersion(ctx context.Context, step engine.Step) (string, error) {
	host := step.Params[engine.ParamHost]
	want, err := version.Parse(step.Params[engine.ParamVersion])
	if err != nil {
		return "", fmt.Errorf("wait step version: %w", err)
	}
	timeout, err := time.ParseDuration(step.Params[engine.ParamTimeout])
	if err != nil {
		return "", fmt.Errorf("wait step timeout: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var last probe.Result
	for attempt := 1; ; attempt++ {
		last = r.prober.Probe(ctx, host)
		if last.Detected() && last.Version.Equal(want) {
			return fmt.Sprintf("%s reports %s after %d probe(s)", host, want, attempt), nil
		}

		r.logger.Debug().
			Str("host", host).
			Str("want", want.String()).
			Str("status", string(last.Status)).
			Int("attempt", attempt).
			Msg("Target version not reported yet")

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return describe(last), fmt.Errorf("%w %s on %s after %s", ErrVersionTimeout, want, host, timeout)
			}
			return describe(last), ctx.Err()
		case <-ticker.C:
		}
	}
}

func describe(r probe.Result) string {
	if r.Detected() {
		return "last probe: " + r.Version.String()
	}
	return fmt.Sprintf("last probe: %s (%s)", r.Status, r.Reason)
}
