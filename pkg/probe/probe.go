// Package probe detects the version of a running installation by querying
// its status endpoint.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/installmgr/pkg/version"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 10 * time.Second

// maxBodySize caps how much of the status document is read.
const maxBodySize = 1 << 20

// Status is the outcome class of a probe.
type Status string

const (
	// StatusDetected means a version was determined.
	StatusDetected Status = "detected"

	// StatusUnreachable means the host could not be queried: transport
	// error, timeout or a non-2xx response.
	StatusUnreachable Status = "unreachable"

	// StatusUnrecognized means the host answered but no version could be
	// extracted from the response.
	StatusUnrecognized Status = "unrecognized"
)

// Result is the outcome of a probe. Version is only meaningful when Status
// is StatusDetected.
type Result struct {
	Status  Status
	Version version.Version
	Reason  string
}

// Detected reports whether a version was found.
func (r Result) Detected() bool {
	return r.Status == StatusDetected
}

func detected(v version.Version) Result {
	return Result{Status: StatusDetected, Version: v}
}

func unreachable(format string, args ...interface{}) Result {
	return Result{Status: StatusUnreachable, Reason: fmt.Sprintf(format, args...)}
}

func unrecognized(format string, args ...interface{}) Result {
	return Result{Status: StatusUnrecognized, Reason: fmt.Sprintf(format, args...)}
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Recorder receives probe outcomes, typically for metrics.
type Recorder interface {
	ProbeCompleted(status string, duration time.Duration)
}

// Prober queries http://{host}/api/ for the installed version.
type Prober struct {
	client   Doer
	timeout  time.Duration
	recorder Recorder
	logger   zerolog.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithClient sets the HTTP transport.
func WithClient(client Doer) Option {
	return func(p *Prober) {
		p.client = client
	}
}

// WithTimeout sets the per-probe timeout. Non-positive values keep the default.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Prober) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithRecorder sets the outcome recorder.
func WithRecorder(recorder Recorder) Option {
	return func(p *Prober) {
		p.recorder = recorder
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Prober) {
		p.logger = logger
	}
}

// New creates a Prober.
func New(opts ...Option) *Prober {
	p := &Prober{
		client:  &http.Client{},
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// statusDocument holds the fields of the status API the probe consumes.
type statusDocument struct {
	IDEVersion            *string `json:"ideVersion"`
	ImplementationVersion *string `json:"implementationVersion"`
}

// Probe queries host and extracts its version. It never returns an error:
// transport problems yield StatusUnreachable and unusable answers yield
// StatusUnrecognized.
func (p *Prober) Probe(ctx context.Context, host string) Result {
	start := time.Now()
	result := p.probe(ctx, host)

	p.logger.Debug().
		Str("host", host).
		Str("status", string(result.Status)).
		Str("reason", result.Reason).
		Dur("duration", time.Since(start)).
		Msg("version probe completed")

	if p.recorder != nil {
		p.recorder.ProbeCompleted(string(result.Status), time.Since(start))
	}
	return result
}

func (p *Prober) probe(ctx context.Context, host string) Result {
	host = strings.TrimSuffix(strings.TrimSpace(host), "/")
	if host == "" {
		return unreachable("empty host address")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/api/", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return unreachable("build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return unreachable("request %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return unreachable("request %s: unexpected status %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return unreachable("read response: %v", err)
	}

	return interpret(body)
}

// interpret extracts a version from a status document body.
func interpret(body []byte) Result {
	if len(strings.TrimSpace(string(body))) == 0 {
		return unrecognized("empty status document")
	}

	var doc *statusDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return unrecognized("malformed status document: %v", err)
	}
	if doc == nil {
		return unrecognized("empty status document")
	}

	if v, ok := legacyVersion(*doc); ok {
		return detected(v)
	}

	if doc.IDEVersion == nil {
		return unrecognized("status document has no ideVersion")
	}

	v, err := version.Parse(*doc.IDEVersion)
	if err != nil {
		return unrecognized("ideVersion: %v", err)
	}
	return detected(v)
}

// legacyImplementationVersion is the one build known to predate the
// ideVersion field.
const legacyImplementationVersion = "0.26.0"

// legacyVersion maps the 0.26.0 build, which does not report ideVersion, to
// 3.1.0. It matches that exact implementation version only.
func legacyVersion(doc statusDocument) (version.Version, bool) {
	if doc.IDEVersion != nil || doc.ImplementationVersion == nil {
		return version.Version{}, false
	}
	if *doc.ImplementationVersion != legacyImplementationVersion {
		return version.Version{}, false
	}
	return version.New(3, 1, 0), true
}
