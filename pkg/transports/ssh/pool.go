package ssh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Pool keeps one connection per host and reuses it across plan steps.
// It is safe for concurrent use; connects to the same host are serialized.
type Pool struct {
	cfg    *Config
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool

	dial func(ctx context.Context, host string) (*Client, error)
}

// NewPool creates a pool dialing hosts with cfg.
func NewPool(cfg *Config, logger zerolog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	logger = logger.With().Str("component", "ssh").Logger()
	p := &Pool{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*Client),
	}
	p.dial = func(ctx context.Context, host string) (*Client, error) {
		return Dial(ctx, host, cfg, logger.With().Str("host", host).Logger())
	}
	return p, nil
}

// Client returns the cached connection to host, reconnecting when it is gone.
func (p *Pool) Client(ctx context.Context, host string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, &TransportError{Op: "connect", Host: host, Err: errors.New("pool is closed")}
	}

	if c, ok := p.clients[host]; ok {
		if c.Alive() {
			return c, nil
		}
		p.logger.Warn().Str("host", host).Msg("existing connection is dead, reconnecting")
		_ = c.Close()
		delete(p.clients, host)
	}

	c, err := p.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	p.clients[host] = c
	return c, nil
}

// RunCommand runs cmd on host and returns its combined output.
func (p *Pool) RunCommand(ctx context.Context, host, cmd string) (string, error) {
	c, err := p.Client(ctx, host)
	if err != nil {
		return "", err
	}
	result, err := c.Run(ctx, cmd)
	p.evictOnFailure(host, c, err)
	if result == nil {
		return "", err
	}
	return result.Output(), err
}

// CopyTo uploads the local file source to destination on host.
func (p *Pool) CopyTo(ctx context.Context, host, source, destination string) error {
	c, err := p.Client(ctx, host)
	if err != nil {
		return err
	}
	_, err = c.Upload(ctx, source, destination)
	p.evictOnFailure(host, c, err)
	return err
}

// CopyFrom downloads source on host to the local file destination.
func (p *Pool) CopyFrom(ctx context.Context, host, source, destination string) error {
	c, err := p.Client(ctx, host)
	if err != nil {
		return err
	}
	_, err = c.Download(ctx, source, destination)
	p.evictOnFailure(host, c, err)
	return err
}

// Hosts lists the hosts with an open connection.
func (p *Pool) Hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := make([]string, 0, len(p.clients))
	for h := range p.clients {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Close closes every connection. The pool cannot be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for host, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", host, err))
		}
	}
	p.clients = make(map[string]*Client)
	p.closed = true
	return errors.Join(errs...)
}

func (p *Pool) evictOnFailure(host string, c *Client, err error) {
	var terr *TransportError
	if !errors.As(err, &terr) || !terr.connectionBroken() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients[host] == c {
		_ = c.Close()
		delete(p.clients, host)
	}
}
