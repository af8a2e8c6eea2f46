// Package pool manages the inference service endpoints the pipeline calls
// out to. Each service carries a weighted semaphore bounding in-flight
// requests; the captioning service is pinned to a single slot because the
// model server cannot serve concurrent requests. A background loop probes
// service health and takes flapping endpoints out of rotation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Well-known service names.
const (
	ServiceCaption = "caption"
	ServiceRating  = "rating"
	ServiceDetect  = "detect"
)

var (
	// ErrUnknownService is returned for a name the pool was not built with.
	ErrUnknownService = errors.New("unknown service")
	// ErrServiceUnhealthy is returned by Acquire when a service stayed out
	// of rotation for the whole caller deadline. Callers treat it as
	// transient and retry.
	ErrServiceUnhealthy = errors.New("service is unhealthy")
)

// healthPollInterval is how often a blocked Acquire rechecks an
// out-of-rotation service.
const healthPollInterval = 250 * time.Millisecond

// Doer is the subset of http.Client the health prober needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Endpoint describes one inference service.
type Endpoint struct {
	Name  string
	URL   string
	Token string
	// Limit bounds concurrent in-flight requests. The caption service
	// must be 1; config validation enforces that before the pool is built.
	Limit int64
}

// service is the runtime state for one endpoint.
type service struct {
	Endpoint
	sem *semaphore.Weighted

	mu       sync.Mutex
	healthy  bool
	failures int
}

// Pool hands out request slots for the inference services.
type Pool struct {
	services map[string]*service
	client   Doer
	logger   *slog.Logger

	interval         time.Duration
	failureThreshold int
}

// Option configures a Pool.
type Option func(*Pool)

// WithHealthInterval sets the probe interval.
func WithHealthInterval(d time.Duration) Option {
	return func(p *Pool) { p.interval = d }
}

// WithFailureThreshold sets how many consecutive probe failures take a
// service out of rotation.
func WithFailureThreshold(n int) Option {
	return func(p *Pool) { p.failureThreshold = n }
}

// New builds a Pool over the given endpoints. Services start healthy and are
// only removed from rotation by the prober.
func New(endpoints []Endpoint, client Doer, logger *slog.Logger, opts ...Option) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		services:         make(map[string]*service, len(endpoints)),
		client:           client,
		logger:           logger,
		interval:         30 * time.Second,
		failureThreshold: 3,
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, ep := range endpoints {
		if ep.Name == "" || ep.URL == "" {
			return nil, fmt.Errorf("endpoint needs a name and URL: %+v", ep)
		}
		if ep.Limit <= 0 {
			ep.Limit = 1
		}
		p.services[ep.Name] = &service{
			Endpoint: ep,
			sem:      semaphore.NewWeighted(ep.Limit),
			healthy:  true,
		}
	}
	return p, nil
}

// Lease is a held request slot. Release returns it; releasing twice is safe.
type Lease struct {
	release sync.Once
	svc     *service
}

// Release returns the slot to the service.
func (l *Lease) Release() {
	l.release.Do(func() { l.svc.sem.Release(1) })
}

// URL returns the leased service's base URL.
func (l *Lease) URL() string { return l.svc.URL }

// Token returns the leased service's auth token, if any.
func (l *Lease) Token() string { return l.svc.Token }

// Acquire blocks until a slot for the named service is free or the context
// is done. An out-of-rotation service is waited on, not failed on: the
// prober may restore it within the caller's deadline, and only when the
// deadline runs out first does Acquire return ErrServiceUnhealthy.
func (p *Pool) Acquire(ctx context.Context, name string) (*Lease, error) {
	svc, ok := p.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	for !svc.isHealthy() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrServiceUnhealthy, name, ctx.Err())
		case <-time.After(healthPollInterval):
		}
	}

	if err := svc.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring %s slot: %w", name, err)
	}
	return &Lease{svc: svc}, nil
}

func (s *service) isHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// Healthy reports whether the named service is in rotation.
func (p *Pool) Healthy(name string) bool {
	svc, ok := p.services[name]
	if !ok {
		return false
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.healthy
}

// Status returns the health of every service, keyed by name.
func (p *Pool) Status() map[string]bool {
	out := make(map[string]bool, len(p.services))
	for name := range p.services {
		out[name] = p.Healthy(name)
	}
	return out
}

// Run probes service health until the context is cancelled. One immediate
// pass happens on startup so a dead service is caught before the first tick.
func (p *Pool) Run(ctx context.Context) {
	p.probeAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Pool) probeAll(ctx context.Context) {
	for _, svc := range p.services {
		p.probe(ctx, svc)
	}
}

func (p *Pool) probe(ctx context.Context, svc *service) {
	err := p.checkHealth(ctx, svc)

	svc.mu.Lock()
	defer svc.mu.Unlock()

	if err == nil {
		if !svc.healthy {
			p.logger.Info("service back in rotation", slog.String("service", svc.Name))
		}
		svc.healthy = true
		svc.failures = 0
		return
	}

	svc.failures++
	p.logger.Warn("service health check failed",
		slog.String("service", svc.Name),
		slog.Int("consecutive_failures", svc.failures),
		slog.String("error", err.Error()),
	)
	if svc.healthy && svc.failures >= p.failureThreshold {
		svc.healthy = false
		p.logger.Error("service out of rotation", slog.String("service", svc.Name))
	}
}

func (p *Pool) checkHealth(ctx context.Context, svc *service) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
	if err != nil {
		return err
	}
	if svc.Token != "" {
		req.Header.Set("Authorization", "Bearer "+svc.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// The inference services answer their root with 404 or 405; any of
	// those still proves the process is up and serving.
	switch {
	case resp.StatusCode < http.StatusMultipleChoices:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	default:
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
}
