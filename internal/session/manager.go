package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/objectfs/cloudvol/internal/circuit"
	"github.com/objectfs/cloudvol/internal/config"
	"github.com/objectfs/cloudvol/internal/metrics"
	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/retry"
	"github.com/objectfs/cloudvol/pkg/types"
)

// ClientSession is the immutable, process-wide connection to one bucket.
type ClientSession struct {
	platform  config.Platform
	bucket    string
	store     *ResilientStore
	createdAt time.Time
}

// Platform returns the storage platform.
func (s *ClientSession) Platform() config.Platform { return s.platform }

// Bucket returns the bucket or container name.
func (s *ClientSession) Bucket() string { return s.bucket }

// Store returns the resilient object store used for all file I/O.
func (s *ClientSession) Store() types.ObjectStore { return s.store }

// Resilient returns the store with its resilience controls exposed.
func (s *ClientSession) Resilient() *ResilientStore { return s.store }

// CreatedAt returns when the session was built.
func (s *ClientSession) CreatedAt() time.Time { return s.createdAt }

// HealthCheck probes the bucket when the backend supports it.
func (s *ClientSession) HealthCheck(ctx context.Context) error {
	hc, ok := s.store.Backend().(types.HealthChecker)
	if !ok {
		_, err := s.store.List(ctx, "")
		return err
	}
	return s.store.call(ctx, "health_check", "", 0, hc.HealthCheck)
}

// Manager owns the single ClientSession of the process.
type Manager struct {
	config    *config.Configuration
	platform  config.Platform
	factories map[config.Platform]Factory
	metrics   *metrics.Collector
	logger    *slog.Logger

	mu      sync.Mutex
	session *ClientSession
	closed  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithFactory replaces the backend factory for platform.
func WithFactory(platform config.Platform, f Factory) Option {
	return func(m *Manager) { m.factories[platform] = f }
}

// WithMetrics records per-call metrics on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = collector }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager validates cfg and returns a manager. Configuration problems
// are reported here, before any file is opened.
func NewManager(cfg *config.Configuration, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "configuration is required").
			WithComponent("session")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	platform, err := cfg.Platform()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config:    cfg,
		platform:  platform,
		factories: DefaultFactories(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session-manager")

	if _, ok := m.factories[platform]; !ok {
		return nil, errors.Newf(errors.ErrCodeUnsupportedPlatform, "no backend registered for platform %s", platform).
			WithComponent("session")
	}
	return m, nil
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() *config.Configuration { return m.config }

// Session returns the process-wide session, building it on first use.
// A failed build is not cached; the next call tries again.
func (m *Manager) Session(ctx context.Context) (*ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.NewError(errors.ErrCodeComponentStopped, "session manager is closed").
			WithComponent("session")
	}
	if m.session != nil {
		return m.session, nil
	}

	backend, err := m.factories[m.platform](ctx, m.config, m.logger)
	if err != nil {
		return nil, err
	}

	m.session = &ClientSession{
		platform:  m.platform,
		bucket:    m.config.Storage.Bucket,
		store:     NewResilientStore(backend, string(m.platform), m.resilience(), m.metrics, m.logger),
		createdAt: time.Now(),
	}
	m.logger.Info("storage session established",
		"platform", m.platform,
		"bucket", m.config.Storage.Bucket)
	return m.session, nil
}

func (m *Manager) resilience() ResilienceConfig {
	nc := m.config.Network

	rc := retry.DefaultConfig()
	rc.MaxAttempts = nc.Retry.MaxAttempts
	rc.InitialDelay = nc.Retry.BaseDelay
	rc.MaxDelay = nc.Retry.MaxDelay

	cfg := ResilienceConfig{
		Retry:             rc,
		RequestsPerSecond: nc.RequestsPerSecond,
		Burst:             nc.Burst,
	}
	if nc.CircuitBreaker.Enabled {
		cfg.Breaker = &circuit.Config{
			FailureThreshold: uint32(nc.CircuitBreaker.FailureThreshold),
			Timeout:          nc.CircuitBreaker.Timeout,
		}
	}
	return cfg
}

// Reconfigure always fails: a session's settings are fixed for the life of
// the process.
func (m *Manager) Reconfigure(cfg *config.Configuration) error {
	return errors.NewError(errors.ErrCodeSessionReconfigured,
		"session configuration cannot change after construction").
		WithComponent("session")
}

// Close ends the session. Later Session calls fail with COMPONENT_STOPPED.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.session == nil {
		return nil
	}
	err := m.session.store.Close()
	m.session = nil
	m.logger.Info("storage session closed")
	return err
}
