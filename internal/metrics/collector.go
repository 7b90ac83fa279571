package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/cloudvol/pkg/errors"
)

// Collector records backend, cache and flush metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	retryCounter      *prometheus.CounterVec
	breakerCounter    *prometheus.CounterVec
	cacheCounter      *prometheus.CounterVec
	cacheBytes        *prometheus.CounterVec
	cacheEvictions    prometheus.Counter
	flushCounter      *prometheus.CounterVec
	flushDuration     *prometheus.HistogramVec
	flushParts        prometheus.Counter
	dirtyBytes        prometheus.Gauge
	openFiles         prometheus.Gauge

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks one backend operation.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	LastOperation time.Time     `json:"last_operation"`
}

// AvgDuration returns the mean call latency.
func (m OperationMetrics) AvgDuration() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Count)
}

// DefaultConfig returns an enabled collector without an HTTP endpoint.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "cloudvol",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}

	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     logger.With("component", "metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// Registry exposes the underlying registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Start serves the registry over HTTP when a port is configured.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() || c.config.Port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server stopped", "error", err)
		}
	}()

	c.logger.Info("metrics endpoint started", "port", c.config.Port, "path", c.config.Path)
	return nil
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records one backend call.
func (c *Collector) RecordOperation(backend, operation string, duration time.Duration, size int64, err error) {
	if !c.enabled() {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	m.LastOperation = time.Now()
	if err != nil {
		m.Errors++
	}
	c.mu.Unlock()

	c.operationCounter.WithLabelValues(backend, operation, status).Inc()
	c.operationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(backend, operation).Observe(float64(size))
	}
	if err != nil {
		c.errorCounter.WithLabelValues(operation, classifyError(err)).Inc()
	}
}

// RecordRetry counts a retried backend call.
func (c *Collector) RecordRetry(operation string) {
	if !c.enabled() {
		return
	}
	c.retryCounter.WithLabelValues(operation).Inc()
}

// RecordBreakerTransition counts circuit breaker state changes.
func (c *Collector) RecordBreakerTransition(name, state string) {
	if !c.enabled() {
		return
	}
	c.breakerCounter.WithLabelValues(name, state).Inc()
}

// RecordCacheHit records bytes served from the clean cache.
func (c *Collector) RecordCacheHit(size int64) {
	if !c.enabled() {
		return
	}
	c.cacheCounter.WithLabelValues("hit").Inc()
	c.cacheBytes.WithLabelValues("hit").Add(float64(size))
}

// RecordCacheMiss records bytes that had to be fetched.
func (c *Collector) RecordCacheMiss(size int64) {
	if !c.enabled() {
		return
	}
	c.cacheCounter.WithLabelValues("miss").Inc()
	c.cacheBytes.WithLabelValues("miss").Add(float64(size))
}

// RecordEvictions counts evicted clean segments.
func (c *Collector) RecordEvictions(n int) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.cacheEvictions.Add(float64(n))
}

// RecordFlush records one flush. path is "noop", "put" or "multipart".
func (c *Collector) RecordFlush(path string, duration time.Duration, parts int, err error) {
	if !c.enabled() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.flushCounter.WithLabelValues(path, status).Inc()
	c.flushDuration.WithLabelValues(path).Observe(duration.Seconds())
	if parts > 0 {
		c.flushParts.Add(float64(parts))
	}
}

// AddDirtyBytes moves the dirty-byte gauge by delta.
func (c *Collector) AddDirtyBytes(delta int64) {
	if !c.enabled() {
		return
	}
	c.dirtyBytes.Add(float64(delta))
}

// AddOpenFiles moves the open-file gauge by delta.
func (c *Collector) AddOpenFiles(delta int) {
	if !c.enabled() {
		return
	}
	c.openFiles.Add(float64(delta))
}

// Operations returns a copy of the per-operation totals.
func (c *Collector) Operations() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if !c.enabled() {
		return out
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the per-operation totals. Prometheus series are kept.
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "backend_operations_total",
		Help: "Total number of object store calls",
	}, []string{"backend", "operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "backend_operation_duration_seconds",
		Help:    "Duration of object store calls in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"backend", "operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "backend_operation_size_bytes",
		Help:    "Payload size of object store calls in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 12), // 1KiB to 4GiB
	}, []string{"backend", "operation"})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "errors_total",
		Help: "Total number of failed calls by error category",
	}, []string{"operation", "category"})

	c.retryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "retries_total",
		Help: "Total number of retried object store calls",
	}, []string{"operation"})

	c.breakerCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "circuit_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"breaker", "state"})

	c.cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_requests_total",
		Help: "Range cache lookups by result",
	}, []string{"type"})

	c.cacheBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_bytes_total",
		Help: "Bytes served from or missed by the range cache",
	}, []string{"type"})

	c.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_evictions_total",
		Help: "Clean segments evicted from the range cache",
	})

	c.flushCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "flushes_total",
		Help: "File flushes by upload path and outcome",
	}, []string{"path", "status"})

	c.flushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "flush_duration_seconds",
		Help:    "Duration of file flushes in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 18),
	}, []string{"path"})

	c.flushParts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "flush_parts_total",
		Help: "Multipart parts uploaded by flushes",
	})

	c.dirtyBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "dirty_bytes",
		Help: "Bytes written but not yet flushed",
	})

	c.openFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "open_files",
		Help: "Open virtual file handles",
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.errorCounter,
		c.retryCounter,
		c.breakerCounter,
		c.cacheCounter,
		c.cacheBytes,
		c.cacheEvictions,
		c.flushCounter,
		c.flushDuration,
		c.flushParts,
		c.dirtyBytes,
		c.openFiles,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func classifyError(err error) string {
	return string(errors.CategoryOf(err))
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"cloudvol-metrics"}`))
}
