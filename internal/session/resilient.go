package session

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/objectfs/cloudvol/internal/circuit"
	"github.com/objectfs/cloudvol/internal/metrics"
	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/retry"
	"github.com/objectfs/cloudvol/pkg/types"
)

// ResilientStore wraps a backend with bounded retries, a circuit breaker,
// an optional request rate limit and per-call metrics. It keeps no state
// per call, so concurrent callers never serialize on it.
type ResilientStore struct {
	backend  types.ObjectStore
	platform string
	retryer  *retry.Retryer
	breaker  *circuit.Breaker
	limiter  *rate.Limiter
	metrics  *metrics.Collector
	logger   *slog.Logger
}

var _ types.ObjectStore = (*ResilientStore)(nil)

// ResilienceConfig selects the resilience layers.
type ResilienceConfig struct {
	Retry retry.Config

	// Breaker is nil when circuit breaking is disabled.
	Breaker *circuit.Config

	// RequestsPerSecond of 0 disables rate limiting.
	RequestsPerSecond float64
	Burst             int
}

// NewResilientStore wraps backend.
func NewResilientStore(backend types.ObjectStore, platform string, cfg ResilienceConfig,
	collector *metrics.Collector, logger *slog.Logger) *ResilientStore {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "resilient-store", "platform", platform)

	r := &ResilientStore{
		backend:  backend,
		platform: platform,
		retryer:  retry.New(cfg.Retry),
		metrics:  collector,
		logger:   logger,
	}

	if cfg.Breaker != nil {
		bc := *cfg.Breaker
		onChange := bc.OnStateChange
		bc.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
			collector.RecordBreakerTransition(name, to.String())
			if onChange != nil {
				onChange(name, from, to)
			}
		}
		r.breaker = circuit.NewBreaker(platform, bc)
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond) + 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return r
}

// Backend returns the wrapped store.
func (r *ResilientStore) Backend() types.ObjectStore { return r.backend }

// Breaker returns the circuit breaker, or nil.
func (r *ResilientStore) Breaker() *circuit.Breaker { return r.breaker }

// MaxAttempts is the number of tries a retried call gets.
func (r *ResilientStore) MaxAttempts() int { return r.retryer.MaxAttempts() }

func (r *ResilientStore) call(ctx context.Context, op, key string, size int64, fn func(context.Context) error) error {
	return r.do(ctx, op, key, size, true, fn)
}

// callOnce makes a single attempt. Multipart parts use it: a failed part
// fails its upload, and the flush protocol restarts from a new one.
func (r *ResilientStore) callOnce(ctx context.Context, op, key string, size int64, fn func(context.Context) error) error {
	return r.do(ctx, op, key, size, false, fn)
}

func (r *ResilientStore) do(ctx context.Context, op, key string, size int64, retried bool, fn func(context.Context) error) error {
	start := time.Now()

	guarded := func(ctx context.Context) error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return errors.Wrap(err, errors.ErrCodeStorageIO, "rate limiter wait aborted").
					WithOperation(op).WithKey(key)
			}
		}
		if r.breaker != nil {
			return r.breaker.Execute(ctx, fn)
		}
		return fn(ctx)
	}

	var err error
	if retried {
		retryer := r.retryer.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			r.logger.Debug("retrying operation",
				"operation", op, "key", key, "attempt", attempt, "delay", delay, "error", err)
			r.metrics.RecordRetry(op)
		})
		err = retryer.DoWithContext(ctx, guarded)
	} else {
		err = guarded(ctx)
	}

	r.metrics.RecordOperation(r.platform, op, time.Since(start), size, err)
	if err != nil && !errors.IsNotFound(err) {
		r.logger.Debug("operation failed", "operation", op, "key", key, "error", err)
	}
	return err
}

func (r *ResilientStore) Get(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	var data []byte
	err := r.call(ctx, "get", key, max(length, 0), func(ctx context.Context) error {
		var err error
		data, err = r.backend.Get(ctx, key, offset, length)
		return err
	})
	return data, err
}

func (r *ResilientStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	var version string
	err := r.call(ctx, "put", key, int64(len(data)), func(ctx context.Context) error {
		var err error
		version, err = r.backend.Put(ctx, key, data)
		return err
	})
	return version, err
}

func (r *ResilientStore) Head(ctx context.Context, key string) (*types.ObjectInfo, error) {
	var info *types.ObjectInfo
	err := r.call(ctx, "head", key, 0, func(ctx context.Context) error {
		var err error
		info, err = r.backend.Head(ctx, key)
		return err
	})
	return info, err
}

func (r *ResilientStore) Delete(ctx context.Context, key string) error {
	return r.call(ctx, "delete", key, 0, func(ctx context.Context) error {
		return r.backend.Delete(ctx, key)
	})
}

func (r *ResilientStore) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	var objects []types.ObjectInfo
	err := r.call(ctx, "list", prefix, 0, func(ctx context.Context) error {
		var err error
		objects, err = r.backend.List(ctx, prefix)
		return err
	})
	return objects, err
}

func (r *ResilientStore) BeginMultipart(ctx context.Context, key string) (*types.UploadSession, error) {
	var session *types.UploadSession
	err := r.call(ctx, "begin_multipart", key, 0, func(ctx context.Context) error {
		var err error
		session, err = r.backend.BeginMultipart(ctx, key)
		return err
	})
	return session, err
}

func (r *ResilientStore) UploadPart(ctx context.Context, session *types.UploadSession, index int, data []byte) (types.PartTag, error) {
	var tag types.PartTag
	err := r.callOnce(ctx, "upload_part", session.Key, int64(len(data)), func(ctx context.Context) error {
		var err error
		tag, err = r.backend.UploadPart(ctx, session, index, data)
		return err
	})
	return tag, err
}

func (r *ResilientStore) CompleteMultipart(ctx context.Context, session *types.UploadSession, tags []types.PartTag) (string, error) {
	var version string
	err := r.call(ctx, "complete_multipart", session.Key, 0, func(ctx context.Context) error {
		var err error
		version, err = r.backend.CompleteMultipart(ctx, session, tags)
		return err
	})
	return version, err
}

func (r *ResilientStore) AbortMultipart(ctx context.Context, session *types.UploadSession) error {
	return r.call(ctx, "abort_multipart", session.Key, 0, func(ctx context.Context) error {
		return r.backend.AbortMultipart(ctx, session)
	})
}

// Close closes the wrapped backend.
func (r *ResilientStore) Close() error {
	return r.backend.Close()
}
