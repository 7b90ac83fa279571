package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/cloudvol/internal/circuit"
	"github.com/objectfs/cloudvol/internal/config"
	"github.com/objectfs/cloudvol/internal/metrics"
	"github.com/objectfs/cloudvol/internal/storage/memory"
	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/retry"
	"github.com/objectfs/cloudvol/pkg/types"
)

func memoryConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Storage.Platform = string(config.PlatformMemory)
	cfg.Storage.Bucket = "bkt"
	cfg.Network.Retry.BaseDelay = time.Millisecond
	cfg.Network.Retry.MaxDelay = time.Millisecond
	return cfg
}

func withStore(store *memory.Store, builds *int32) Option {
	return WithFactory(config.PlatformMemory, func(context.Context, *config.Configuration, *slog.Logger) (types.ObjectStore, error) {
		if builds != nil {
			atomic.AddInt32(builds, 1)
		}
		return store, nil
	})
}

func TestNewManager_FailsFast(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Configuration)
		code   errors.ErrorCode
	}{
		{"missing bucket", func(c *config.Configuration) { c.Storage.Bucket = "" }, errors.ErrCodeMissingConfig},
		{"unsupported platform", func(c *config.Configuration) { c.Storage.Platform = "GCS" }, errors.ErrCodeUnsupportedPlatform},
		{"s3 without keys", func(c *config.Configuration) { c.Storage.Platform = "S3" }, errors.ErrCodeMissingConfig},
		{"minio without endpoint", func(c *config.Configuration) {
			c.Storage.Platform = "MinIO"
			c.S3.AccessKeyID = "minioadmin"
			c.S3.SecretAccessKey = "minioadmin"
		}, errors.ErrCodeMissingConfig},
		{"azure without connection string", func(c *config.Configuration) { c.Storage.Platform = "Azure" }, errors.ErrCodeMissingConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			tt.mutate(cfg)

			var builds int32
			m, err := NewManager(cfg, withStore(memory.New("bkt"), &builds))
			require.Error(t, err)
			assert.Nil(t, m)
			assert.True(t, errors.IsConfiguration(err))
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Zero(t, builds)
		})
	}

	_, err := NewManager(nil)
	assert.Equal(t, errors.ErrCodeMissingConfig, errors.CodeOf(err))
}

func TestManager_SessionBuiltOnce(t *testing.T) {
	var builds int32
	m, err := NewManager(memoryConfig(), withStore(memory.New("bkt"), &builds))
	require.NoError(t, err)
	assert.Zero(t, builds, "construction is lazy")

	var wg sync.WaitGroup
	sessions := make([]*ClientSession, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Session(context.Background())
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds)
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, config.PlatformMemory, sessions[0].Platform())
	assert.Equal(t, "bkt", sessions[0].Bucket())
	assert.NotNil(t, sessions[0].Resilient().Breaker())
}

func TestManager_ReconfigureRejected(t *testing.T) {
	m, err := NewManager(memoryConfig(), withStore(memory.New("bkt"), nil))
	require.NoError(t, err)

	err = m.Reconfigure(memoryConfig())
	assert.Equal(t, errors.ErrCodeSessionReconfigured, errors.CodeOf(err))
	assert.True(t, errors.IsConfiguration(err))
}

func TestManager_Close(t *testing.T) {
	store := memory.New("bkt")
	m, err := NewManager(memoryConfig(), withStore(store, nil))
	require.NoError(t, err)

	s, err := m.Session(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")

	_, err = m.Session(context.Background())
	assert.Equal(t, errors.ErrCodeComponentStopped, errors.CodeOf(err))

	_, err = s.Store().Head(context.Background(), "k")
	assert.Equal(t, errors.ErrCodeComponentStopped, errors.CodeOf(err), "backend was closed")
}

func TestManager_DefaultMemoryFactory(t *testing.T) {
	m, err := NewManager(memoryConfig())
	require.NoError(t, err)
	defer m.Close()

	s, err := m.Session(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Store().Put(ctx, "a.h5", []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, s.HealthCheck(ctx))

	data, err := s.Store().Get(ctx, "a.h5", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "bc", string(data))
}

func fastRetry(attempts int) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = attempts
	cfg.InitialDelay = time.Microsecond
	cfg.MaxDelay = time.Microsecond
	return cfg
}

func TestResilientStore_Retry(t *testing.T) {
	transient := errors.NewError(errors.ErrCodeServerError, "503 from provider")

	tests := []struct {
		name      string
		faults    int
		wantCalls int
		wantErr   errors.ErrorCode
	}{
		{"no faults", 0, 1, ""},
		{"one transient", 1, 2, ""},
		{"three transient", 3, 4, ""},
		{"exhausted", 4, 4, errors.ErrCodeRetryExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New("bkt")
			store.SetObject("k", []byte("value"))
			store.InjectFault(memory.OpGet, transient, tt.faults)

			collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "test"}, nil)
			require.NoError(t, err)
			r := NewResilientStore(store, "Memory", ResilienceConfig{Retry: fastRetry(4)}, collector, nil)

			data, err := r.Get(context.Background(), "k", 0, 0)
			assert.Equal(t, tt.wantCalls, store.Calls(memory.OpGet))
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "value", string(data))
				return
			}
			assert.Equal(t, tt.wantErr, errors.CodeOf(err))
			assert.True(t, errors.IsTerminal(err))
			assert.ErrorIs(t, err, transient, "last error is wrapped")
		})
	}
}

func TestResilientStore_NonTransientNotRetried(t *testing.T) {
	store := memory.New("bkt")
	store.InjectFault(memory.OpPut, errors.NewError(errors.ErrCodeAccessDenied, "denied"), 1)
	r := NewResilientStore(store, "Memory", ResilienceConfig{Retry: fastRetry(4)}, nil, nil)

	_, err := r.Put(context.Background(), "k", []byte("v"))
	assert.True(t, errors.IsAuth(err))
	assert.Equal(t, 1, store.Calls(memory.OpPut))

	_, err = r.Head(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, 1, store.Calls(memory.OpHead))
}

func TestResilientStore_UploadPartSingleAttempt(t *testing.T) {
	store := memory.New("bkt")
	transient := errors.NewError(errors.ErrCodeServerError, "500")
	store.InjectFault(memory.OpUploadPart, transient, 1)
	r := NewResilientStore(store, "Memory", ResilienceConfig{Retry: fastRetry(4)}, nil, nil)
	assert.Equal(t, 4, r.MaxAttempts())

	ctx := context.Background()
	upload, err := r.BeginMultipart(ctx, "k")
	require.NoError(t, err)

	_, err = r.UploadPart(ctx, upload, 1, []byte("part"))
	assert.True(t, errors.IsTransient(err), "part errors surface unwrapped")
	assert.Equal(t, 1, store.Calls(memory.OpUploadPart))

	_, err = r.UploadPart(ctx, upload, 1, []byte("part"))
	require.NoError(t, err)
	assert.Equal(t, 2, store.Calls(memory.OpUploadPart))
}

func TestResilientStore_BreakerOpens(t *testing.T) {
	store := memory.New("bkt")
	store.InjectFault(memory.OpHead, errors.NewError(errors.ErrCodeNetworkError, "reset"), 100)

	var transitions []circuit.State
	r := NewResilientStore(store, "Memory", ResilienceConfig{
		Retry: fastRetry(1),
		Breaker: &circuit.Config{
			FailureThreshold: 2,
			Timeout:          time.Hour,
			OnStateChange: func(_ string, _, to circuit.State) {
				transitions = append(transitions, to)
			},
		},
	}, nil, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := r.Head(ctx, "k")
		assert.True(t, errors.IsTerminal(err))
	}

	_, err := r.Head(ctx, "k")
	assert.Equal(t, errors.ErrCodeServiceUnavailable, errors.CodeOf(err))
	assert.Equal(t, 2, store.Calls(memory.OpHead), "open circuit does not reach the backend")
	assert.Equal(t, []circuit.State{circuit.StateOpen}, transitions)
}

func TestResilientStore_RateLimited(t *testing.T) {
	store := memory.New("bkt")
	r := NewResilientStore(store, "Memory", ResilienceConfig{
		Retry:             fastRetry(1),
		RequestsPerSecond: 1000,
	}, nil, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := r.Put(ctx, "k", []byte("v"))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, store.Calls(memory.OpPut))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := r.Put(cancelled, "k", []byte("v"))
	assert.Error(t, err)
	assert.Equal(t, 5, store.Calls(memory.OpPut))
}
