package flush

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/cloudvol/internal/buffer"
	"github.com/objectfs/cloudvol/internal/cache"
	"github.com/objectfs/cloudvol/internal/config"
	"github.com/objectfs/cloudvol/internal/storage/memory"
	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/types"
)

const key = "data/run.h5"

type fixture struct {
	store *memory.Store
	buf   *buffer.WriteBuffer
	cache *cache.RangeCache
	state *Tracker
}

func newFixture(initial State) *fixture {
	return &fixture{
		store: memory.New("bkt"),
		buf:   buffer.NewWriteBuffer(),
		cache: cache.NewRangeCache(1 << 20),
		state: NewTracker(initial),
	}
}

func (f *fixture) write(off int64, data []byte) {
	f.cache.Invalidate(types.ByteRange{Offset: off, Length: int64(len(data))})
	f.buf.Write(off, data)
	f.state.MarkDirty()
}

func (f *fixture) request(length, remoteSize int64) Request {
	return Request{
		Key:        key,
		Length:     length,
		RemoteSize: remoteSize,
		Buffer:     f.buf,
		Cache:      f.cache,
		State:      f.state,
	}
}

func smallPolicy() Policy {
	return Policy{MultipartThreshold: 64, PartSize: 32, Concurrency: 1, MaxAttempts: 3}
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + i%26)
	}
	return out
}

func TestFlush_CleanFileMakesNoCalls(t *testing.T) {
	f := newFixture(Clean)
	p := New(f.store, smallPolicy())

	for i := 0; i < 3; i++ {
		res, err := p.Flush(context.Background(), f.request(10, 10))
		require.NoError(t, err)
		assert.Equal(t, PathNoop, res.Path)
	}
	assert.Zero(t, f.store.TotalCalls())
}

func TestFlush_CoalescedWritesSinglePut(t *testing.T) {
	f := newFixture(Dirty)
	p := New(f.store, smallPolicy())

	f.write(0, bytes.Repeat([]byte("a"), 30))
	f.write(30, bytes.Repeat([]byte("b"), 30))

	res, err := p.Flush(context.Background(), f.request(60, 0))
	require.NoError(t, err)

	assert.Equal(t, PathPut, res.Path)
	assert.Equal(t, 1, res.Segments)
	assert.Equal(t, int64(60), res.Released)
	assert.Equal(t, 1, f.store.Calls(memory.OpPut))
	assert.Equal(t, 1, f.store.TotalCalls())
	assert.Equal(t, Clean, f.state.State())

	obj, ok := f.store.Object(key)
	require.True(t, ok)
	assert.Equal(t, append(bytes.Repeat([]byte("a"), 30), bytes.Repeat([]byte("b"), 30)...), obj)

	// second flush is a no-op
	f.store.ResetCalls()
	res, err = p.Flush(context.Background(), f.request(60, 60))
	require.NoError(t, err)
	assert.Equal(t, PathNoop, res.Path)
	assert.Zero(t, f.store.TotalCalls())
}

func TestFlush_CreatedEmptyFile(t *testing.T) {
	f := newFixture(Dirty)
	p := New(f.store, smallPolicy())

	res, err := p.Flush(context.Background(), f.request(0, 0))
	require.NoError(t, err)

	assert.Equal(t, PathPut, res.Path)
	obj, ok := f.store.Object(key)
	require.True(t, ok)
	assert.Empty(t, obj)
}

func TestFlush_RoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		threshold int64
		wantPath  Path
		wantParts int
	}{
		{name: "single put", threshold: 1 << 20, wantPath: PathPut},
		{name: "multipart", threshold: 64, wantPath: PathMultipart, wantParts: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Dirty)
			policy := smallPolicy()
			policy.MultipartThreshold = tt.threshold
			policy.Concurrency = 3
			p := New(f.store, policy)

			data := pattern(100)
			f.write(0, data[:40])
			f.write(40, data[40:])

			res, err := p.Flush(context.Background(), f.request(100, 0))
			require.NoError(t, err)

			assert.Equal(t, tt.wantPath, res.Path)
			assert.Equal(t, tt.wantParts, res.Parts)
			assert.Equal(t, 1, res.Attempts)
			assert.NotEmpty(t, res.Version)

			obj, _ := f.store.Object(key)
			assert.Equal(t, data, obj)
			assert.Zero(t, f.store.PendingUploads())
			if tt.wantPath == PathMultipart {
				assert.Equal(t, 4, f.store.Calls(memory.OpUploadPart))
				assert.Equal(t, 1, f.store.Calls(memory.OpComplete))
			}
		})
	}
}

func TestFlush_WritePastEOF(t *testing.T) {
	tests := []struct {
		name      string
		policy    Policy
		warmCache bool
		wantGets  int
	}{
		{name: "put fetches old bytes", policy: Policy{MultipartThreshold: 1 << 20}, wantGets: 1},
		{name: "put uses cached bytes", policy: Policy{MultipartThreshold: 1 << 20}, warmCache: true, wantGets: 1},
		{name: "multipart fetches per part", policy: Policy{MultipartThreshold: 8, PartSize: 8}, wantGets: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Clean)
			old := []byte("0123456789")
			f.store.SetObject(key, old)
			if tt.warmCache {
				f.cache.Put(0, old[:5])
			}
			p := New(f.store, tt.policy)

			f.write(15, []byte("xy"))
			_, err := p.Flush(context.Background(), f.request(17, int64(len(old))))
			require.NoError(t, err)

			obj, _ := f.store.Object(key)
			want := append(append([]byte("0123456789"), make([]byte, 5)...), 'x', 'y')
			assert.Equal(t, want, obj)
			assert.Equal(t, tt.wantGets, f.store.Calls(memory.OpGet))
		})
	}
}

func TestFlush_OverwriteKeepsUntouchedBytes(t *testing.T) {
	f := newFixture(Clean)
	f.store.SetObject(key, []byte("aaaaaaaaaa"))
	p := New(f.store, Policy{MultipartThreshold: 1 << 20})

	f.write(2, []byte("bb"))
	f.write(6, []byte("cc"))
	_, err := p.Flush(context.Background(), f.request(10, 10))
	require.NoError(t, err)

	obj, _ := f.store.Object(key)
	assert.Equal(t, "aabbaaccaa", string(obj))
	assert.Equal(t, 3, f.store.Calls(memory.OpGet), "one GET per gap run")
}

func TestFlush_PromotesToCache(t *testing.T) {
	f := newFixture(Dirty)
	p := New(f.store, smallPolicy())

	f.write(0, []byte("hello"))
	f.write(10, []byte("world"))
	_, err := p.Flush(context.Background(), f.request(15, 0))
	require.NoError(t, err)

	assert.False(t, f.buf.IsDirty())
	assert.Equal(t, []types.ByteRange{{Offset: 0, Length: 5}, {Offset: 10, Length: 5}}, f.cache.Ranges())
}

func TestFlush_MultipartRetriesFromFreshUpload(t *testing.T) {
	f := newFixture(Dirty)
	p := New(f.store, smallPolicy())

	data := pattern(100)
	f.write(0, data)
	f.store.InjectFault(memory.OpUploadPart, errors.NewError(errors.ErrCodeServerError, "boom"), 1)

	res, err := p.Flush(context.Background(), f.request(100, 0))
	require.NoError(t, err)

	assert.Equal(t, PathMultipart, res.Path)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, f.store.Calls(memory.OpBegin))
	assert.Equal(t, 1, f.store.Calls(memory.OpAbort))
	assert.Zero(t, f.store.PendingUploads())

	obj, _ := f.store.Object(key)
	assert.Equal(t, data, obj)
}

func TestFlush_FailureKeepsDirtyData(t *testing.T) {
	f := newFixture(Dirty)
	p := New(f.store, smallPolicy())

	data := pattern(100)
	f.write(0, data)
	f.store.InjectFault(memory.OpUploadPart, errors.NewError(errors.ErrCodeServerError, "boom"), 3)

	res, err := p.Flush(context.Background(), f.request(100, 0))
	require.Error(t, err)

	assert.True(t, errors.IsFlushFailure(err))
	assert.ErrorIs(t, err, errors.NewError(errors.ErrCodeServerError, ""))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, FlushFailed, f.state.State())
	assert.Equal(t, int64(100), f.buf.DirtyBytes())
	assert.Zero(t, f.store.PendingUploads())
	_, exists := f.store.Object(key)
	assert.False(t, exists)

	// the next flush starts over and succeeds
	_, err = p.Flush(context.Background(), f.request(100, 0))
	require.NoError(t, err)
	assert.Equal(t, Clean, f.state.State())
	obj, _ := f.store.Object(key)
	assert.Equal(t, data, obj)
}

func TestFlush_AuthFailureNotRetried(t *testing.T) {
	f := newFixture(Dirty)
	p := New(f.store, smallPolicy())

	f.write(0, pattern(100))
	f.store.InjectFault(memory.OpComplete, errors.NewError(errors.ErrCodeAccessDenied, "denied"), 1)

	res, err := p.Flush(context.Background(), f.request(100, 0))
	require.Error(t, err)

	assert.True(t, errors.IsFlushFailure(err))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, f.store.Calls(memory.OpBegin))
	assert.Equal(t, 1, f.store.Calls(memory.OpAbort))
}

func TestFlush_PutFailure(t *testing.T) {
	f := newFixture(Dirty)
	p := New(f.store, smallPolicy())

	f.write(0, []byte("abc"))
	f.store.InjectFault(memory.OpPut, errors.NewError(errors.ErrCodeRetryExhausted, "gave up"), 1)

	_, err := p.Flush(context.Background(), f.request(3, 0))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeFlushFailed, errors.CodeOf(err))
	assert.Equal(t, FlushFailed, f.state.State())
	assert.Empty(t, f.cache.Ranges(), "nothing is promoted on failure")
}

func TestTracker(t *testing.T) {
	tr := NewTracker(Clean)
	tr.MarkDirty()
	assert.Equal(t, Dirty, tr.State())

	ok, err := tr.begin()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Flushing, tr.State())

	_, err = tr.begin()
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))

	tr.finish(errors.NewError(errors.ErrCodeServerError, "boom"))
	assert.Equal(t, FlushFailed, tr.State())

	tr.MarkDirty()
	assert.Equal(t, FlushFailed, tr.State(), "failure stays visible until the next flush")

	ok, _ = tr.begin()
	assert.True(t, ok)
	tr.finish(nil)
	assert.Equal(t, Clean, tr.State())

	ok, _ = tr.begin()
	assert.False(t, ok)
	assert.Equal(t, "flush_failed", FlushFailed.String())
}

func TestPolicyFromConfig(t *testing.T) {
	policy, err := PolicyFromConfig(config.NewDefault())
	require.NoError(t, err)

	assert.Equal(t, Policy{
		MultipartThreshold: 64 << 20,
		PartSize:           16 << 20,
		Concurrency:        8,
		MaxAttempts:        3,
	}, policy)

	cfg := config.NewDefault()
	cfg.Flush.PartSize = "lots"
	_, err = PolicyFromConfig(cfg)
	assert.True(t, errors.IsConfiguration(err))
}

func TestPartCount(t *testing.T) {
	assert.Equal(t, 1, partCount(1, 32))
	assert.Equal(t, 1, partCount(32, 32))
	assert.Equal(t, 2, partCount(33, 32))
	assert.Equal(t, 4, partCount(100, 32))
}
