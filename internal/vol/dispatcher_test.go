package vol

import (
	"bytes"
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/cloudvol/internal/config"
	"github.com/objectfs/cloudvol/internal/flush"
	"github.com/objectfs/cloudvol/internal/session"
	"github.com/objectfs/cloudvol/internal/storage/memory"
	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/types"
)

type harness struct {
	d      *Dispatcher
	store  *memory.Store
	builds *int32
}

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Storage.Platform = string(config.PlatformMemory)
	cfg.Storage.Bucket = "bkt"
	cfg.Network.Retry.BaseDelay = time.Millisecond
	cfg.Network.Retry.MaxDelay = time.Millisecond
	cfg.Monitoring.Metrics.Enabled = false
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.Configuration)) *harness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	store := memory.New("bkt")
	var builds int32
	m, err := session.NewManager(cfg, session.WithFactory(config.PlatformMemory,
		func(context.Context, *config.Configuration, *slog.Logger) (types.ObjectStore, error) {
			atomic.AddInt32(&builds, 1)
			return store, nil
		}))
	require.NoError(t, err)

	d, err := NewDispatcher(m)
	require.NoError(t, err)
	return &harness{d: d, store: store, builds: &builds}
}

func (h *harness) read(t *testing.T, hd Handle, off int64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, h.d.FileRead(context.Background(), hd, off, buf))
	return buf
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/251)
	}
	return out
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"./data.h5", "data.h5"},
		{"data.h5", "data.h5"},
		{"runs/a/b.h5", "runs/a/b.h5"},
		{`runs\win\b.h5`, "runs/win/b.h5"},
		{"/abs/file.h5", "abs/file.h5"},
		{"runs//x/../y.h5", "runs/y.h5"},
		{"", ""},
		{"./", ""},
		{".", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectKey(tt.name))
		})
	}
}

func TestDispatcher_LastWriteWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	hd, err := h.d.FileCreate(ctx, "./lww.h5", FlagTruncate)
	require.NoError(t, err)

	require.NoError(t, h.d.FileWrite(ctx, hd, 0, bytes.Repeat([]byte("a"), 10)))
	require.NoError(t, h.d.FileWrite(ctx, hd, 5, bytes.Repeat([]byte("b"), 10)))
	require.NoError(t, h.d.FileWrite(ctx, hd, 12, []byte("c")))

	assert.Equal(t, "aaaaabbbbbbbcbb", string(h.read(t, hd, 0, 15)))
	assert.Equal(t, "bbc", string(h.read(t, hd, 10, 3)))
	assert.Zero(t, h.store.TotalCalls(), "writes and reads of a new file stay local")

	size, err := h.d.FileGetSize(ctx, hd)
	require.NoError(t, err)
	assert.Equal(t, int64(15), size)
}

func TestDispatcher_RoundTrip(t *testing.T) {
	tests := []struct {
		name          string
		threshold     string
		size          int
		wantPuts      int
		wantParts     int
		wantCompletes int
	}{
		{name: "below threshold uses put", threshold: "64MiB", size: 1 << 20, wantPuts: 1},
		{name: "above threshold uses multipart", threshold: "5MiB", size: 12 << 20, wantParts: 3, wantCompletes: 1},
		{name: "exactly at threshold uses multipart", threshold: "5MiB", size: 5 << 20, wantParts: 1, wantCompletes: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *config.Configuration) {
				c.Flush.MultipartThreshold = tt.threshold
				c.Flush.PartSize = "5MiB"
				c.WriteBuffer.MaxDirty = "64MiB"
			})
			ctx := context.Background()
			data := pattern(tt.size)

			hd, err := h.d.FileCreate(ctx, "rt.h5", FlagTruncate)
			require.NoError(t, err)
			for off := 0; off < len(data); off += 1 << 20 {
				end := min(off+1<<20, len(data))
				require.NoError(t, h.d.FileWrite(ctx, hd, int64(off), data[off:end]))
			}
			require.NoError(t, h.d.FileClose(ctx, hd))

			assert.Equal(t, tt.wantPuts, h.store.Calls(memory.OpPut))
			assert.Equal(t, tt.wantParts, h.store.Calls(memory.OpUploadPart))
			assert.Equal(t, tt.wantCompletes, h.store.Calls(memory.OpComplete))

			ro, err := h.d.FileOpen(ctx, "rt.h5", FlagReadOnly)
			require.NoError(t, err)
			size, err := h.d.FileGetSize(ctx, ro)
			require.NoError(t, err)
			assert.Equal(t, int64(tt.size), size)
			assert.True(t, bytes.Equal(data, h.read(t, ro, 0, tt.size)), "round trip must be byte for byte")
			require.NoError(t, h.d.FileClose(ctx, ro))
		})
	}
}

func TestDispatcher_FlushIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.SetObject("clean.h5", []byte("existing"))

	hd, err := h.d.FileOpen(ctx, "clean.h5", FlagReadWrite)
	require.NoError(t, err)
	h.store.ResetCalls()

	require.NoError(t, h.d.FileFlush(ctx, hd))
	require.NoError(t, h.d.FileFlush(ctx, hd))
	assert.Zero(t, h.store.TotalCalls(), "flushing a clean file makes no calls")

	require.NoError(t, h.d.FileWrite(ctx, hd, 0, []byte("E")))
	require.NoError(t, h.d.FileFlush(ctx, hd))
	calls := h.store.TotalCalls()
	assert.Positive(t, calls)

	require.NoError(t, h.d.FileFlush(ctx, hd))
	require.NoError(t, h.d.FileClose(ctx, hd))
	assert.Equal(t, calls, h.store.TotalCalls())

	obj, _ := h.store.Object("clean.h5")
	assert.Equal(t, "Existing", string(obj))
}

func TestDispatcher_WritePastEOF(t *testing.T) {
	t.Run("gap keeps old remote bytes", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx := context.Background()
		h.store.SetObject("grow.h5", []byte("0123456789"))

		hd, err := h.d.FileOpen(ctx, "grow.h5", FlagReadWrite)
		require.NoError(t, err)
		require.NoError(t, h.d.FileWrite(ctx, hd, 15, []byte("xy")))

		want := append(append([]byte("0123456789"), make([]byte, 5)...), 'x', 'y')
		assert.Equal(t, want, h.read(t, hd, 0, 17))
		assert.Equal(t, 1, h.store.Calls(memory.OpGet), "one GET for the one absent run")

		require.NoError(t, h.d.FileClose(ctx, hd))
		obj, _ := h.store.Object("grow.h5")
		assert.Equal(t, want, obj)
	})

	t.Run("gap in a new object is zero", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx := context.Background()

		hd, err := h.d.FileCreate(ctx, "sparse.h5", FlagTruncate)
		require.NoError(t, err)
		require.NoError(t, h.d.FileWrite(ctx, hd, 5, []byte("xy")))
		require.NoError(t, h.d.FileClose(ctx, hd))

		obj, _ := h.store.Object("sparse.h5")
		assert.Equal(t, []byte{0, 0, 0, 0, 0, 'x', 'y'}, obj)
		assert.Zero(t, h.store.Calls(memory.OpGet))
	})
}

func TestDispatcher_CoalescedUpload(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	hd, err := h.d.FileCreate(ctx, "co.h5", FlagTruncate)
	require.NoError(t, err)
	require.NoError(t, h.d.FileWrite(ctx, hd, 0, bytes.Repeat([]byte{1}, 100)))
	require.NoError(t, h.d.FileWrite(ctx, hd, 100, bytes.Repeat([]byte{2}, 100)))

	f := h.d.files[hd]
	segs := f.buffer.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, types.ByteRange{Offset: 0, Length: 200}, segs[0].Range())

	require.NoError(t, h.d.FileFlush(ctx, hd))
	assert.Equal(t, 1, h.store.Calls(memory.OpPut))
	assert.Equal(t, 1, h.store.TotalCalls())
}

func TestDispatcher_ReadsUseCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.SetObject("cached.h5", []byte("abcdefghij"))

	hd, err := h.d.FileOpen(ctx, "cached.h5", FlagReadOnly)
	require.NoError(t, err)

	assert.Equal(t, "cdef", string(h.read(t, hd, 2, 4)))
	assert.Equal(t, "de", string(h.read(t, hd, 3, 2)))
	assert.Equal(t, 1, h.store.Calls(memory.OpGet))

	// past the end reads zero without a request
	assert.Equal(t, []byte{'j', 0, 0}, h.read(t, hd, 9, 3))
	assert.Equal(t, 2, h.store.Calls(memory.OpGet))
	assert.Equal(t, []byte{0, 0}, h.read(t, hd, 20, 2))
	assert.Equal(t, 2, h.store.Calls(memory.OpGet))
}

func TestDispatcher_TransientReadRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.SetObject("flaky.h5", []byte("payload"))

	hd, err := h.d.FileOpen(ctx, "flaky.h5", FlagReadOnly)
	require.NoError(t, err)

	h.store.InjectFault(memory.OpGet, errors.NewError(errors.ErrCodeServerError, "503"), 2)
	assert.Equal(t, "payload", string(h.read(t, hd, 0, 7)))
	assert.Equal(t, 3, h.store.Calls(memory.OpGet))
}

func TestDispatcher_PartFailureRestartsUpload(t *testing.T) {
	h := newHarness(t, func(c *config.Configuration) {
		c.Flush.MultipartThreshold = "5MiB"
		c.Flush.PartSize = "5MiB"
		c.WriteBuffer.MaxDirty = "64MiB"
	})
	ctx := context.Background()
	data := pattern(12 << 20)

	hd, err := h.d.FileCreate(ctx, "parts.h5", FlagTruncate)
	require.NoError(t, err)
	require.NoError(t, h.d.FileWrite(ctx, hd, 0, data))

	h.store.InjectFault(memory.OpUploadPart, errors.NewError(errors.ErrCodeServerError, "500"), 1)
	require.NoError(t, h.d.FileClose(ctx, hd))

	assert.Equal(t, 2, h.store.Calls(memory.OpBegin), "a failed part starts a fresh upload")
	assert.Equal(t, 1, h.store.Calls(memory.OpAbort))
	assert.Equal(t, 1, h.store.Calls(memory.OpComplete))
	assert.Zero(t, h.store.PendingUploads())

	stored, ok := h.store.Object("parts.h5")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, stored))
}

func TestDispatcher_ReadOnlyRejectsWrites(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.SetObject("ro.h5", []byte("x"))

	hd, err := h.d.FileOpen(ctx, "ro.h5", FlagReadOnly)
	require.NoError(t, err)

	err = h.d.FileWrite(ctx, hd, 0, []byte("y"))
	assert.Equal(t, errors.ErrCodeReadOnly, errors.CodeOf(err))
}

func TestDispatcher_OpenErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.SetObject("exists.h5", []byte("x"))

	_, err := h.d.FileOpen(ctx, "missing.h5", FlagReadOnly)
	assert.True(t, errors.IsNotFound(err))

	_, err = h.d.FileCreate(ctx, "exists.h5", FlagExclusive)
	assert.Equal(t, errors.ErrCodeFileExists, errors.CodeOf(err))

	_, err = h.d.FileCreate(ctx, "./", FlagTruncate)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))

	_, err = h.d.FileGetSize(ctx, Handle(99))
	assert.Equal(t, errors.ErrCodeInvalidHandle, errors.CodeOf(err))

	hd, err := h.d.FileCreate(ctx, "new.h5", FlagExclusive)
	require.NoError(t, err)
	assert.NotZero(t, hd)
}

func TestDispatcher_CreateEmptyMaterialises(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	hd, err := h.d.FileCreate(ctx, "empty.h5", FlagTruncate)
	require.NoError(t, err)
	require.NoError(t, h.d.FileClose(ctx, hd))

	obj, ok := h.store.Object("empty.h5")
	require.True(t, ok)
	assert.Empty(t, obj)
}

func TestDispatcher_CloseFailureKeepsHandle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	hd, err := h.d.FileCreate(ctx, "fail.h5", FlagTruncate)
	require.NoError(t, err)
	require.NoError(t, h.d.FileWrite(ctx, hd, 0, []byte("precious")))

	h.store.InjectFault(memory.OpPut, errors.NewError(errors.ErrCodeAccessDenied, "denied"), 1)
	err = h.d.FileClose(ctx, hd)
	require.Error(t, err)
	assert.True(t, errors.IsFlushFailure(err))

	info, err := h.d.FileGet(ctx, hd, GetInfo)
	require.NoError(t, err, "handle survives a failed close")
	assert.Equal(t, flush.FlushFailed.String(), info.(FileInfo).State)
	assert.Equal(t, int64(8), info.(FileInfo).DirtyBytes)

	require.NoError(t, h.d.FileClose(ctx, hd))
	obj, _ := h.store.Object("fail.h5")
	assert.Equal(t, "precious", string(obj))

	_, err = h.d.FileGetSize(ctx, hd)
	assert.Equal(t, errors.ErrCodeInvalidHandle, errors.CodeOf(err))
}

func TestDispatcher_Discard(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	hd, err := h.d.FileCreate(ctx, "tmp.h5", FlagTruncate)
	require.NoError(t, err)
	require.NoError(t, h.d.FileWrite(ctx, hd, 0, []byte("scratch")))
	require.NoError(t, h.d.FileDiscard(ctx, hd))

	_, ok := h.store.Object("tmp.h5")
	assert.False(t, ok)
	assert.Zero(t, h.store.TotalCalls())
	assert.Empty(t, h.d.OpenFiles())
}

func TestDispatcher_DirtyLimitForcesFlush(t *testing.T) {
	h := newHarness(t, func(c *config.Configuration) { c.WriteBuffer.MaxDirty = "16" })
	ctx := context.Background()

	hd, err := h.d.FileCreate(ctx, "limit.h5", FlagTruncate)
	require.NoError(t, err)

	require.NoError(t, h.d.FileWrite(ctx, hd, 0, make([]byte, 10)))
	assert.Zero(t, h.store.TotalCalls())

	require.NoError(t, h.d.FileWrite(ctx, hd, 10, make([]byte, 10)))
	assert.Equal(t, 1, h.store.Calls(memory.OpPut))

	info, _ := h.d.FileGet(ctx, hd, GetInfo)
	assert.Zero(t, info.(FileInfo).DirtyBytes)
	assert.Equal(t, int64(20), info.(FileInfo).RemoteSize)
}

func TestDispatcher_IndependentOpensShareSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.SetObject("shared.h5", []byte("0000"))

	a, err := h.d.FileOpen(ctx, "shared.h5", FlagReadWrite)
	require.NoError(t, err)
	b, err := h.d.FileOpen(ctx, "shared.h5", FlagReadOnly)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	require.NoError(t, h.d.FileWrite(ctx, a, 0, []byte("1111")))
	assert.Equal(t, "1111", string(h.read(t, a, 0, 4)))
	assert.Equal(t, "0000", string(h.read(t, b, 0, 4)), "no sharing of unflushed state across handles")

	assert.Equal(t, int32(1), atomic.LoadInt32(h.builds))
	assert.Len(t, h.d.OpenFiles(), 2)
}

func TestDispatcher_FileGet(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	hd, err := h.d.FileCreate(ctx, "./props.h5", FlagTruncate)
	require.NoError(t, err)

	props, err := h.d.FileGet(ctx, hd, GetCreationProps)
	require.NoError(t, err)
	assert.Equal(t, DefaultCreationProps(), props)

	intent, err := h.d.FileGet(ctx, hd, GetIntent)
	require.NoError(t, err)
	assert.Equal(t, FlagTruncate|FlagReadWrite, intent)

	key, err := h.d.FileGet(ctx, hd, GetObjectKey)
	require.NoError(t, err)
	assert.Equal(t, "props.h5", key)

	require.NoError(t, h.d.FileWrite(ctx, hd, 0, []byte("abc")))
	require.NoError(t, h.d.FileWrite(ctx, hd, 10, []byte("xyz")))
	v, err := h.d.FileGet(ctx, hd, GetInfo)
	require.NoError(t, err)
	info := v.(FileInfo)
	assert.Equal(t, int64(13), info.Length)
	assert.Equal(t, int64(6), info.DirtyBytes)
	assert.Equal(t, 2, info.Segments)
	assert.Equal(t, uint64(2), info.Writes)
	assert.Equal(t, "dirty", info.State)

	_, err = h.d.FileGet(ctx, hd, GetKind(42))
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
}

func TestDispatcher_Describe(t *testing.T) {
	h := newHarness(t, func(c *config.Configuration) {
		c.Flush.MultipartThreshold = "32MiB"
		c.Flush.PartSize = "8MiB"
		c.Flush.Concurrency = 4
	})
	ctx := context.Background()

	hd, err := h.d.FileCreate(ctx, "d.h5", FlagTruncate)
	require.NoError(t, err)

	sum, err := h.d.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Memory", sum.Platform)
	assert.Equal(t, "bkt", sum.Bucket)
	assert.Equal(t, 4, sum.RetryAttempts)
	assert.Equal(t, "CLOSED", sum.Breaker)
	assert.Equal(t, flush.Policy{MultipartThreshold: 32 << 20, PartSize: 8 << 20, Concurrency: 4, MaxAttempts: 3}, sum.Flush)
	assert.Equal(t, 1, sum.OpenFiles)
	assert.False(t, sum.Connected.IsZero())

	require.NoError(t, h.d.FileClose(ctx, hd))
	require.NoError(t, h.d.Terminate(ctx))
	_, err = h.d.Describe(ctx)
	assert.Equal(t, errors.ErrCodeComponentStopped, errors.CodeOf(err))
}

func TestDispatcher_FileSpecific(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.SetObject("doomed.h5", []byte("x"))

	ok, err := h.d.FileSpecific(ctx, SpecificExists, "doomed.h5")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.d.FileSpecific(ctx, SpecificDelete, "doomed.h5")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.d.FileSpecific(ctx, SpecificExists, "doomed.h5")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatcher_Terminate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	hd, err := h.d.FileCreate(ctx, "last.h5", FlagTruncate)
	require.NoError(t, err)
	require.NoError(t, h.d.FileWrite(ctx, hd, 0, []byte("bye")))

	require.NoError(t, h.d.Terminate(ctx))
	obj, _ := h.store.Object("last.h5")
	assert.Equal(t, "bye", string(obj), "terminate flushes open files")
	assert.Empty(t, h.d.OpenFiles())

	_, err = h.d.FileOpen(ctx, "last.h5", FlagReadOnly)
	assert.Equal(t, errors.ErrCodeComponentStopped, errors.CodeOf(err))

	assert.NoError(t, h.d.Terminate(ctx), "terminate is idempotent")
}
