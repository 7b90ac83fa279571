package vol

import (
	"context"
	stderr "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/objectfs/cloudvol/internal/cache"
	"github.com/objectfs/cloudvol/internal/config"
	"github.com/objectfs/cloudvol/internal/flush"
	"github.com/objectfs/cloudvol/internal/metrics"
	"github.com/objectfs/cloudvol/internal/session"
	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/types"
)

// Dispatcher serves the VOL file callbacks. It owns the open files and
// drives the cache, write buffer and flush protocol over the store of the
// shared client session.
type Dispatcher struct {
	sessions       *session.Manager
	sizes          config.Sizes
	policy         flush.Policy
	maxConcurrency int
	native         Native
	metrics        *metrics.Collector
	logger         *slog.Logger
	stack          *ErrorStack

	mu         sync.Mutex
	files      map[Handle]*VirtualFile
	next       Handle
	session    *session.ClientSession
	store      types.ObjectStore
	protocol   *flush.Protocol
	terminated bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNative replaces the in-memory group and attribute store.
func WithNative(n Native) Option {
	return func(d *Dispatcher) { d.native = n }
}

// WithMetrics records cache, flush and open-file metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher over sessions, taking buffer, cache and
// flush settings from the manager's configuration.
func NewDispatcher(sessions *session.Manager, opts ...Option) (*Dispatcher, error) {
	if sessions == nil {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "session manager is required").
			WithComponent("vol")
	}
	cfg := sessions.Config()

	sizes, err := cfg.Sizes()
	if err != nil {
		return nil, err
	}
	policy, err := flush.PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		sessions:       sessions,
		sizes:          sizes,
		policy:         policy,
		maxConcurrency: cfg.Performance.MaxConcurrency,
		native:         NewMemoryNative(),
		logger:         slog.Default().With("component", "vol"),
		stack:          &ErrorStack{},
		files:          make(map[Handle]*VirtualFile),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Errors returns the error stack the callback table reports into.
func (d *Dispatcher) Errors() *ErrorStack { return d.stack }

// Native returns the group and attribute store.
func (d *Dispatcher) Native() Native { return d.native }

// connect returns the session store and flush protocol, building the
// session on first use.
func (d *Dispatcher) connect(ctx context.Context) (types.ObjectStore, *flush.Protocol, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.terminated {
		return nil, nil, errors.NewError(errors.ErrCodeComponentStopped, "connector terminated").
			WithComponent("vol")
	}
	if d.store != nil {
		return d.store, d.protocol, nil
	}

	sess, err := d.sessions.Session(ctx)
	if err != nil {
		return nil, nil, err
	}
	d.session = sess
	d.store = sess.Store()
	d.protocol = flush.New(d.store, d.policy,
		flush.WithMetrics(d.metrics),
		flush.WithLogger(d.logger.With("subcomponent", "flush")))
	return d.store, d.protocol, nil
}

func (d *Dispatcher) register(key string, mode Mode, flags Flags, remoteSize int64) *VirtualFile {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.next++
	f := newVirtualFile(d.next, key, mode, flags, remoteSize, d.sizes.CacheMax)
	if d.metrics != nil {
		f.cache.OnEvict = d.metrics.RecordEvictions
	}
	d.files[f.handle] = f
	d.metrics.AddOpenFiles(1)
	return f
}

func (d *Dispatcher) unregister(f *VirtualFile) {
	d.mu.Lock()
	delete(d.files, f.handle)
	d.mu.Unlock()

	f.closed = true
	d.native.Release(f.handle)
	d.metrics.AddOpenFiles(-1)
}

// acquire returns the locked file for h. The caller must unlock it.
func (d *Dispatcher) acquire(h Handle, op string) (*VirtualFile, error) {
	d.mu.Lock()
	f, ok := d.files[h]
	d.mu.Unlock()
	if !ok {
		return nil, invalidHandle(h, op)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, invalidHandle(h, op)
	}
	return f, nil
}

func invalidHandle(h Handle, op string) error {
	return errors.Newf(errors.ErrCodeInvalidHandle, "handle %d is not open", h).
		WithComponent("vol").WithOperation(op)
}

func keyFor(name, op string) (string, error) {
	key := ObjectKey(name)
	if key == "" {
		return "", errors.Newf(errors.ErrCodeInvalidArgument, "file name %q does not name an object", name).
			WithComponent("vol").WithOperation(op)
	}
	return key, nil
}

// FileCreate creates a new file. FlagExclusive fails with FILE_EXISTS when
// the object exists; otherwise an existing object is replaced on close. The
// file starts dirty with length 0, so closing it materialises an empty
// object even when nothing is written.
func (d *Dispatcher) FileCreate(ctx context.Context, name string, flags Flags) (Handle, error) {
	key, err := keyFor(name, "file_create")
	if err != nil {
		return 0, err
	}
	store, _, err := d.connect(ctx)
	if err != nil {
		return 0, err
	}

	if flags&FlagExclusive != 0 {
		_, err := store.Head(ctx, key)
		switch {
		case err == nil:
			return 0, errors.Newf(errors.ErrCodeFileExists, "object %q already exists", key).
				WithComponent("vol").WithOperation("file_create").WithKey(key)
		case !errors.IsNotFound(err):
			return 0, err
		}
	}

	f := d.register(key, ModeCreate, flags|FlagReadWrite, 0)
	d.logger.Debug("file created", "handle", f.handle, "key", key)
	return f.handle, nil
}

// FileOpen opens an existing object. Only its metadata is fetched.
func (d *Dispatcher) FileOpen(ctx context.Context, name string, flags Flags) (Handle, error) {
	key, err := keyFor(name, "file_open")
	if err != nil {
		return 0, err
	}
	store, _, err := d.connect(ctx)
	if err != nil {
		return 0, err
	}

	info, err := store.Head(ctx, key)
	if err != nil {
		return 0, err
	}

	mode := ModeReadOnly
	if flags&FlagReadWrite != 0 {
		mode = ModeReadWrite
	}
	f := d.register(key, mode, flags, info.Size)
	d.logger.Debug("file opened", "handle", f.handle, "key", key, "size", info.Size, "mode", mode)
	return f.handle, nil
}

// FileGetSize returns the virtual length, which includes unflushed writes.
func (d *Dispatcher) FileGetSize(_ context.Context, h Handle) (int64, error) {
	f, err := d.acquire(h, "file_get_size")
	if err != nil {
		return 0, err
	}
	defer f.mu.Unlock()
	return f.length, nil
}

// FileRead fills buf from offset. Unflushed writes win over cached and
// remote bytes; bytes past the virtual length read as zero.
func (d *Dispatcher) FileRead(ctx context.Context, h Handle, offset int64, buf []byte) error {
	if offset < 0 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "negative offset %d", offset).
			WithComponent("vol").WithOperation("file_read")
	}
	store, _, err := d.connect(ctx)
	if err != nil {
		return err
	}
	f, err := d.acquire(h, "file_read")
	if err != nil {
		return err
	}
	defer f.mu.Unlock()

	n := min(max(f.length-offset, 0), int64(len(buf)))
	clear(buf[n:])
	if n == 0 {
		return nil
	}

	plan, err := f.cache.Read(ctx, cache.ReadRequest{
		Buf:        buf[:n],
		Offset:     offset,
		RemoteSize: min(f.remoteSize, f.length),
		Dirty:      f.buffer,
		Fetch: func(ctx context.Context, r types.ByteRange) ([]byte, error) {
			return store.Get(ctx, f.key, r.Offset, r.Length)
		},
		Concurrency: d.maxConcurrency,
	})
	if err != nil {
		return err
	}

	if plan.Fetches() == 0 {
		d.metrics.RecordCacheHit(n)
	} else {
		d.metrics.RecordCacheMiss(n)
	}
	return nil
}

// FileWrite stages data at offset, extending the virtual length if needed.
// No network call is made unless the file's dirty bytes exceed the limit,
// which forces a flush before the write returns.
func (d *Dispatcher) FileWrite(ctx context.Context, h Handle, offset int64, data []byte) error {
	if offset < 0 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "negative offset %d", offset).
			WithComponent("vol").WithOperation("file_write")
	}
	f, err := d.acquire(h, "file_write")
	if err != nil {
		return err
	}
	defer f.mu.Unlock()

	if !f.mode.Writable() {
		return errors.Newf(errors.ErrCodeReadOnly, "file %q is open read-only", f.key).
			WithComponent("vol").WithOperation("file_write").WithKey(f.key)
	}
	if len(data) == 0 {
		return nil
	}

	written := types.ByteRange{Offset: offset, Length: int64(len(data))}
	f.cache.Invalidate(written)
	d.metrics.AddDirtyBytes(f.buffer.Write(offset, data))
	f.state.MarkDirty()
	f.length = max(f.length, written.End())

	if d.sizes.MaxDirty > 0 && f.buffer.DirtyBytes() > d.sizes.MaxDirty {
		d.logger.Debug("dirty limit reached, flushing",
			"key", f.key,
			"dirty", f.buffer.DirtyBytes(),
			"limit", d.sizes.MaxDirty)
		return d.flushLocked(ctx, f)
	}
	return nil
}

// FileFlush makes the file's staged writes durable.
func (d *Dispatcher) FileFlush(ctx context.Context, h Handle) error {
	f, err := d.acquire(h, "file_flush")
	if err != nil {
		return err
	}
	defer f.mu.Unlock()
	return d.flushLocked(ctx, f)
}

// flushLocked runs the flush protocol on f, whose lock must be held. Once
// started a flush is not cancelled by ctx.
func (d *Dispatcher) flushLocked(ctx context.Context, f *VirtualFile) error {
	if f.state.State() == flush.Clean {
		return nil
	}
	_, protocol, err := d.connect(ctx)
	if err != nil {
		return err
	}

	res, err := protocol.Flush(context.WithoutCancel(ctx), flush.Request{
		Key:        f.key,
		Length:     f.length,
		RemoteSize: f.remoteSize,
		Buffer:     f.buffer,
		Cache:      f.cache,
		State:      f.state,
	})
	if err != nil {
		return err
	}
	if res.Path != flush.PathNoop {
		f.remoteSize = f.length
	}
	return nil
}

// FileClose flushes and closes the file. If the flush fails the handle
// stays open in FlushFailed and the error is returned; the caller may
// close again to retry or discard the file.
func (d *Dispatcher) FileClose(ctx context.Context, h Handle) error {
	f, err := d.acquire(h, "file_close")
	if err != nil {
		return err
	}
	defer f.mu.Unlock()

	if err := d.flushLocked(ctx, f); err != nil {
		d.logger.Warn("close kept file open after failed flush", "handle", h, "key", f.key, "error", err)
		return err
	}
	d.unregister(f)
	d.logger.Debug("file closed", "handle", h, "key", f.key)
	return nil
}

// FileDiscard closes the file dropping any unflushed writes.
func (d *Dispatcher) FileDiscard(_ context.Context, h Handle) error {
	f, err := d.acquire(h, "file_discard")
	if err != nil {
		return err
	}
	defer f.mu.Unlock()

	dropped := f.buffer.Clear()
	d.metrics.AddDirtyBytes(-dropped)
	d.unregister(f)
	if dropped > 0 {
		d.logger.Warn("discarded unflushed writes", "handle", h, "key", f.key, "bytes", dropped)
	}
	return nil
}

// GetKind selects what FileGet returns.
type GetKind int

const (
	// GetCreationProps returns the file creation property list.
	GetCreationProps GetKind = iota
	// GetIntent returns the access flags the file was opened with.
	GetIntent
	// GetObjectKey returns the object key backing the file.
	GetObjectKey
	// GetInfo returns a FileInfo.
	GetInfo
)

// CreationProps is the file creation property list. The connector stores
// the byte stream as is, so every file reports the library defaults.
type CreationProps struct {
	UserBlock  int64 `json:"userblock"`
	SizeofAddr int   `json:"sizeof_addr"`
	SizeofSize int   `json:"sizeof_size"`
	SymLeafK   int   `json:"sym_leaf_k"`
	BtreeK     int   `json:"btree_k"`
}

// DefaultCreationProps returns the HDF5 default creation properties.
func DefaultCreationProps() CreationProps {
	return CreationProps{SizeofAddr: 8, SizeofSize: 8, SymLeafK: 4, BtreeK: 16}
}

// FileGet answers file property queries.
func (d *Dispatcher) FileGet(_ context.Context, h Handle, kind GetKind) (any, error) {
	f, err := d.acquire(h, "file_get")
	if err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	switch kind {
	case GetCreationProps:
		return DefaultCreationProps(), nil
	case GetIntent:
		return f.flags, nil
	case GetObjectKey:
		return f.key, nil
	case GetInfo:
		return f.info(), nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "unknown file get kind %d", kind).
			WithComponent("vol").WithOperation("file_get")
	}
}

// SpecificOp selects a file-specific operation.
type SpecificOp int

const (
	// SpecificExists reports whether the named object exists.
	SpecificExists SpecificOp = iota
	// SpecificDelete removes the named object.
	SpecificDelete
)

// FileSpecific runs an operation on a file by name rather than handle.
func (d *Dispatcher) FileSpecific(ctx context.Context, op SpecificOp, name string) (bool, error) {
	key, err := keyFor(name, "file_specific")
	if err != nil {
		return false, err
	}
	store, _, err := d.connect(ctx)
	if err != nil {
		return false, err
	}

	switch op {
	case SpecificExists:
		_, err := store.Head(ctx, key)
		if errors.IsNotFound(err) {
			return false, nil
		}
		return err == nil, err
	case SpecificDelete:
		if err := store.Delete(ctx, key); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, errors.Newf(errors.ErrCodeInvalidArgument, "unknown file specific op %d", op).
			WithComponent("vol").WithOperation("file_specific")
	}
}

// List returns the objects under prefix.
func (d *Dispatcher) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	store, _, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	return store.List(ctx, prefix)
}

// Summary describes the connection and the policies in force.
type Summary struct {
	Platform      string       `json:"platform"`
	Bucket        string       `json:"bucket"`
	Connected     time.Time    `json:"connected"`
	RetryAttempts int          `json:"retry_attempts"`
	Breaker       string       `json:"breaker"`
	Flush         flush.Policy `json:"flush"`
	OpenFiles     int          `json:"open_files"`
}

// Describe connects if needed and reports the session and flush policy.
func (d *Dispatcher) Describe(ctx context.Context) (Summary, error) {
	if _, _, err := d.connect(ctx); err != nil {
		return Summary{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	rs := d.session.Resilient()
	sum := Summary{
		Platform:      string(d.session.Platform()),
		Bucket:        d.session.Bucket(),
		Connected:     d.session.CreatedAt(),
		RetryAttempts: rs.MaxAttempts(),
		Breaker:       "disabled",
		Flush:         d.protocol.Policy(),
		OpenFiles:     len(d.files),
	}
	if b := rs.Breaker(); b != nil {
		sum.Breaker = b.State().String()
	}
	return sum, nil
}

// OpenFiles returns a view of every open file.
func (d *Dispatcher) OpenFiles() []FileInfo {
	d.mu.Lock()
	files := make([]*VirtualFile, 0, len(d.files))
	for _, f := range d.files {
		files = append(files, f)
	}
	d.mu.Unlock()

	out := make([]FileInfo, 0, len(files))
	for _, f := range files {
		f.mu.Lock()
		out = append(out, f.info())
		f.mu.Unlock()
	}
	return out
}

// Terminate closes every open file, flushing it first, then ends the
// session. Files whose flush fails are dropped and their errors returned.
// Later calls fail with COMPONENT_STOPPED.
func (d *Dispatcher) Terminate(ctx context.Context) error {
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return nil
	}
	handles := make([]Handle, 0, len(d.files))
	for h := range d.files {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := d.FileClose(ctx, h); err != nil {
			errs = append(errs, err)
			_ = d.FileDiscard(ctx, h)
		}
	}

	d.mu.Lock()
	d.terminated = true
	d.session = nil
	d.store = nil
	d.protocol = nil
	d.mu.Unlock()

	if err := d.sessions.Close(); err != nil {
		errs = append(errs, err)
	}
	d.logger.Info("connector terminated", "files", len(handles), "errors", len(errs))
	return stderr.Join(errs...)
}
