package flush

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/objectfs/cloudvol/internal/buffer"
	"github.com/objectfs/cloudvol/internal/cache"
	"github.com/objectfs/cloudvol/internal/config"
	"github.com/objectfs/cloudvol/internal/metrics"
	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/types"
)

// Path names how a flush reached the store.
type Path string

const (
	PathNoop      Path = "noop"
	PathPut       Path = "put"
	PathMultipart Path = "multipart"
)

// Policy selects between single PUT and multipart uploads.
type Policy struct {
	// Objects smaller than MultipartThreshold are written with one PUT.
	MultipartThreshold int64
	// PartSize is the size of every part but the last.
	PartSize int64
	// Concurrency bounds parts in flight.
	Concurrency int
	// MaxAttempts bounds multipart uploads started per flush.
	MaxAttempts int
}

// PolicyFromConfig reads the flush section of cfg.
func PolicyFromConfig(cfg *config.Configuration) (Policy, error) {
	sizes, err := cfg.Sizes()
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		MultipartThreshold: sizes.MultipartThreshold,
		PartSize:           sizes.PartSize,
		Concurrency:        cfg.Flush.Concurrency,
		MaxAttempts:        cfg.Flush.MaxAttempts,
	}.withDefaults(), nil
}

func (p Policy) withDefaults() Policy {
	if p.PartSize <= 0 {
		p.PartSize = config.MinPartSize
	}
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// Request is one flush of one file.
type Request struct {
	Key string
	// Length is the virtual file length, the size of the new object.
	Length int64
	// RemoteSize is the size of the object before the flush, 0 if it
	// does not exist yet.
	RemoteSize int64

	Buffer *buffer.WriteBuffer
	Cache  *cache.RangeCache
	State  *Tracker
}

// Result reports what a flush did.
type Result struct {
	Path     Path   `json:"path"`
	Segments int    `json:"segments"`
	Parts    int    `json:"parts"`
	Bytes    int64  `json:"bytes"`
	Attempts int    `json:"attempts"`
	Version  string `json:"version,omitempty"`
	Released int64  `json:"released"`
}

// Protocol writes staged bytes to the object store.
type Protocol struct {
	store   types.ObjectStore
	policy  Policy
	pool    *buffer.PartPool
	metrics *metrics.Collector
	logger  *slog.Logger
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithMetrics records flush outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Protocol) { p.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) { p.logger = l }
}

// New creates a flush protocol over store.
func New(store types.ObjectStore, policy Policy, opts ...Option) *Protocol {
	policy = policy.withDefaults()
	p := &Protocol{
		store:  store,
		policy: policy,
		pool:   buffer.NewPartPool(int(policy.PartSize)),
		logger: slog.Default().With("component", "flush"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Policy returns the effective policy.
func (p *Protocol) Policy() Policy { return p.policy }

// Flush makes the staged bytes of req durable. A clean file returns at once
// without touching the store. On success the flushed segments move from
// the write buffer into the cache; on failure they stay staged, the file is
// left FlushFailed and the error is a FLUSH_FAILED wrapping the cause.
//
// The caller must hold the file's lock for the duration of the flush.
func (p *Protocol) Flush(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	ok, err := req.State.begin()
	if err != nil {
		return Result{}, err
	}
	if !ok {
		p.metrics.RecordFlush(string(PathNoop), time.Since(start), 0, nil)
		return Result{Path: PathNoop}, nil
	}

	snapshot := req.Buffer.Segments()
	res := Result{Segments: len(snapshot), Bytes: req.Length}
	asm := &assembler{
		store:      p.store,
		key:        req.Key,
		remoteSize: req.RemoteSize,
		segments:   snapshot,
		cache:      req.Cache,
	}

	if req.Length == 0 || req.Length < p.policy.MultipartThreshold {
		res.Path = PathPut
		res.Attempts = 1
		res.Version, err = p.put(ctx, asm, req.Length)
	} else {
		res.Path = PathMultipart
		res.Parts = partCount(req.Length, p.policy.PartSize)
		res.Attempts, res.Version, err = p.multipart(ctx, asm, req.Length, res.Parts)
	}

	p.metrics.RecordFlush(string(res.Path), time.Since(start), res.Parts, err)
	req.State.finish(err)

	if err != nil {
		p.logger.Error("flush failed",
			"key", req.Key,
			"path", res.Path,
			"attempts", res.Attempts,
			"error", err)
		return res, errors.Wrap(err, errors.ErrCodeFlushFailed, "flush failed").
			WithComponent("flush").
			WithKey(req.Key).
			WithDetail("path", string(res.Path)).
			WithDetail("attempts", res.Attempts)
	}

	res.Released = req.Buffer.MarkFlushed(snapshot)
	if req.Cache != nil {
		for _, s := range snapshot {
			req.Cache.Put(s.Offset, s.Data)
		}
	}
	p.metrics.AddDirtyBytes(-res.Released)

	p.logger.Debug("flushed",
		"key", req.Key,
		"path", res.Path,
		"bytes", res.Bytes,
		"segments", res.Segments,
		"parts", res.Parts,
		"duration", time.Since(start))
	return res, nil
}

func (p *Protocol) put(ctx context.Context, asm *assembler, length int64) (string, error) {
	body := make([]byte, length)
	if err := asm.fill(ctx, body, 0); err != nil {
		return "", err
	}
	return p.store.Put(ctx, asm.key, body)
}

// multipart runs whole uploads until one completes or the attempts run out.
func (p *Protocol) multipart(ctx context.Context, asm *assembler, length int64, parts int) (int, string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		version, err := p.uploadOnce(ctx, asm, length, parts)
		if err == nil {
			return attempt, version, nil
		}
		lastErr = err
		if !worthRetrying(ctx, err) || attempt == p.policy.MaxAttempts {
			return attempt, "", lastErr
		}
		p.logger.Warn("multipart upload failed, restarting",
			"key", asm.key,
			"attempt", attempt,
			"max_attempts", p.policy.MaxAttempts,
			"error", err)
	}
	return p.policy.MaxAttempts, "", lastErr
}

func (p *Protocol) uploadOnce(ctx context.Context, asm *assembler, length int64, parts int) (string, error) {
	session, err := p.store.BeginMultipart(ctx, asm.key)
	if err != nil {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.policy.Concurrency)
	for i := 0; i < parts; i++ {
		off := int64(i) * p.policy.PartSize
		size := min(p.policy.PartSize, length-off)
		number := i + 1

		g.Go(func() error {
			buf := p.pool.Get(int(size))
			defer p.pool.Put(buf)

			if err := asm.fill(gctx, buf, off); err != nil {
				return err
			}
			tag, err := p.store.UploadPart(gctx, session, number, buf)
			if err != nil {
				return err
			}
			return session.Record(tag)
		})
	}
	if err := g.Wait(); err != nil {
		p.abort(ctx, session)
		return "", err
	}

	tags, err := session.Tags()
	if err != nil {
		p.abort(ctx, session)
		return "", errors.Wrap(err, errors.ErrCodeInternalError, "incomplete part list").
			WithComponent("flush").WithKey(asm.key)
	}

	version, err := p.store.CompleteMultipart(ctx, session, tags)
	if err != nil {
		p.abort(ctx, session)
		return "", err
	}
	session.SetStatus(types.UploadStatusCompleted)
	return version, nil
}

// abort releases a failed upload. It runs even when ctx is cancelled.
func (p *Protocol) abort(ctx context.Context, session *types.UploadSession) {
	if err := p.store.AbortMultipart(context.WithoutCancel(ctx), session); err != nil {
		session.SetStatus(types.UploadStatusFailed)
		p.logger.Warn("abort multipart upload failed",
			"key", session.Key,
			"upload_id", session.UploadID,
			"error", err)
		return
	}
	session.SetStatus(types.UploadStatusAborted)
}

func worthRetrying(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch errors.CategoryOf(err) {
	case errors.CategoryAuth, errors.CategoryConfiguration, errors.CategoryState:
		return false
	}
	return true
}

func partCount(length, partSize int64) int {
	return int((length + partSize - 1) / partSize)
}
