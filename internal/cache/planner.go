package cache

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/objectfs/cloudvol/pkg/types"
)

// DirtyReader serves staged writes; *buffer.WriteBuffer implements it.
type DirtyReader interface {
	ReadAt(p []byte, off int64) []types.ByteRange
}

// FetchFunc reads r from the remote object. It may return fewer bytes
// than requested if the object is shorter.
type FetchFunc func(ctx context.Context, r types.ByteRange) ([]byte, error)

// ReadRequest describes one read of [Offset, Offset+len(Buf)).
type ReadRequest struct {
	Buf    []byte
	Offset int64

	// RemoteSize is the length of the object as last seen in the store.
	// Bytes at or past it are never fetched.
	RemoteSize int64

	Dirty       DirtyReader
	Fetch       FetchFunc
	Concurrency int
}

// Plan records how a read was served.
type Plan struct {
	Dirty  []types.ByteRange
	Clean  []types.ByteRange
	Absent []types.ByteRange
	Zero   []types.ByteRange
}

// Fetches returns the number of remote reads the plan issued.
func (p Plan) Fetches() int { return len(p.Absent) }

// Read fills req.Buf. Dirty bytes come from req.Dirty, clean bytes from the
// cache, and each contiguous run of absent bytes inside the remote extent
// is fetched with exactly one call, runs in parallel. Bytes past the remote
// extent read as zero. Fetched bytes are added to the cache.
func (c *RangeCache) Read(ctx context.Context, req ReadRequest) (Plan, error) {
	var plan Plan
	clear(req.Buf)

	want := types.ByteRange{Offset: req.Offset, Length: int64(len(req.Buf))}
	if want.Empty() {
		return plan, nil
	}

	if req.Dirty != nil {
		plan.Dirty = req.Dirty.ReadAt(req.Buf, req.Offset)
	}

	for _, gap := range types.Gaps(want, plan.Dirty) {
		sub := req.Buf[gap.Offset-req.Offset : gap.End()-req.Offset]
		plan.Clean = append(plan.Clean, c.ReadAt(sub, gap.Offset)...)
	}

	remote := types.ByteRange{Offset: 0, Length: max(req.RemoteSize, 0)}
	for _, gap := range types.Gaps(want, mergeSorted(plan.Dirty, plan.Clean)) {
		inside := gap.Intersect(remote)
		if !inside.Empty() {
			plan.Absent = append(plan.Absent, inside)
		}
		plan.Zero = append(plan.Zero, types.Gaps(gap, []types.ByteRange{inside})...)
	}

	if len(plan.Absent) == 0 {
		return plan, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if req.Concurrency > 0 {
		g.SetLimit(req.Concurrency)
	}
	for _, run := range plan.Absent {
		g.Go(func() error {
			data, err := req.Fetch(gctx, run)
			if err != nil {
				return err
			}
			if int64(len(data)) > run.Length {
				data = data[:run.Length]
			}
			copy(req.Buf[run.Offset-req.Offset:], data)
			c.Put(run.Offset, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return plan, err
	}
	return plan, nil
}

// mergeSorted merges two sorted, mutually disjoint range lists.
func mergeSorted(a, b []types.ByteRange) []types.ByteRange {
	out := make([]types.ByteRange, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Offset <= b[j].Offset {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
