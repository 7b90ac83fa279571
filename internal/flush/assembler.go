package flush

import (
	"context"

	"github.com/objectfs/cloudvol/internal/buffer"
	"github.com/objectfs/cloudvol/internal/cache"
	"github.com/objectfs/cloudvol/pkg/types"
)

// assembler produces the bytes of the new object: staged segments where
// they exist, the old object's bytes under the gaps, zeros past the old
// extent.
type assembler struct {
	store      types.ObjectStore
	key        string
	remoteSize int64
	segments   []buffer.Segment
	cache      *cache.RangeCache
}

// fill writes the new object's bytes [off, off+len(p)) into p, which must
// be zeroed. Gaps are served from the cache where possible; each remaining
// run is read with one GET.
func (a *assembler) fill(ctx context.Context, p []byte, off int64) error {
	want := types.ByteRange{Offset: off, Length: int64(len(p))}

	var covered []types.ByteRange
	for _, s := range a.segments {
		r := s.Range().Intersect(want)
		if r.Empty() {
			continue
		}
		copy(p[r.Offset-off:r.End()-off], s.Data[r.Offset-s.Offset:])
		covered = append(covered, r)
	}

	remote := types.ByteRange{Length: a.remoteSize}
	for _, gap := range types.Gaps(want, covered) {
		inside := gap.Intersect(remote)
		if inside.Empty() {
			continue
		}
		sub := p[inside.Offset-off : inside.End()-off]

		var clean []types.ByteRange
		if a.cache != nil {
			clean = a.cache.ReadAt(sub, inside.Offset)
		}
		for _, run := range types.Gaps(inside, clean) {
			data, err := a.store.Get(ctx, a.key, run.Offset, run.Length)
			if err != nil {
				return err
			}
			copy(p[run.Offset-off:run.End()-off], data)
		}
	}
	return nil
}
