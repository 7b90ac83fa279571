package cache

import (
	"container/list"
	"sort"
	"sync"

	"github.com/objectfs/cloudvol/pkg/types"
)

// RangeCache holds clean byte ranges of one file, evicting the least
// recently used ranges once the cached bytes exceed the capacity. Ranges
// are kept sorted and non-overlapping.
type RangeCache struct {
	mu          sync.Mutex
	capacity    int64
	currentSize int64
	segments    []*segment
	evictList   *list.List

	// OnEvict, when set, is called with the number of segments evicted.
	OnEvict func(n int)

	stats types.CacheStats
}

// segment is one cached range; element is its place in the eviction list.
type segment struct {
	offset  int64
	data    []byte
	element *list.Element
}

func (s *segment) end() int64 { return s.offset + int64(len(s.data)) }

func (s *segment) byteRange() types.ByteRange {
	return types.ByteRange{Offset: s.offset, Length: int64(len(s.data))}
}

// NewRangeCache creates a cache holding at most capacity bytes. A capacity
// of 0 disables caching.
func NewRangeCache(capacity int64) *RangeCache {
	return &RangeCache{
		capacity:  capacity,
		evictList: list.New(),
		stats: types.CacheStats{
			Capacity: capacity,
		},
	}
}

// ReadAt copies the cached bytes overlapping [off, off+len(p)) into p and
// returns the ranges it filled, in order. A lookup fully served from the
// cache counts as a hit, anything else as a miss.
func (c *RangeCache) ReadAt(p []byte, off int64) []types.ByteRange {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := types.ByteRange{Offset: off, Length: int64(len(p))}
	var filled []types.ByteRange
	var served int64

	i := sort.Search(len(c.segments), func(i int) bool {
		return c.segments[i].end() > off
	})
	for ; i < len(c.segments); i++ {
		s := c.segments[i]
		if s.offset >= want.End() {
			break
		}
		r := s.byteRange().Intersect(want)
		copy(p[r.Offset-off:r.End()-off], s.data[r.Offset-s.offset:])
		filled = append(filled, r)
		served += r.Length
		c.evictList.MoveToFront(s.element)
	}

	if len(p) > 0 {
		if served == want.Length {
			c.stats.Hits++
		} else {
			c.stats.Misses++
		}
		c.updateHitRate()
	}
	return filled
}

// Put caches a copy of data at offset, replacing any cached bytes it
// overlaps, then evicts down to the capacity.
func (c *RangeCache) Put(offset int64, data []byte) {
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidateLocked(types.ByteRange{Offset: offset, Length: int64(len(data))})
	if int64(len(data)) > c.capacity {
		return
	}

	s := &segment{offset: offset, data: append([]byte(nil), data...)}
	s.element = c.evictList.PushFront(s)
	i := sort.Search(len(c.segments), func(i int) bool {
		return c.segments[i].offset > offset
	})
	c.segments = append(c.segments, nil)
	copy(c.segments[i+1:], c.segments[i:])
	c.segments[i] = s
	c.currentSize += int64(len(data))

	c.evictIfNeeded()
}

// Invalidate drops cached bytes in r, trimming ranges that straddle it.
func (c *RangeCache) Invalidate(r types.ByteRange) {
	if r.Empty() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(r)
}

func (c *RangeCache) invalidateLocked(r types.ByteRange) {
	kept := make([]*segment, 0, len(c.segments)+1)
	for _, s := range c.segments {
		if s.byteRange().Intersect(r).Empty() {
			kept = append(kept, s)
			continue
		}

		c.evictList.Remove(s.element)
		c.currentSize -= int64(len(s.data))

		if s.offset < r.Offset {
			kept = append(kept, c.adopt(s.offset, s.data[:r.Offset-s.offset]))
		}
		if s.end() > r.End() {
			kept = append(kept, c.adopt(r.End(), s.data[r.End()-s.offset:]))
		}
	}
	c.segments = kept
}

// adopt registers a trimmed piece of an existing segment.
func (c *RangeCache) adopt(offset int64, data []byte) *segment {
	s := &segment{offset: offset, data: data}
	s.element = c.evictList.PushFront(s)
	c.currentSize += int64(len(data))
	return s
}

func (c *RangeCache) evictIfNeeded() {
	evicted := 0
	for c.currentSize > c.capacity && c.evictList.Len() > 0 {
		c.evictOldest()
		evicted++
	}
	if evicted > 0 {
		c.stats.Evictions += uint64(evicted)
		if c.OnEvict != nil {
			c.OnEvict(evicted)
		}
	}
}

func (c *RangeCache) evictOldest() {
	elem := c.evictList.Back()
	if elem == nil {
		return
	}
	victim := elem.Value.(*segment)
	c.evictList.Remove(elem)
	c.currentSize -= int64(len(victim.data))

	for i, s := range c.segments {
		if s == victim {
			c.segments = append(c.segments[:i], c.segments[i+1:]...)
			break
		}
	}
}

func (c *RangeCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

// Ranges returns the cached ranges in offset order.
func (c *RangeCache) Ranges() []types.ByteRange {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.ByteRange, len(c.segments))
	for i, s := range c.segments {
		out[i] = s.byteRange()
	}
	return out
}

// Size returns the cached byte count.
func (c *RangeCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Stats returns cache statistics.
func (c *RangeCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.currentSize
	stats.Segments = len(c.segments)
	if c.capacity > 0 {
		stats.Utilization = float64(c.currentSize) / float64(c.capacity)
	}
	return stats
}

// Clear empties the cache.
func (c *RangeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.segments = nil
	c.evictList.Init()
	c.currentSize = 0
}
