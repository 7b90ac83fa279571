package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/objectfs/cloudvol/pkg/types"
)

// Segment is a pending write: Data staged at file offset Offset.
type Segment struct {
	Offset int64
	Data   []byte
}

// End returns the first offset past the segment.
func (s Segment) End() int64 { return s.Offset + int64(len(s.Data)) }

// Range returns the byte range the segment covers.
func (s Segment) Range() types.ByteRange {
	return types.ByteRange{Offset: s.Offset, Length: int64(len(s.Data))}
}

// WriteBuffer holds the dirty bytes of one file as sorted, disjoint,
// non-adjacent segments. Overlapping and adjacent writes are coalesced;
// the most recent write wins where they overlap.
//
// Segment data is never modified in place, so a snapshot returned by
// Segments stays valid while later writes arrive.
type WriteBuffer struct {
	mu       sync.RWMutex
	segments []Segment
	dirty    int64
	stats    WriteBufferStats
}

// WriteBufferStats tracks write buffer activity.
type WriteBufferStats struct {
	TotalWrites     uint64    `json:"total_writes"`
	TotalFlushes    uint64    `json:"total_flushes"`
	TotalBytes      int64     `json:"total_bytes"`
	CoalescedWrites uint64    `json:"coalesced_writes"`
	PendingSegments int       `json:"pending_segments"`
	PendingBytes    int64     `json:"pending_bytes"`
	LastWrite       time.Time `json:"last_write"`
	LastFlush       time.Time `json:"last_flush"`
}

// NewWriteBuffer creates an empty buffer.
func NewWriteBuffer() *WriteBuffer {
	return &WriteBuffer{}
}

// Write stages a copy of data at offset and returns the change in dirty
// bytes.
func (wb *WriteBuffer) Write(offset int64, data []byte) int64 {
	if len(data) == 0 {
		return 0
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()

	end := offset + int64(len(data))

	// first segment that ends at or after offset (adjacent counts)
	lo := sort.Search(len(wb.segments), func(i int) bool {
		return wb.segments[i].End() >= offset
	})
	// first segment that starts after end (adjacent counts)
	hi := lo
	for hi < len(wb.segments) && wb.segments[hi].Offset <= end {
		hi++
	}

	start, stop := offset, end
	var replaced int64
	for _, s := range wb.segments[lo:hi] {
		start = min(start, s.Offset)
		stop = max(stop, s.End())
		replaced += int64(len(s.Data))
	}

	merged := make([]byte, stop-start)
	for _, s := range wb.segments[lo:hi] {
		copy(merged[s.Offset-start:], s.Data)
	}
	copy(merged[offset-start:], data)

	if hi > lo {
		wb.stats.CoalescedWrites++
	}

	seg := Segment{Offset: start, Data: merged}
	wb.segments = append(wb.segments[:lo], append([]Segment{seg}, wb.segments[hi:]...)...)

	delta := int64(len(merged)) - replaced
	wb.dirty += delta

	wb.stats.TotalWrites++
	wb.stats.TotalBytes += int64(len(data))
	wb.stats.LastWrite = time.Now()
	return delta
}

// ReadAt copies the dirty bytes overlapping [off, off+len(p)) into p and
// returns the ranges it filled, in order.
func (wb *WriteBuffer) ReadAt(p []byte, off int64) []types.ByteRange {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	want := types.ByteRange{Offset: off, Length: int64(len(p))}
	var filled []types.ByteRange

	i := sort.Search(len(wb.segments), func(i int) bool {
		return wb.segments[i].End() > off
	})
	for ; i < len(wb.segments); i++ {
		s := wb.segments[i]
		if s.Offset >= want.End() {
			break
		}
		r := s.Range().Intersect(want)
		copy(p[r.Offset-off:r.End()-off], s.Data[r.Offset-s.Offset:])
		filled = append(filled, r)
	}
	return filled
}

// Segments returns the pending writes in offset order.
func (wb *WriteBuffer) Segments() []Segment {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	out := make([]Segment, len(wb.segments))
	copy(out, wb.segments)
	return out
}

// DirtyBytes returns the number of staged bytes.
func (wb *WriteBuffer) DirtyBytes() int64 {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	return wb.dirty
}

// Extent returns the end of the last dirty segment, or 0.
func (wb *WriteBuffer) Extent() int64 {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	if len(wb.segments) == 0 {
		return 0
	}
	return wb.segments[len(wb.segments)-1].End()
}

// IsDirty reports whether any write is pending.
func (wb *WriteBuffer) IsDirty() bool {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	return len(wb.segments) > 0
}

// MarkFlushed drops the segments of snapshot once they are durable and
// returns the bytes released. Segments written after the snapshot was
// taken are kept.
func (wb *WriteBuffer) MarkFlushed(snapshot []Segment) int64 {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	flushed := make(map[*byte]struct{}, len(snapshot))
	for _, s := range snapshot {
		if len(s.Data) > 0 {
			flushed[&s.Data[0]] = struct{}{}
		}
	}

	kept := wb.segments[:0]
	var released int64
	for _, s := range wb.segments {
		if _, ok := flushed[&s.Data[0]]; ok {
			released += int64(len(s.Data))
			continue
		}
		kept = append(kept, s)
	}
	wb.segments = kept
	wb.dirty -= released

	wb.stats.TotalFlushes++
	wb.stats.LastFlush = time.Now()
	return released
}

// Clear discards every pending write and returns the bytes dropped.
func (wb *WriteBuffer) Clear() int64 {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	dropped := wb.dirty
	wb.segments = nil
	wb.dirty = 0
	return dropped
}

// Stats returns buffer statistics.
func (wb *WriteBuffer) Stats() WriteBufferStats {
	wb.mu.RLock()
	defer wb.mu.RUnlock()

	stats := wb.stats
	stats.PendingSegments = len(wb.segments)
	stats.PendingBytes = wb.dirty
	return stats
}
