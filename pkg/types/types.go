package types

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"time"
)

// ObjectInfo represents object metadata
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag"`
	ContentType  string            `json:"content_type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	Segments    int     `json:"segments"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// PartTag identifies one uploaded part of a multipart upload.
type PartTag struct {
	Number   int    `json:"number"`
	ETag     string `json:"etag"`
	Checksum string `json:"checksum,omitempty"`
	Size     int64  `json:"size"`
}

// UploadStatus represents the status of a multipart upload
type UploadStatus string

const (
	UploadStatusInitiated  UploadStatus = "initiated"
	UploadStatusInProgress UploadStatus = "in_progress"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
	UploadStatusAborted    UploadStatus = "aborted"
)

// IsTerminal returns true if the upload can no longer accept parts
func (s UploadStatus) IsTerminal() bool {
	return s == UploadStatusCompleted || s == UploadStatusFailed || s == UploadStatusAborted
}

// UploadSession tracks one in-progress multipart upload.
type UploadSession struct {
	mu sync.Mutex

	UploadID  string       `json:"upload_id"`
	Key       string       `json:"key"`
	StartedAt time.Time    `json:"started_at"`
	Status    UploadStatus `json:"status"`

	parts map[int]PartTag
}

// NewUploadSession creates a session for key.
func NewUploadSession(uploadID, key string) *UploadSession {
	return &UploadSession{
		UploadID:  uploadID,
		Key:       key,
		StartedAt: time.Now(),
		Status:    UploadStatusInitiated,
		parts:     make(map[int]PartTag),
	}
}

// Record stores a completed part. Parts may arrive out of order when
// uploaded concurrently; Tags enforces contiguity at completion time.
func (s *UploadSession) Record(tag PartTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status.IsTerminal() {
		return fmt.Errorf("upload %s is %s", s.UploadID, s.Status)
	}
	if tag.Number < 1 {
		return fmt.Errorf("part number %d out of range", tag.Number)
	}
	if _, dup := s.parts[tag.Number]; dup {
		return fmt.Errorf("part %d already recorded", tag.Number)
	}
	s.parts[tag.Number] = tag
	s.Status = UploadStatusInProgress
	return nil
}

// NextPart returns the lowest part number not yet recorded.
func (s *UploadSession) NextPart() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 1
	for {
		if _, ok := s.parts[n]; !ok {
			return n
		}
		n++
	}
}

// Tags returns the recorded parts ordered by number. It fails if the part
// numbers are not exactly 1..n.
func (s *UploadSession) Tags() ([]PartTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags := make([]PartTag, 0, len(s.parts))
	for i := 1; i <= len(s.parts); i++ {
		tag, ok := s.parts[i]
		if !ok {
			return nil, fmt.Errorf("upload %s is missing part %d", s.UploadID, i)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// SetStatus moves the session to status.
func (s *UploadSession) SetStatus(status UploadStatus) {
	s.mu.Lock()
	s.Status = status
	s.mu.Unlock()
}

// CurrentStatus returns the session status.
func (s *UploadSession) CurrentStatus() UploadStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// ValidateTags checks that tags are numbered 1..n in order.
func ValidateTags(tags []PartTag) error {
	for i, tag := range tags {
		if tag.Number != i+1 {
			return fmt.Errorf("part %d has number %d, parts must be contiguous from 1", i, tag.Number)
		}
	}
	return nil
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ChecksumCRC32C returns the base64 CRC32C of data in the form S3 expects.
func ChecksumCRC32C(data []byte) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], crc32.Checksum(data, castagnoli))
	return base64.StdEncoding.EncodeToString(buf[:])
}

// ByteRange is a half-open interval [Offset, Offset+Length) of file bytes.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the first offset past the range.
func (r ByteRange) End() int64 { return r.Offset + r.Length }

// Empty reports whether the range holds no bytes.
func (r ByteRange) Empty() bool { return r.Length <= 0 }

// Intersect returns the overlap of r and o, which may be empty.
func (r ByteRange) Intersect(o ByteRange) ByteRange {
	start := max(r.Offset, o.Offset)
	end := min(r.End(), o.End())
	if end <= start {
		return ByteRange{Offset: start}
	}
	return ByteRange{Offset: start, Length: end - start}
}

// Gaps returns the parts of r not covered by covered, in order. covered
// must be sorted by offset and non-overlapping.
func Gaps(r ByteRange, covered []ByteRange) []ByteRange {
	var gaps []ByteRange
	pos := r.Offset
	for _, c := range covered {
		c = c.Intersect(r)
		if c.Empty() {
			continue
		}
		if c.Offset > pos {
			gaps = append(gaps, ByteRange{Offset: pos, Length: c.Offset - pos})
		}
		pos = max(pos, c.End())
	}
	if pos < r.End() {
		gaps = append(gaps, ByteRange{Offset: pos, Length: r.End() - pos})
	}
	return gaps
}
