package vol

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/cloudvol/internal/buffer"
	"github.com/objectfs/cloudvol/internal/cache"
	"github.com/objectfs/cloudvol/internal/flush"
)

// Handle identifies an open file across the callback table.
type Handle uint64

// Flags are the HDF5 file access flags.
type Flags uint32

const (
	FlagReadOnly  Flags = 0x0000
	FlagReadWrite Flags = 0x0001
	FlagTruncate  Flags = 0x0002
	FlagExclusive Flags = 0x0004
)

// Mode is how a file was opened.
type Mode int

const (
	ModeReadOnly Mode = iota
	ModeReadWrite
	ModeCreate
)

func (m Mode) String() string {
	switch m {
	case ModeReadOnly:
		return "read_only"
	case ModeReadWrite:
		return "read_write"
	case ModeCreate:
		return "create"
	default:
		return "unknown"
	}
}

// Writable reports whether the mode accepts writes.
func (m Mode) Writable() bool { return m != ModeReadOnly }

// ObjectKey derives the object key from an HDF5 file name: separators
// become "/", a leading "./" is stripped, and "." and ".." are resolved.
func ObjectKey(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.TrimPrefix(name, "./")
	if name == "" {
		return ""
	}
	key := strings.TrimPrefix(path.Clean(name), "/")
	if key == "." {
		return ""
	}
	return key
}

// VirtualFile is one open HDF5 file backed by one object. Its mutex orders
// every call on the file and keeps a flush snapshot consistent.
type VirtualFile struct {
	mu sync.Mutex

	handle   Handle
	key      string
	mode     Mode
	flags    Flags
	openedAt time.Time

	// length is the virtual length; remoteSize the object size as of the
	// last open or flush.
	length     int64
	remoteSize int64

	state  *flush.Tracker
	cache  *cache.RangeCache
	buffer *buffer.WriteBuffer
	closed bool
}

func newVirtualFile(h Handle, key string, mode Mode, flags Flags, remoteSize int64, cacheMax int64) *VirtualFile {
	initial := flush.Clean
	if mode == ModeCreate {
		initial = flush.Dirty
	}
	return &VirtualFile{
		handle:     h,
		key:        key,
		mode:       mode,
		flags:      flags,
		openedAt:   time.Now(),
		length:     remoteSize,
		remoteSize: remoteSize,
		state:      flush.NewTracker(initial),
		cache:      cache.NewRangeCache(cacheMax),
		buffer:     buffer.NewWriteBuffer(),
	}
}

// FileInfo is a point-in-time view of an open file.
type FileInfo struct {
	Handle     Handle    `json:"handle"`
	Key        string    `json:"key"`
	Mode       string    `json:"mode"`
	Length     int64     `json:"length"`
	RemoteSize int64     `json:"remote_size"`
	DirtyBytes int64     `json:"dirty_bytes"`
	Segments   int       `json:"dirty_segments"`
	Writes     uint64    `json:"writes"`
	CacheBytes int64     `json:"cache_bytes"`
	State      string    `json:"state"`
	OpenedAt   time.Time `json:"opened_at"`
}

func (f *VirtualFile) info() FileInfo {
	staged := f.buffer.Stats()
	return FileInfo{
		Handle:     f.handle,
		Key:        f.key,
		Mode:       f.mode.String(),
		Length:     f.length,
		RemoteSize: f.remoteSize,
		DirtyBytes: staged.PendingBytes,
		Segments:   staged.PendingSegments,
		Writes:     staged.TotalWrites,
		CacheBytes: f.cache.Size(),
		State:      f.state.State().String(),
		OpenedAt:   f.openedAt,
	}
}
