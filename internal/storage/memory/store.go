// Package memory implements the object store capability set in process.
//
// Every call is counted per operation and faults can be queued per
// operation, which makes the store the double used by cache, flush and
// dispatcher tests as well as the backend behind platform "Memory".
package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/cloudvol/internal/storage"
	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/types"
)

// Op names a store operation for call counting and fault injection.
type Op string

const (
	OpGet        Op = "get"
	OpPut        Op = "put"
	OpHead       Op = "head"
	OpDelete     Op = "delete"
	OpList       Op = "list"
	OpBegin      Op = "begin_multipart"
	OpUploadPart Op = "upload_part"
	OpComplete   Op = "complete_multipart"
	OpAbort      Op = "abort_multipart"
)

const maxPartNumber = 10000

type object struct {
	data     []byte
	etag     string
	version  string
	modified time.Time
}

type upload struct {
	key   string
	parts map[int][]byte
}

// Store is an in-memory object store.
type Store struct {
	bucket string

	// MinPartSize, when set, rejects completion if a part other than the
	// last is smaller, as S3 does.
	MinPartSize int64

	mu      sync.Mutex
	objects map[string]*object
	uploads map[string]*upload
	calls   map[Op]int
	faults  map[Op][]error
	seq     int
	closed  bool

	stats storage.StatsRecorder
}

var _ types.ObjectStore = (*Store)(nil)

// New creates an empty store for bucket.
func New(bucket string) *Store {
	return &Store{
		bucket:  bucket,
		objects: make(map[string]*object),
		uploads: make(map[string]*upload),
		calls:   make(map[Op]int),
		faults:  make(map[Op][]error),
	}
}

// Platform implements types.Describer.
func (s *Store) Platform() string { return "Memory" }

// Bucket implements types.Describer.
func (s *Store) Bucket() string { return s.bucket }

// InjectFault makes the next times calls of op fail with err.
func (s *Store) InjectFault(op Op, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < times; i++ {
		s.faults[op] = append(s.faults[op], err)
	}
}

// ClearFaults drops all queued faults.
func (s *Store) ClearFaults() {
	s.mu.Lock()
	s.faults = make(map[Op][]error)
	s.mu.Unlock()
}

// Calls returns how many times op was invoked, including failed calls.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// ResetCalls zeroes the call counters.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	s.calls = make(map[Op]int)
	s.mu.Unlock()
}

// PendingUploads returns the number of multipart uploads neither completed
// nor aborted.
func (s *Store) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Object returns a copy of the stored bytes without counting a call.
func (s *Store) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// SetObject seeds key without counting a call.
func (s *Store) SetObject(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeLocked(key, append([]byte(nil), data...))
}

// Stats returns request statistics.
func (s *Store) Stats() storage.Stats {
	return s.stats.Snapshot()
}

// begin counts the call and returns a queued fault, if any. mu must be held.
func (s *Store) begin(op Op) error {
	s.calls[op]++
	if s.closed {
		return errors.NewError(errors.ErrCodeComponentStopped, "store is closed").
			WithComponent("memory").WithOperation(string(op))
	}
	if q := s.faults[op]; len(q) > 0 {
		s.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *Store) storeLocked(key string, data []byte) *object {
	s.seq++
	sum := md5.Sum(data)
	obj := &object{
		data:     data,
		etag:     `"` + hex.EncodeToString(sum[:]) + `"`,
		version:  fmt.Sprintf("v%d", s.seq),
		modified: time.Now(),
	}
	s.objects[key] = obj
	return obj
}

func notFound(op Op, key string) error {
	return storage.Classify(fmt.Errorf("key %q does not exist", key), 404, "NoSuchKey").
		WithComponent("memory").WithOperation(string(op)).WithKey(key)
}

func (s *Store) track(start time.Time, err *error) {
	s.stats.Record(time.Since(start), *err)
}

// Get returns length bytes of key from offset; length <= 0 reads to the end.
func (s *Store) Get(ctx context.Context, key string, offset, length int64) (_ []byte, err error) {
	defer s.track(time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, storage.Classify(err, 0, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpGet); err != nil {
		return nil, err
	}

	obj, ok := s.objects[key]
	if !ok {
		return nil, notFound(OpGet, key)
	}
	size := int64(len(obj.data))
	if offset < 0 || offset > size || (offset == size && size > 0) {
		return nil, storage.Classify(fmt.Errorf("range start %d outside object of %d bytes", offset, size), 416, "InvalidRange").
			WithComponent("memory").WithOperation(string(OpGet)).WithKey(key)
	}
	end := size
	if length > 0 && offset+length < size {
		end = offset + length
	}

	out := append([]byte(nil), obj.data[offset:end]...)
	s.stats.Downloaded(len(out))
	return out, nil
}

// Put stores data under key and returns its version.
func (s *Store) Put(ctx context.Context, key string, data []byte) (_ string, err error) {
	defer s.track(time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return "", storage.Classify(err, 0, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpPut); err != nil {
		return "", err
	}

	obj := s.storeLocked(key, append([]byte(nil), data...))
	s.stats.Uploaded(len(data))
	return obj.version, nil
}

// Head returns metadata for key.
func (s *Store) Head(ctx context.Context, key string) (_ *types.ObjectInfo, err error) {
	defer s.track(time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, storage.Classify(err, 0, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpHead); err != nil {
		return nil, err
	}

	obj, ok := s.objects[key]
	if !ok {
		return nil, notFound(OpHead, key)
	}
	return s.info(key, obj), nil
}

func (s *Store) info(key string, obj *object) *types.ObjectInfo {
	return &types.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
		ETag:         obj.etag,
		ContentType:  "application/octet-stream",
		Metadata:     map[string]string{"version": obj.version},
	}
}

// Delete removes key. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	defer s.track(time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return storage.Classify(err, 0, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpDelete); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

// List returns objects whose key starts with prefix, sorted by key.
func (s *Store) List(ctx context.Context, prefix string) (_ []types.ObjectInfo, err error) {
	defer s.track(time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, storage.Classify(err, 0, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpList); err != nil {
		return nil, err
	}

	var out []types.ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, *s.info(key, obj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// BeginMultipart opens an upload session for key.
func (s *Store) BeginMultipart(ctx context.Context, key string) (_ *types.UploadSession, err error) {
	defer s.track(time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, storage.Classify(err, 0, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpBegin); err != nil {
		return nil, err
	}

	s.seq++
	id := fmt.Sprintf("upload-%d", s.seq)
	s.uploads[id] = &upload{key: key, parts: make(map[int][]byte)}
	s.stats.MultipartStarted()
	return types.NewUploadSession(id, key), nil
}

// UploadPart stores part index of session.
func (s *Store) UploadPart(ctx context.Context, session *types.UploadSession, index int, data []byte) (_ types.PartTag, err error) {
	defer s.track(time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return types.PartTag{}, storage.Classify(err, 0, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpUploadPart); err != nil {
		return types.PartTag{}, err
	}

	up, ok := s.uploads[session.UploadID]
	if !ok {
		return types.PartTag{}, storage.Classify(fmt.Errorf("upload %s does not exist", session.UploadID), 404, "NoSuchUpload").
			WithComponent("memory").WithOperation(string(OpUploadPart)).WithKey(session.Key)
	}
	if index < 1 || index > maxPartNumber {
		return types.PartTag{}, errors.Newf(errors.ErrCodeInvalidArgument, "part number %d out of range", index).
			WithComponent("memory").WithKey(session.Key)
	}

	part := append([]byte(nil), data...)
	up.parts[index] = part
	sum := md5.Sum(part)
	s.stats.PartUploaded(len(part))
	return types.PartTag{
		Number:   index,
		ETag:     `"` + hex.EncodeToString(sum[:]) + `"`,
		Checksum: types.ChecksumCRC32C(part),
		Size:     int64(len(part)),
	}, nil
}

// CompleteMultipart assembles the parts named by tags into the object.
func (s *Store) CompleteMultipart(ctx context.Context, session *types.UploadSession, tags []types.PartTag) (_ string, err error) {
	defer s.track(time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return "", storage.Classify(err, 0, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpComplete); err != nil {
		return "", err
	}

	up, ok := s.uploads[session.UploadID]
	if !ok {
		return "", storage.Classify(fmt.Errorf("upload %s does not exist", session.UploadID), 404, "NoSuchUpload").
			WithComponent("memory").WithOperation(string(OpComplete)).WithKey(session.Key)
	}
	if err := types.ValidateTags(tags); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidArgument, "invalid part list").
			WithComponent("memory").WithKey(session.Key)
	}

	var data []byte
	for i, tag := range tags {
		part, ok := up.parts[tag.Number]
		if !ok {
			return "", errors.Newf(errors.ErrCodeInvalidArgument, "part %d was never uploaded", tag.Number).
				WithComponent("memory").WithKey(session.Key)
		}
		if s.MinPartSize > 0 && i < len(tags)-1 && int64(len(part)) < s.MinPartSize {
			return "", errors.Newf(errors.ErrCodeInvalidArgument, "part %d is smaller than %d bytes", tag.Number, s.MinPartSize).
				WithComponent("memory").WithKey(session.Key)
		}
		data = append(data, part...)
	}

	delete(s.uploads, session.UploadID)
	obj := s.storeLocked(up.key, data)
	s.stats.MultipartFinished(true)
	return obj.version, nil
}

// AbortMultipart discards session and its parts.
func (s *Store) AbortMultipart(ctx context.Context, session *types.UploadSession) (err error) {
	defer s.track(time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpAbort); err != nil {
		return err
	}

	if _, ok := s.uploads[session.UploadID]; !ok {
		return storage.Classify(fmt.Errorf("upload %s does not exist", session.UploadID), 404, "NoSuchUpload").
			WithComponent("memory").WithOperation(string(OpAbort)).WithKey(session.Key)
	}
	delete(s.uploads, session.UploadID)
	s.stats.MultipartFinished(false)
	return nil
}

// Close rejects all later calls.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
