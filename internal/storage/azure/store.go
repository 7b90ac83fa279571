// Package azure implements the cloudvol object store on Azure Blob Storage.
//
// Objects are block blobs in the configured container. Multipart uploads
// map to StageBlock and CommitBlockList; block IDs are fixed width so every
// block of a blob has the same ID length, as the service requires.
package azure

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/objectfs/cloudvol/internal/storage"
	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/types"
)

// Config holds the connection settings.
type Config struct {
	// Container is the blob container playing the role of a bucket.
	Container        string
	ConnectionString string

	// Transport overrides the HTTP pipeline transport, mainly for tests.
	Transport policy.Transporter
}

// Store implements types.ObjectStore on Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	container *container.Client
	name      string
	logger    *slog.Logger
	stats     storage.StatsRecorder
}

var (
	_ types.ObjectStore   = (*Store)(nil)
	_ types.Describer     = (*Store)(nil)
	_ types.HealthChecker = (*Store)(nil)
)

// NewStore creates a store from a connection string. No request is sent.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Container == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "container name cannot be empty").
			WithComponent("azure")
	}
	if cfg.ConnectionString == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "connection string cannot be empty").
			WithComponent("azure").WithDetail("env", "AZURE_STORAGE_CONNECTION_STRING")
	}

	// retries belong to the session layer
	opts := &azblob.ClientOptions{}
	opts.Retry = policy.RetryOptions{MaxRetries: -1}
	if cfg.Transport != nil {
		opts.Transport = cfg.Transport
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid Azure connection string").
			WithComponent("azure")
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:    client,
		container: client.ServiceClient().NewContainerClient(cfg.Container),
		name:      cfg.Container,
		logger:    logger.With("component", "azure-store", "container", cfg.Container),
	}, nil
}

// Platform implements types.Describer.
func (s *Store) Platform() string { return "Azure" }

// Bucket implements types.Describer.
func (s *Store) Bucket() string { return s.name }

// Stats returns request statistics.
func (s *Store) Stats() storage.Stats { return s.stats.Snapshot() }

func (s *Store) track(start time.Time, err *error) {
	s.stats.Record(time.Since(start), *err)
}

// Get reads length bytes of key from offset; length <= 0 reads to the end.
func (s *Store) Get(ctx context.Context, key string, offset, length int64) (_ []byte, err error) {
	defer s.track(time.Now(), &err)

	opts := &azblob.DownloadStreamOptions{}
	if offset > 0 || length > 0 {
		r := blob.HTTPRange{Offset: offset}
		if length > 0 {
			r.Count = length
		}
		opts.Range = r
	}

	resp, err := s.client.DownloadStream(ctx, s.name, key, opts)
	if err != nil {
		return nil, translateError(err, "DownloadStream", key)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, translateError(err, "DownloadStream", key)
	}
	s.stats.Downloaded(len(data))
	return data, nil
}

// Put uploads data as a single block blob.
func (s *Store) Put(ctx context.Context, key string, data []byte) (_ string, err error) {
	defer s.track(time.Now(), &err)

	resp, err := s.container.NewBlockBlobClient(key).Upload(ctx,
		streaming.NopCloser(bytes.NewReader(data)),
		&blockblob.UploadOptions{HTTPHeaders: httpHeaders(key)})
	if err != nil {
		return "", translateError(err, "Upload", key)
	}
	s.stats.Uploaded(len(data))
	return versionOf(resp.VersionID, resp.ETag), nil
}

// Head returns blob properties.
func (s *Store) Head(ctx context.Context, key string) (_ *types.ObjectInfo, err error) {
	defer s.track(time.Now(), &err)

	props, err := s.container.NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return nil, translateError(err, "GetProperties", key)
	}

	info := &types.ObjectInfo{
		Key:         key,
		Size:        deref(props.ContentLength),
		ContentType: deref(props.ContentType),
		Metadata:    make(map[string]string, len(props.Metadata)),
	}
	if props.LastModified != nil {
		info.LastModified = *props.LastModified
	}
	if props.ETag != nil {
		info.ETag = string(*props.ETag)
	}
	for k, v := range props.Metadata {
		if v != nil {
			info.Metadata[k] = *v
		}
	}
	return info, nil
}

// Delete removes key. A missing blob is not an error.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	defer s.track(time.Now(), &err)

	_, err = s.client.DeleteBlob(ctx, s.name, key, nil)
	if err != nil {
		if tErr := translateError(err, "DeleteBlob", key); !errors.IsNotFound(tErr) {
			return tErr
		}
	}
	return nil
}

// List returns blobs under prefix, sorted by name.
func (s *Store) List(ctx context.Context, prefix string) (_ []types.ObjectInfo, err error) {
	defer s.track(time.Now(), &err)

	pager := s.client.NewListBlobsFlatPager(s.name, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	var objects []types.ObjectInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, translateError(err, "ListBlobsFlat", prefix)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			obj := types.ObjectInfo{Key: *item.Name}
			if p := item.Properties; p != nil {
				obj.Size = deref(p.ContentLength)
				obj.ContentType = deref(p.ContentType)
				if p.LastModified != nil {
					obj.LastModified = *p.LastModified
				}
				if p.ETag != nil {
					obj.ETag = string(*p.ETag)
				}
			}
			objects = append(objects, obj)
		}
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// BeginMultipart starts a block upload. No request is sent; the upload ID
// prefixes every block ID of this upload.
func (s *Store) BeginMultipart(ctx context.Context, key string) (*types.UploadSession, error) {
	var raw [6]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to generate upload id").
			WithComponent("azure")
	}
	s.stats.MultipartStarted()
	return types.NewUploadSession(hex.EncodeToString(raw[:]), key), nil
}

// blockID returns the fixed-width base64 block ID for part index.
func blockID(uploadID string, index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s-%08d", uploadID, index)))
}

// UploadPart stages part index (1-based) as an uncommitted block.
func (s *Store) UploadPart(ctx context.Context, session *types.UploadSession, index int, data []byte) (_ types.PartTag, err error) {
	defer s.track(time.Now(), &err)

	id := blockID(session.UploadID, index)
	_, err = s.container.NewBlockBlobClient(session.Key).StageBlock(ctx, id,
		streaming.NopCloser(bytes.NewReader(data)), nil)
	if err != nil {
		return types.PartTag{}, translateError(err, "StageBlock", session.Key)
	}

	s.stats.PartUploaded(len(data))
	return types.PartTag{
		Number:   index,
		ETag:     id,
		Checksum: types.ChecksumCRC32C(data),
		Size:     int64(len(data)),
	}, nil
}

// CompleteMultipart commits the staged blocks in part order.
func (s *Store) CompleteMultipart(ctx context.Context, session *types.UploadSession, tags []types.PartTag) (_ string, err error) {
	defer s.track(time.Now(), &err)

	if err := types.ValidateTags(tags); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidArgument, "invalid part list").
			WithComponent("azure").WithKey(session.Key)
	}

	ids := make([]string, 0, len(tags))
	for _, tag := range tags {
		ids = append(ids, blockID(session.UploadID, tag.Number))
	}

	resp, err := s.container.NewBlockBlobClient(session.Key).CommitBlockList(ctx, ids,
		&blockblob.CommitBlockListOptions{HTTPHeaders: httpHeaders(session.Key)})
	if err != nil {
		return "", translateError(err, "CommitBlockList", session.Key)
	}
	s.stats.MultipartFinished(true)
	return versionOf(resp.VersionID, resp.ETag), nil
}

// AbortMultipart drops the upload locally. The service garbage-collects
// uncommitted blocks.
func (s *Store) AbortMultipart(ctx context.Context, session *types.UploadSession) error {
	s.logger.Debug("abandoning staged blocks", "key", session.Key, "upload_id", session.UploadID)
	s.stats.MultipartFinished(false)
	return nil
}

// HealthCheck verifies the container is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if _, err := s.container.GetProperties(ctx, nil); err != nil {
		return translateError(err, "GetContainerProperties", "")
	}
	return nil
}

// Close is a no-op; the pipeline holds no per-client resources.
func (s *Store) Close() error { return nil }

func translateError(err error, operation, key string) error {
	var code string
	var status int
	var respErr *azcore.ResponseError
	if stderr.As(err, &respErr) {
		code = respErr.ErrorCode
		status = respErr.StatusCode
	}
	return storage.Classify(err, status, code).
		WithComponent("azure").
		WithOperation(operation).
		WithKey(key)
}

func httpHeaders(key string) *blob.HTTPHeaders {
	ct := "application/octet-stream"
	switch strings.ToLower(path.Ext(key)) {
	case ".h5", ".hdf5", ".he5", ".nc":
		ct = "application/x-hdf5"
	}
	return &blob.HTTPHeaders{BlobContentType: &ct}
}

func versionOf(versionID *string, etag *azcore.ETag) string {
	if versionID != nil && *versionID != "" {
		return *versionID
	}
	if etag != nil {
		return string(*etag)
	}
	return ""
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
