// Package minio implements the cloudvol object store for S3-compatible
// services with minio-go. It is selected by platform MinIO and honours the
// same session settings as the S3 backend: addressing style, TLS, signed
// payloads and CRC32C part checksums.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/objectfs/cloudvol/internal/storage"
	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/types"
)

// Config holds the connection settings.
type Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	UsePathStyle   bool
	UseTLS         bool
	SignedPayloads bool
	PartChecksums  bool

	MaxConnections int
	ConnectTimeout time.Duration

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Store implements types.ObjectStore with minio-go.
type Store struct {
	core   minio.Core
	config Config
	logger *slog.Logger
	stats  storage.StatsRecorder
}

var (
	_ types.ObjectStore   = (*Store)(nil)
	_ types.Describer     = (*Store)(nil)
	_ types.HealthChecker = (*Store)(nil)
)

// NewStore creates a store. No request is sent.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "bucket name cannot be empty").
			WithComponent("minio")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-2"
	}

	host, err := hostOf(cfg.Endpoint, cfg.UseTLS)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid endpoint").
			WithComponent("minio")
	}

	transport := cfg.Transport
	if transport == nil {
		tr, err := minio.DefaultTransport(cfg.UseTLS)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to build transport").
				WithComponent("minio")
		}
		if cfg.MaxConnections > 0 {
			tr.MaxConnsPerHost = cfg.MaxConnections
			tr.MaxIdleConns = cfg.MaxConnections
			tr.MaxIdleConnsPerHost = cfg.MaxConnections
		}
		if cfg.ConnectTimeout > 0 {
			tr.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
			tr.TLSHandshakeTimeout = cfg.ConnectTimeout
		}
		transport = tr
	}

	lookup := minio.BucketLookupDNS
	if cfg.UsePathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		Secure:       cfg.UseTLS,
		Region:       cfg.Region,
		BucketLookup: lookup,
		Transport:    transport,
		MaxRetries:   1,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create MinIO client").
			WithComponent("minio")
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		core:   minio.Core{Client: client},
		config: cfg,
		logger: logger.With("component", "minio-store", "bucket", cfg.Bucket),
	}, nil
}

// hostOf strips the scheme from endpoint, rejecting one that contradicts tls.
func hostOf(endpoint string, tls bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint is required")
	}
	if !strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/"), nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("malformed endpoint %q", endpoint)
	}
	if (u.Scheme == "https") != tls {
		return "", fmt.Errorf("endpoint scheme %q does not match use_tls=%t", u.Scheme, tls)
	}
	return u.Host, nil
}

// Platform implements types.Describer.
func (s *Store) Platform() string { return "MinIO" }

// Bucket implements types.Describer.
func (s *Store) Bucket() string { return s.config.Bucket }

// Stats returns request statistics.
func (s *Store) Stats() storage.Stats { return s.stats.Snapshot() }

func (s *Store) track(start time.Time, err *error) {
	s.stats.Record(time.Since(start), *err)
}

func (s *Store) putOptions(key string) minio.PutObjectOptions {
	return minio.PutObjectOptions{
		ContentType:          contentType(key),
		DisableContentSha256: !s.config.SignedPayloads,
	}
}

// Get reads length bytes of key from offset; length <= 0 reads to the end.
func (s *Store) Get(ctx context.Context, key string, offset, length int64) (_ []byte, err error) {
	defer s.track(time.Now(), &err)

	opts := minio.GetObjectOptions{}
	switch {
	case length > 0:
		err = opts.SetRange(offset, offset+length-1)
	case offset > 0:
		err = opts.SetRange(offset, 0)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidArgument, "invalid range").
			WithComponent("minio").WithKey(key)
	}

	obj, err := s.core.Client.GetObject(ctx, s.config.Bucket, key, opts)
	if err != nil {
		return nil, s.translateError(err, "GetObject", key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.translateError(err, "GetObject", key)
	}
	s.stats.Downloaded(len(data))
	return data, nil
}

// Put writes the whole object.
func (s *Store) Put(ctx context.Context, key string, data []byte) (_ string, err error) {
	defer s.track(time.Now(), &err)

	info, err := s.core.Client.PutObject(ctx, s.config.Bucket, key,
		bytes.NewReader(data), int64(len(data)), s.putOptions(key))
	if err != nil {
		return "", s.translateError(err, "PutObject", key)
	}
	s.stats.Uploaded(len(data))
	return versionOf(info), nil
}

// Head returns object metadata.
func (s *Store) Head(ctx context.Context, key string) (_ *types.ObjectInfo, err error) {
	defer s.track(time.Now(), &err)

	info, err := s.core.Client.StatObject(ctx, s.config.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, s.translateError(err, "StatObject", key)
	}
	return &types.ObjectInfo{
		Key:          key,
		Size:         info.Size,
		LastModified: info.LastModified,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		Metadata:     info.UserMetadata,
	}, nil
}

// Delete removes key. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	defer s.track(time.Now(), &err)

	err = s.core.Client.RemoveObject(ctx, s.config.Bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		if tErr := s.translateError(err, "RemoveObject", key); !errors.IsNotFound(tErr) {
			return tErr
		}
	}
	return nil
}

// List returns objects under prefix, sorted by key.
func (s *Store) List(ctx context.Context, prefix string) (_ []types.ObjectInfo, err error) {
	defer s.track(time.Now(), &err)

	var objects []types.ObjectInfo
	for obj := range s.core.Client.ListObjects(ctx, s.config.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, s.translateError(obj.Err, "ListObjects", prefix)
		}
		objects = append(objects, types.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ETag:         obj.ETag,
		})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// BeginMultipart starts a multipart upload.
func (s *Store) BeginMultipart(ctx context.Context, key string) (_ *types.UploadSession, err error) {
	defer s.track(time.Now(), &err)

	uploadID, err := s.core.NewMultipartUpload(ctx, s.config.Bucket, key, s.putOptions(key))
	if err != nil {
		return nil, s.translateError(err, "NewMultipartUpload", key)
	}
	s.stats.MultipartStarted()
	return types.NewUploadSession(uploadID, key), nil
}

// UploadPart uploads part index (1-based).
func (s *Store) UploadPart(ctx context.Context, session *types.UploadSession, index int, data []byte) (_ types.PartTag, err error) {
	defer s.track(time.Now(), &err)

	opts := minio.PutObjectPartOptions{DisableContentSha256: !s.config.SignedPayloads}
	tag := types.PartTag{Number: index, Size: int64(len(data))}
	if s.config.PartChecksums {
		tag.Checksum = types.ChecksumCRC32C(data)
		opts.CustomHeader = http.Header{"X-Amz-Checksum-Crc32c": []string{tag.Checksum}}
	}

	part, err := s.core.PutObjectPart(ctx, s.config.Bucket, session.Key, session.UploadID,
		index, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return types.PartTag{}, s.translateError(err, "PutObjectPart", session.Key)
	}
	s.stats.PartUploaded(len(data))
	tag.ETag = part.ETag
	return tag, nil
}

// CompleteMultipart finalizes the upload with tags in part order.
func (s *Store) CompleteMultipart(ctx context.Context, session *types.UploadSession, tags []types.PartTag) (_ string, err error) {
	defer s.track(time.Now(), &err)

	if err := types.ValidateTags(tags); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidArgument, "invalid part list").
			WithComponent("minio").WithKey(session.Key)
	}

	parts := make([]minio.CompletePart, 0, len(tags))
	for _, tag := range tags {
		parts = append(parts, minio.CompletePart{
			PartNumber:     tag.Number,
			ETag:           tag.ETag,
			ChecksumCRC32C: tag.Checksum,
		})
	}

	info, err := s.core.CompleteMultipartUpload(ctx, s.config.Bucket, session.Key, session.UploadID,
		parts, s.putOptions(session.Key))
	if err != nil {
		return "", s.translateError(err, "CompleteMultipartUpload", session.Key)
	}
	s.stats.MultipartFinished(true)
	return versionOf(info), nil
}

// AbortMultipart discards the upload. An unknown upload is not an error.
func (s *Store) AbortMultipart(ctx context.Context, session *types.UploadSession) (err error) {
	defer s.track(time.Now(), &err)

	err = s.core.AbortMultipartUpload(ctx, s.config.Bucket, session.Key, session.UploadID)
	if err != nil {
		if tErr := s.translateError(err, "AbortMultipartUpload", session.Key); !errors.IsNotFound(tErr) {
			return tErr
		}
	}
	s.stats.MultipartFinished(false)
	return nil
}

// HealthCheck verifies the bucket exists.
func (s *Store) HealthCheck(ctx context.Context) error {
	ok, err := s.core.Client.BucketExists(ctx, s.config.Bucket)
	if err != nil {
		return s.translateError(err, "BucketExists", "")
	}
	if !ok {
		return errors.Newf(errors.ErrCodeBucketNotFound, "bucket %s does not exist", s.config.Bucket).
			WithComponent("minio")
	}
	return nil
}

// Close is a no-op; minio-go holds no per-client resources.
func (s *Store) Close() error { return nil }

func (s *Store) translateError(err error, operation, key string) error {
	resp := minio.ToErrorResponse(err)
	return storage.Classify(err, resp.StatusCode, resp.Code).
		WithComponent("minio").
		WithOperation(operation).
		WithKey(key)
}

func versionOf(info minio.UploadInfo) string {
	if info.VersionID != "" {
		return info.VersionID
	}
	return info.ETag
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".h5", ".hdf5", ".he5", ".nc":
		return "application/x-hdf5"
	default:
		return "application/octet-stream"
	}
}
