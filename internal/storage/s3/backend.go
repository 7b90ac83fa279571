package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/cloudvol/internal/storage"
	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/types"
)

// Backend implements types.ObjectStore on Amazon S3 and S3-compatible
// services through aws-sdk-go-v2.
type Backend struct {
	client *s3.Client
	config *Config
	logger *slog.Logger
	stats  storage.StatsRecorder

	regionMu     sync.Mutex
	bucketRegion string
}

var (
	_ types.ObjectStore   = (*Backend)(nil)
	_ types.Describer     = (*Backend)(nil)
	_ types.HealthChecker = (*Backend)(nil)
)

// NewBackend creates a new S3 backend instance. No request is sent.
func NewBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (*Backend, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "bucket name cannot be empty").
			WithComponent("s3")
	}
	cfg.applyDefaults()

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to load AWS config").
			WithComponent("s3")
	}
	return newBackend(awsCfg, cfg, logger)
}

func newBackend(awsCfg aws.Config, cfg *Config, logger *slog.Logger, optFns ...func(*s3.Options)) (*Backend, error) {
	client, err := newClient(awsCfg, cfg, optFns...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid S3 endpoint").
			WithComponent("s3")
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Backend{
		client: client,
		config: cfg,
		logger: logger.With("component", "s3-backend", "bucket", cfg.Bucket),
	}
	b.logger.Debug("S3 backend configured",
		"region", cfg.Region,
		"endpoint", cfg.Endpoint,
		"path_style", cfg.UsePathStyle,
		"tls", cfg.UseTLS,
		"signed_payloads", cfg.SignedPayloads)
	return b, nil
}

// Platform implements types.Describer.
func (b *Backend) Platform() string { return "S3" }

// Bucket implements types.Describer.
func (b *Backend) Bucket() string { return b.config.Bucket }

// Stats returns request statistics.
func (b *Backend) Stats() storage.Stats { return b.stats.Snapshot() }

func (b *Backend) track(start time.Time, err *error) {
	b.stats.Record(time.Since(start), *err)
}

// Get retrieves length bytes of key from offset; length <= 0 reads to the end.
func (b *Backend) Get(ctx context.Context, key string, offset, length int64) (_ []byte, err error) {
	defer b.track(time.Now(), &err)

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(key),
		Range:  rangeHeader(offset, length),
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		return nil, b.translateError(ctx, err, "GetObject", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, b.translateError(ctx, err, "GetObject", key)
	}

	b.stats.Downloaded(len(data))
	return data, nil
}

func rangeHeader(offset, length int64) *string {
	switch {
	case length > 0:
		return aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	case offset > 0:
		return aws.String(fmt.Sprintf("bytes=%d-", offset))
	default:
		return nil
	}
}

// Put stores data as the whole object and returns its version (or ETag
// when the bucket is unversioned).
func (b *Backend) Put(ctx context.Context, key string, data []byte) (_ string, err error) {
	defer b.track(time.Now(), &err)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(detectContentType(key)),
	}

	result, err := b.client.PutObject(ctx, input)
	if err != nil {
		return "", b.translateError(ctx, err, "PutObject", key)
	}

	b.stats.Uploaded(len(data))
	return versionOf(result.VersionId, result.ETag), nil
}

// Head retrieves metadata about an object
func (b *Backend) Head(ctx context.Context, key string) (_ *types.ObjectInfo, err error) {
	defer b.track(time.Now(), &err)

	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.translateError(ctx, err, "HeadObject", key)
	}

	info := &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
		ContentType:  aws.ToString(result.ContentType),
		Metadata:     make(map[string]string, len(result.Metadata)),
	}
	for k, v := range result.Metadata {
		info.Metadata[k] = v
	}
	return info, nil
}

// Delete removes an object. A missing object is not an error.
func (b *Backend) Delete(ctx context.Context, key string) (err error) {
	defer b.track(time.Now(), &err)

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if tErr := b.translateError(ctx, err, "DeleteObject", key); !errors.IsNotFound(tErr) {
			return tErr
		}
	}
	return nil
}

// List lists objects in the bucket with the given prefix
func (b *Backend) List(ctx context.Context, prefix string) (_ []types.ObjectInfo, err error) {
	defer b.track(time.Now(), &err)

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.config.Bucket),
		Prefix: aws.String(prefix),
	})

	var objects []types.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, b.translateError(ctx, err, "ListObjectsV2", prefix)
		}
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}
	}
	return objects, nil
}

// BeginMultipart initiates a multipart upload for key.
func (b *Backend) BeginMultipart(ctx context.Context, key string) (_ *types.UploadSession, err error) {
	defer b.track(time.Now(), &err)

	input := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.config.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(detectContentType(key)),
	}
	if b.config.PartChecksums {
		input.ChecksumAlgorithm = s3types.ChecksumAlgorithmCrc32c
	}

	result, err := b.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, b.translateError(ctx, err, "CreateMultipartUpload", key)
	}

	b.stats.MultipartStarted()
	return types.NewUploadSession(aws.ToString(result.UploadId), key), nil
}

// UploadPart uploads part index (1-based) of session.
func (b *Backend) UploadPart(ctx context.Context, session *types.UploadSession, index int, data []byte) (_ types.PartTag, err error) {
	defer b.track(time.Now(), &err)

	input := &s3.UploadPartInput{
		Bucket:        aws.String(b.config.Bucket),
		Key:           aws.String(session.Key),
		UploadId:      aws.String(session.UploadID),
		PartNumber:    aws.Int32(int32(index)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	tag := types.PartTag{Number: index, Size: int64(len(data))}
	if b.config.PartChecksums {
		tag.Checksum = types.ChecksumCRC32C(data)
		input.ChecksumCRC32C = aws.String(tag.Checksum)
	}

	result, err := b.client.UploadPart(ctx, input)
	if err != nil {
		return types.PartTag{}, b.translateError(ctx, err, "UploadPart", session.Key)
	}

	b.stats.PartUploaded(len(data))
	tag.ETag = aws.ToString(result.ETag)
	return tag, nil
}

// CompleteMultipart finalizes session with tags in part order.
func (b *Backend) CompleteMultipart(ctx context.Context, session *types.UploadSession, tags []types.PartTag) (_ string, err error) {
	defer b.track(time.Now(), &err)

	if err := types.ValidateTags(tags); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidArgument, "invalid part list").
			WithComponent("s3").WithKey(session.Key)
	}

	parts := make([]s3types.CompletedPart, 0, len(tags))
	for _, tag := range tags {
		part := s3types.CompletedPart{
			ETag:       aws.String(tag.ETag),
			PartNumber: aws.Int32(int32(tag.Number)),
		}
		if tag.Checksum != "" {
			part.ChecksumCRC32C = aws.String(tag.Checksum)
		}
		parts = append(parts, part)
	}

	result, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.config.Bucket),
		Key:             aws.String(session.Key),
		UploadId:        aws.String(session.UploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return "", b.translateError(ctx, err, "CompleteMultipartUpload", session.Key)
	}

	b.stats.MultipartFinished(true)
	return versionOf(result.VersionId, result.ETag), nil
}

// AbortMultipart discards session. An already-gone upload is not an error.
func (b *Backend) AbortMultipart(ctx context.Context, session *types.UploadSession) (err error) {
	defer b.track(time.Now(), &err)

	_, err = b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.config.Bucket),
		Key:      aws.String(session.Key),
		UploadId: aws.String(session.UploadID),
	})
	if err != nil {
		if tErr := b.translateError(ctx, err, "AbortMultipartUpload", session.Key); !errors.IsNotFound(tErr) {
			return tErr
		}
	}

	b.stats.MultipartFinished(false)
	return nil
}

// HealthCheck verifies the bucket is reachable with the configured credentials.
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.config.Bucket),
	})
	if err != nil {
		return b.translateError(ctx, err, "HeadBucket", "")
	}
	return nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	if c, ok := b.client.Options().HTTPClient.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	return nil
}

// translateError maps SDK failures onto pkg/errors. Signature and region
// failures are enriched with the bucket's actual region.
func (b *Backend) translateError(ctx context.Context, err error, operation, key string) error {
	var code string
	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}

	var status int
	var respErr *awshttp.ResponseError
	if stderr.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	v := storage.Classify(err, status, code).
		WithComponent("s3").
		WithOperation(operation).
		WithKey(key)

	if v.Code == errors.ErrCodeSignatureMismatch {
		if region := b.discoverRegion(ctx); region != "" && region != b.config.Region {
			v = v.WithDetail("bucket_region", region).WithDetail("configured_region", b.config.Region)
			b.logger.Warn("bucket lives in a different region",
				"bucket_region", region, "configured_region", b.config.Region)
		}
	}
	return v
}

// discoverRegion returns the bucket's region, looking it up until a lookup
// succeeds.
func (b *Backend) discoverRegion(ctx context.Context) string {
	b.regionMu.Lock()
	defer b.regionMu.Unlock()
	if b.bucketRegion != "" {
		return b.bucketRegion
	}

	region, err := manager.GetBucketRegion(ctx, b.client, b.config.Bucket)
	if err != nil {
		b.logger.Debug("bucket region lookup failed", "error", err)
		return ""
	}
	b.bucketRegion = region
	return region
}

func versionOf(versionID, etag *string) string {
	if v := aws.ToString(versionID); v != "" {
		return v
	}
	return aws.ToString(etag)
}

func detectContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".h5", ".hdf5", ".he5", ".nc":
		return "application/x-hdf5"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
