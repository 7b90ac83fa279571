package types

import (
	"context"
)

// ObjectStore is the capability set every storage backend provides.
//
// Offsets and lengths are in bytes. Get with length <= 0 reads to the end of
// the object. Implementations must be safe for concurrent use and must
// translate provider errors into pkg/errors codes.
type ObjectStore interface {
	// Object operations
	Get(ctx context.Context, key string, offset, length int64) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) (string, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Multipart operations
	BeginMultipart(ctx context.Context, key string) (*UploadSession, error)
	UploadPart(ctx context.Context, session *UploadSession, index int, data []byte) (PartTag, error)
	CompleteMultipart(ctx context.Context, session *UploadSession, tags []PartTag) (string, error)
	AbortMultipart(ctx context.Context, session *UploadSession) error

	// Close releases client resources.
	Close() error
}

// Describer is implemented by stores that can name their provider and namespace.
type Describer interface {
	Platform() string
	Bucket() string
}

// HealthChecker is implemented by stores that can verify their bucket is
// reachable with the configured credentials.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
