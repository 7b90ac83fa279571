package session

import (
	"context"
	"log/slog"

	"github.com/objectfs/cloudvol/internal/config"
	"github.com/objectfs/cloudvol/internal/storage/azure"
	"github.com/objectfs/cloudvol/internal/storage/memory"
	"github.com/objectfs/cloudvol/internal/storage/minio"
	"github.com/objectfs/cloudvol/internal/storage/s3"
	"github.com/objectfs/cloudvol/pkg/types"
)

// Factory builds the raw backend for a validated configuration. It must
// not perform network I/O.
type Factory func(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (types.ObjectStore, error)

// DefaultFactories returns the built-in backend per platform.
func DefaultFactories() map[config.Platform]Factory {
	return map[config.Platform]Factory{
		config.PlatformS3:     newS3,
		config.PlatformMinIO:  newMinIO,
		config.PlatformAzure:  newAzure,
		config.PlatformMemory: newMemory,
	}
}

func newS3(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (types.ObjectStore, error) {
	return s3.NewBackend(ctx, &s3.Config{
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		SessionToken:    cfg.S3.SessionToken,
		UsePathStyle:    cfg.PathStyle(),
		UseTLS:          cfg.S3.UseTLS,
		SignedPayloads:  cfg.S3.SignedPayloads,
		PartChecksums:   cfg.S3.PartChecksums,
		MaxConnections:  cfg.S3.MaxConnections,
		ConnectTimeout:  cfg.S3.ConnectTimeout,
		RequestTimeout:  cfg.S3.RequestTimeout,
	}, logger)
}

func newMinIO(_ context.Context, cfg *config.Configuration, logger *slog.Logger) (types.ObjectStore, error) {
	return minio.NewStore(minio.Config{
		Bucket:          cfg.Storage.Bucket,
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		SessionToken:    cfg.S3.SessionToken,
		UsePathStyle:    cfg.PathStyle(),
		UseTLS:          cfg.S3.UseTLS,
		SignedPayloads:  cfg.S3.SignedPayloads,
		PartChecksums:   cfg.S3.PartChecksums,
		MaxConnections:  cfg.S3.MaxConnections,
		ConnectTimeout:  cfg.S3.ConnectTimeout,
	}, logger)
}

func newAzure(_ context.Context, cfg *config.Configuration, logger *slog.Logger) (types.ObjectStore, error) {
	return azure.NewStore(azure.Config{
		Container:        cfg.Storage.Bucket,
		ConnectionString: cfg.Azure.ConnectionString,
	}, logger)
}

func newMemory(_ context.Context, cfg *config.Configuration, _ *slog.Logger) (types.ObjectStore, error) {
	store := memory.New(cfg.Storage.Bucket)
	store.MinPartSize = config.MinPartSize
	return store, nil
}
