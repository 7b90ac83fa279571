/*
Package config loads and validates cloudvol settings.

Settings are layered, later sources winning:

	defaults (NewDefault) → YAML file (LoadFromFile) → environment (LoadFromEnv)

The environment uses the variable names the AWS and Azure SDKs already
read, so an HDF5 application configured for the native SDKs needs no
extra setup:

	STORAGE_PLATFORM                 S3 (default), Azure, MinIO or Memory
	BUCKET_NAME                      bucket or container, required
	AWS_ACCESS_KEY_ID                required for S3 and MinIO
	AWS_SECRET_ACCESS_KEY            required for S3 and MinIO
	AWS_SESSION_TOKEN                optional
	AWS_ENDPOINT_URL_S3              custom endpoint, scheme optional
	AWS_REGION                       default us-east-2
	AWS_USE_TLS                      default false
	AWS_S3_ADDRESSING_STYLE          path or virtual (default)
	AWS_USE_PATH_STYLE               legacy, "true" selects path style
	AWS_SIGNED_PAYLOADS              default false (UNSIGNED-PAYLOAD)
	AZURE_STORAGE_CONNECTION_STRING  required for Azure

Tuning knobs are prefixed CLOUDVOL_: LOG_LEVEL, LOG_FORMAT, METRICS_PORT,
CACHE_SIZE, MAX_DIRTY, MULTIPART_THRESHOLD, PART_SIZE and MAX_CONCURRENCY.
Byte sizes accept human forms such as "64MiB".

Validate reports failures as configuration errors from pkg/errors so the
session manager can fail fast before any network call.
*/
package config
