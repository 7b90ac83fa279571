/*
Package s3 implements the cloudvol object store on Amazon S3 and
S3-compatible services using aws-sdk-go-v2.

# Request construction

The backend applies the configured session exactly as given:

  - Addressing: path style (http://host/bucket/key) or virtual hosted
    (http://bucket.host/key), from Config.UsePathStyle.
  - Transport security: the endpoint scheme follows Config.UseTLS. An
    explicit scheme that contradicts it is rejected.
  - Payload signing: with SignedPayloads every body is hashed into the
    SigV4 signature, otherwise requests carry UNSIGNED-PAYLOAD.
  - Part checksums: with PartChecksums each multipart part carries a
    CRC32C checksum that is echoed in CompleteMultipartUpload.

SDK retries are disabled. Retries and circuit breaking belong to the
session layer, which sees the classified errors produced here.

# Error translation

Provider failures are mapped with storage.Classify: throttling, timeouts
and 5xx are transient, credential and signature failures are auth errors,
NoSuchKey and 404 are not found. A signature mismatch is enriched with the
bucket's real region, looked up once through manager.GetBucketRegion.

# Usage

	cfg := s3.NewDefaultConfig()
	cfg.Bucket = "simulations"
	cfg.AccessKeyID, cfg.SecretAccessKey = key, secret

	backend, err := s3.NewBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	header, err := backend.Get(ctx, "run-42.h5", 0, 512)
*/
package s3
