package config

import (
	stderrors "errors"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/objectfs/cloudvol/pkg/errors"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks struct tags first, then the cross-field rules tags cannot
// express. Missing required settings report MISSING_CONFIG, an unknown
// platform reports UNSUPPORTED_PLATFORM, anything else INVALID_CONFIG.
func (c *Configuration) Validate() error {
	platform, err := c.Platform()
	if err != nil {
		return err
	}

	if strings.TrimSpace(c.Storage.Bucket) == "" {
		return missing("storage.bucket", "BUCKET_NAME")
	}

	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	return c.validateCustomRules(platform)
}

func (c *Configuration) validateCustomRules(platform Platform) error {
	switch platform {
	case PlatformS3, PlatformMinIO:
		if c.S3.AccessKeyID == "" {
			return missing("s3.access_key_id", "AWS_ACCESS_KEY_ID")
		}
		if c.S3.SecretAccessKey == "" {
			return missing("s3.secret_access_key", "AWS_SECRET_ACCESS_KEY")
		}
		if platform == PlatformMinIO && c.S3.Endpoint == "" {
			return missing("s3.endpoint", "AWS_ENDPOINT_URL_S3")
		}
		if err := c.validateEndpoint(); err != nil {
			return err
		}
	case PlatformAzure:
		if c.Azure.ConnectionString == "" {
			return missing("azure.connection_string", "AZURE_STORAGE_CONNECTION_STRING")
		}
	}

	sizes, err := c.Sizes()
	if err != nil {
		return err
	}
	if sizes.PartSize < MinPartSize {
		return invalid("flush.part_size", "part size must be at least 5MiB")
	}
	if sizes.MultipartThreshold < sizes.PartSize {
		return invalid("flush.multipart_threshold", "multipart threshold must not be below the part size")
	}
	if sizes.MaxDirty <= 0 {
		return invalid("write_buffer.max_dirty", "must be positive")
	}
	if sizes.CacheMax < 0 {
		return invalid("cache.max_size", "must not be negative")
	}

	return nil
}

// validateEndpoint rejects endpoints whose scheme contradicts use_tls.
func (c *Configuration) validateEndpoint() error {
	if c.S3.Endpoint == "" || !strings.Contains(c.S3.Endpoint, "://") {
		return nil
	}
	u, err := url.Parse(c.S3.Endpoint)
	if err != nil || u.Host == "" {
		return invalid("s3.endpoint", "malformed endpoint URL")
	}
	switch {
	case u.Scheme == "https" && !c.S3.UseTLS:
		return invalid("s3.endpoint", "https endpoint requires use_tls")
	case u.Scheme == "http" && c.S3.UseTLS:
		return invalid("s3.endpoint", "http endpoint conflicts with use_tls")
	case u.Scheme != "http" && u.Scheme != "https":
		return invalid("s3.endpoint", "endpoint scheme must be http or https")
	}
	return nil
}

func missing(field, env string) error {
	return errors.Newf(errors.ErrCodeMissingConfig, "%s is required", field).
		WithComponent("config").WithDetail("env", env)
}

func invalid(field, msg string) error {
	return errors.Newf(errors.ErrCodeInvalidConfig, "%s: %s", field, msg).
		WithComponent("config")
}

// formatValidationError converts validator errors into configuration errors.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if stderrors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return errors.Newf(errors.ErrCodeInvalidConfig, "%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value()).WithComponent("config")
	}
	return errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid configuration").WithComponent("config")
}
