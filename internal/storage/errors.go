// Package storage holds what the object store backends share: provider
// error classification and request statistics.
package storage

import (
	"context"
	stderr "errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/objectfs/cloudvol/pkg/errors"
)

// providerCodes maps error codes returned by S3, MinIO and Azure Blob to
// cloudvol codes.
var providerCodes = map[string]errors.ErrorCode{
	// not found
	"NoSuchKey":         errors.ErrCodeObjectNotFound,
	"NotFound":          errors.ErrCodeObjectNotFound,
	"BlobNotFound":      errors.ErrCodeObjectNotFound,
	"NoSuchUpload":      errors.ErrCodeObjectNotFound,
	"NoSuchBucket":      errors.ErrCodeBucketNotFound,
	"ContainerNotFound": errors.ErrCodeBucketNotFound,

	// auth
	"SignatureDoesNotMatch":        errors.ErrCodeSignatureMismatch,
	"AuthorizationHeaderMalformed": errors.ErrCodeSignatureMismatch,
	"RequestTimeTooSkewed":         errors.ErrCodeSignatureMismatch,
	"PermanentRedirect":            errors.ErrCodeSignatureMismatch,
	"InvalidAccessKeyId":           errors.ErrCodeAuthenticationFailed,
	"AuthenticationFailed":         errors.ErrCodeAuthenticationFailed,
	"InvalidAuthenticationInfo":    errors.ErrCodeAuthenticationFailed,
	"AccessDenied":                 errors.ErrCodeAccessDenied,
	"AuthorizationFailure":         errors.ErrCodeAccessDenied,
	"ExpiredToken":                 errors.ErrCodeCredentialsExpired,
	"TokenRefreshRequired":         errors.ErrCodeCredentialsExpired,

	"AuthorizationPermissionMismatch": errors.ErrCodeAccessDenied,

	// transient
	"SlowDown":            errors.ErrCodeServiceThrottled,
	"Throttling":          errors.ErrCodeServiceThrottled,
	"ThrottlingException": errors.ErrCodeServiceThrottled,
	"ServerBusy":          errors.ErrCodeServiceThrottled,
	"RequestTimeout":      errors.ErrCodeConnectionTimeout,
	"OperationTimedOut":   errors.ErrCodeConnectionTimeout,
	"InternalError":       errors.ErrCodeServerError,
	"InternalServerError": errors.ErrCodeServerError,
	"ServiceUnavailable":  errors.ErrCodeServerError,
}

// Classify maps a provider failure onto the cloudvol taxonomy. code is the
// provider's error code and status the HTTP status, either may be empty.
// Timeouts, connection resets, 5xx and 429 are transient; 401/403 and
// credential problems are auth errors; 404 is not found. Everything else is
// a terminal STORAGE_IO error.
func Classify(err error, status int, code string) *errors.VOLError {
	if v, ok := errors.As(err); ok {
		return v
	}

	if c, ok := providerCodes[code]; ok {
		return errors.Wrap(err, c, describe(code, status)).WithDetail("provider_code", code)
	}

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return errors.Wrap(err, errors.ErrCodeServiceThrottled, describe(code, status))
	case status >= 500:
		return errors.Wrap(err, errors.ErrCodeServerError, describe(code, status))
	case status == http.StatusRequestTimeout:
		return errors.Wrap(err, errors.ErrCodeConnectionTimeout, describe(code, status))
	case status == http.StatusUnauthorized:
		return errors.Wrap(err, errors.ErrCodeAuthenticationFailed, describe(code, status))
	case status == http.StatusForbidden:
		return errors.Wrap(err, errors.ErrCodeAccessDenied, describe(code, status))
	case status == http.StatusNotFound:
		return errors.Wrap(err, errors.ErrCodeObjectNotFound, describe(code, status))
	}

	return classifyNetwork(err)
}

func classifyNetwork(err error) *errors.VOLError {
	if stderr.Is(err, context.Canceled) {
		return errors.Wrap(err, errors.ErrCodeStorageIO, "request canceled")
	}
	if stderr.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrCodeConnectionTimeout, "request timed out")
	}

	var netErr net.Error
	if stderr.As(err, &netErr) {
		if netErr.Timeout() {
			return errors.Wrap(err, errors.ErrCodeConnectionTimeout, "request timed out")
		}
		return errors.Wrap(err, errors.ErrCodeNetworkError, "network error")
	}

	if stderr.Is(err, io.ErrUnexpectedEOF) ||
		stderr.Is(err, syscall.ECONNRESET) ||
		stderr.Is(err, syscall.ECONNREFUSED) ||
		stderr.Is(err, syscall.EPIPE) {
		return errors.Wrap(err, errors.ErrCodeNetworkError, "connection lost")
	}

	return errors.Wrap(err, errors.ErrCodeStorageIO, "storage request failed")
}

func describe(code string, status int) string {
	switch {
	case code != "" && status != 0:
		return code + " (HTTP " + http.StatusText(status) + ")"
	case code != "":
		return code
	case status != 0:
		return "HTTP " + http.StatusText(status)
	default:
		return "storage request failed"
	}
}
