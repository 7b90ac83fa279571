package s3

import (
	"context"
	"net"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
)

// computePayloadSHA256ID is the finalize middleware that fills the
// X-Amz-Content-Sha256 header before signing.
const computePayloadSHA256ID = "ComputePayloadSHA256"

// loadAWSConfig builds the SDK configuration: static credentials, the
// configured region, a pooled HTTP client and no SDK-level retries, since
// retries are owned by the session's resilient store.
func loadAWSConfig(ctx context.Context, cfg *Config) (aws.Config, error) {
	httpClient := awshttp.NewBuildableClient().
		WithTimeout(cfg.RequestTimeout).
		WithDialerOptions(func(d *net.Dialer) {
			d.Timeout = cfg.ConnectTimeout
		}).
		WithTransportOptions(func(tr *http.Transport) {
			tr.MaxConnsPerHost = cfg.MaxConnections
			tr.MaxIdleConns = cfg.MaxConnections
			tr.MaxIdleConnsPerHost = cfg.MaxConnections
			tr.TLSHandshakeTimeout = cfg.ConnectTimeout
		})

	return config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)),
		config.WithRetryMaxAttempts(1),
		config.WithHTTPClient(httpClient),
	)
}

// newClient creates the S3 client. Addressing style, endpoint scheme and
// payload signing are applied exactly as configured.
func newClient(awsCfg aws.Config, cfg *Config, optFns ...func(*s3.Options)) (*s3.Client, error) {
	endpoint, err := cfg.BaseEndpoint()
	if err != nil {
		return nil, err
	}

	opts := []func(*s3.Options){func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		// no flexible checksums: the body hash is whatever payloadSigning selects
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		o.APIOptions = append(o.APIOptions, payloadSigning(cfg.SignedPayloads))
	}}

	return s3.NewFromConfig(awsCfg, append(opts, optFns...)...), nil
}

// payloadSigning replaces the payload-hash middleware of every operation:
// signed always hashes the body, unsigned sends UNSIGNED-PAYLOAD.
func payloadSigning(signed bool) func(*middleware.Stack) error {
	return func(stack *middleware.Stack) error {
		if _, ok := stack.Finalize.Get(computePayloadSHA256ID); !ok {
			return nil
		}
		if signed {
			_, err := stack.Finalize.Swap(computePayloadSHA256ID, &v4.ComputePayloadSHA256{})
			return err
		}
		return v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware(stack)
	}
}
