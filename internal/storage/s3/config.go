package s3

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config represents S3 backend configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	// UsePathStyle addresses the bucket in the URL path instead of the host.
	UsePathStyle bool `yaml:"use_path_style"`
	UseTLS       bool `yaml:"use_tls"`

	// SignedPayloads hashes every request body into the signature. When
	// false requests carry UNSIGNED-PAYLOAD.
	SignedPayloads bool `yaml:"signed_payloads"`

	// PartChecksums sends a CRC32C checksum with every uploaded part.
	PartChecksums bool `yaml:"part_checksums"`

	// Performance settings
	MaxConnections int           `yaml:"max_connections"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// NewDefaultConfig returns plain-HTTP virtual-hosted addressing with
// unsigned payloads in us-east-2.
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-2",
		MaxConnections: 256,
		ConnectTimeout: 30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := NewDefaultConfig()
	if c.Region == "" {
		c.Region = d.Region
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
}

// BaseEndpoint returns the endpoint URL requests are sent to, or "" to let
// the SDK resolve the AWS endpoint. A bare host gets its scheme from
// UseTLS; an explicit scheme must agree with it. Without TLS and without a
// custom endpoint the regional AWS endpoint is used over plain HTTP.
func (c *Config) BaseEndpoint() (string, error) {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}

	if c.Endpoint == "" {
		if c.UseTLS {
			return "", nil
		}
		return fmt.Sprintf("http://s3.%s.amazonaws.com", c.Region), nil
	}

	if !strings.Contains(c.Endpoint, "://") {
		return scheme + "://" + strings.TrimSuffix(c.Endpoint, "/"), nil
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("malformed endpoint %q", c.Endpoint)
	}
	if u.Scheme != scheme {
		return "", fmt.Errorf("endpoint scheme %q does not match use_tls=%t", u.Scheme, c.UseTLS)
	}
	return strings.TrimSuffix(c.Endpoint, "/"), nil
}
