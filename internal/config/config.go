package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/cloudvol/pkg/errors"
	"github.com/objectfs/cloudvol/pkg/utils"
)

// Platform names a storage provider.
type Platform string

const (
	PlatformS3     Platform = "S3"
	PlatformAzure  Platform = "Azure"
	PlatformMinIO  Platform = "MinIO"
	PlatformMemory Platform = "Memory"
)

// Addressing styles for S3-compatible endpoints.
const (
	AddressingPath    = "path"
	AddressingVirtual = "virtual"
)

// MinPartSize is the smallest multipart part S3 accepts (except the last).
const MinPartSize = 5 << 20

// ParsePlatform matches s case-insensitively against the known platforms.
func ParsePlatform(s string) (Platform, error) {
	for _, p := range []Platform{PlatformS3, PlatformAzure, PlatformMinIO, PlatformMemory} {
		if strings.EqualFold(string(p), strings.TrimSpace(s)) {
			return p, nil
		}
	}
	return "", errors.Newf(errors.ErrCodeUnsupportedPlatform, "unsupported storage platform %q", s).
		WithComponent("config")
}

// Configuration represents the complete connector configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Storage     StorageConfig     `yaml:"storage"`
	S3          S3Config          `yaml:"s3"`
	Azure       AzureConfig       `yaml:"azure"`
	Performance PerformanceConfig `yaml:"performance"`
	Cache       CacheConfig       `yaml:"cache"`
	WriteBuffer WriteBufferConfig `yaml:"write_buffer"`
	Flush       FlushConfig       `yaml:"flush"`
	Network     NetworkConfig     `yaml:"network"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN WARNING ERROR debug info warn warning error"`
	LogFormat   string `yaml:"log_format" validate:"omitempty,oneof=text json"`
	MetricsPort int    `yaml:"metrics_port" validate:"gte=0,lte=65535"`
}

// StorageConfig selects the provider and bucket (container for Azure).
type StorageConfig struct {
	Platform string `yaml:"platform"`
	Bucket   string `yaml:"bucket"`
}

// S3Config holds S3 and MinIO connection settings
type S3Config struct {
	AccessKeyID     string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty"`
	SessionToken    string        `yaml:"session_token,omitempty"`
	Endpoint        string        `yaml:"endpoint,omitempty"`
	Region          string        `yaml:"region" validate:"required"`
	UseTLS          bool          `yaml:"use_tls"`
	AddressingStyle string        `yaml:"addressing_style" validate:"oneof=path virtual"`
	SignedPayloads  bool          `yaml:"signed_payloads"`
	PartChecksums   bool          `yaml:"part_checksums"`
	MaxConnections  int           `yaml:"max_connections" validate:"gte=1"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gt=0"`
}

// AzureConfig holds Azure Blob connection settings
type AzureConfig struct {
	ConnectionString string `yaml:"connection_string,omitempty"`
}

// PerformanceConfig represents performance-related settings
type PerformanceConfig struct {
	MaxConcurrency int `yaml:"max_concurrency" validate:"gte=1,lte=1024"`
}

// CacheConfig bounds the per-file clean range cache
type CacheConfig struct {
	MaxSize string `yaml:"max_size"`
}

// WriteBufferConfig bounds per-file dirty bytes
type WriteBufferConfig struct {
	MaxDirty string `yaml:"max_dirty"`
}

// FlushConfig controls how dirty files are written back
type FlushConfig struct {
	MultipartThreshold string `yaml:"multipart_threshold"`
	PartSize           string `yaml:"part_size"`
	Concurrency        int    `yaml:"concurrency" validate:"gte=1,lte=256"`
	MaxAttempts        int    `yaml:"max_attempts" validate:"gte=1,lte=10"`
}

// NetworkConfig represents network-related settings
type NetworkConfig struct {
	Retry             RetryConfig          `yaml:"retry"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	RequestsPerSecond float64              `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int                  `yaml:"burst" validate:"gte=0"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1,lte=20"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"required_if=Enabled true"`
}

// Sizes are the byte-size settings parsed from their human-readable form.
type Sizes struct {
	CacheMax           int64
	MaxDirty           int64
	MultipartThreshold int64
	PartSize           int64
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			MetricsPort: 0,
		},
		Storage: StorageConfig{
			Platform: string(PlatformS3),
		},
		S3: S3Config{
			Region:          "us-east-2",
			UseTLS:          false,
			AddressingStyle: AddressingVirtual,
			SignedPayloads:  false,
			MaxConnections:  256,
			ConnectTimeout:  30 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Performance: PerformanceConfig{
			MaxConcurrency: 16,
		},
		Cache: CacheConfig{
			MaxSize: "256MiB",
		},
		WriteBuffer: WriteBufferConfig{
			MaxDirty: "512MiB",
		},
		Flush: FlushConfig{
			MultipartThreshold: "64MiB",
			PartSize:           "16MiB",
			Concurrency:        8,
			MaxAttempts:        3,
		},
		Network: NetworkConfig{
			Retry: RetryConfig{
				MaxAttempts: 4,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    2 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "cloudvol",
			},
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins).
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to read config file").
			WithComponent("config").WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to parse config file").
			WithComponent("config").WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv applies environment overrides. The provider variables keep the
// names HDF5 users already export for the AWS and Azure SDKs.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("STORAGE_PLATFORM"); val != "" {
		c.Storage.Platform = val
	}
	if val := os.Getenv("BUCKET_NAME"); val != "" {
		c.Storage.Bucket = val
	}

	// S3 / MinIO
	if val := os.Getenv("AWS_ACCESS_KEY_ID"); val != "" {
		c.S3.AccessKeyID = val
	}
	if val := os.Getenv("AWS_SECRET_ACCESS_KEY"); val != "" {
		c.S3.SecretAccessKey = val
	}
	if val := os.Getenv("AWS_SESSION_TOKEN"); val != "" {
		c.S3.SessionToken = val
	}
	if val := os.Getenv("AWS_ENDPOINT_URL_S3"); val != "" {
		c.S3.Endpoint = val
	}
	if val := os.Getenv("AWS_REGION"); val != "" {
		c.S3.Region = val
	}
	if err := envBool("AWS_USE_TLS", &c.S3.UseTLS); err != nil {
		return err
	}
	if val := os.Getenv("AWS_S3_ADDRESSING_STYLE"); val != "" {
		c.S3.AddressingStyle = strings.ToLower(val)
	} else if strings.EqualFold(os.Getenv("AWS_USE_PATH_STYLE"), "true") {
		c.S3.AddressingStyle = AddressingPath
	}
	if err := envBool("AWS_SIGNED_PAYLOADS", &c.S3.SignedPayloads); err != nil {
		return err
	}

	// Azure
	if val := os.Getenv("AZURE_STORAGE_CONNECTION_STRING"); val != "" {
		c.Azure.ConnectionString = val
	}

	// Ambient settings
	if val := os.Getenv("CLOUDVOL_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("CLOUDVOL_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if err := envInt("CLOUDVOL_METRICS_PORT", &c.Global.MetricsPort); err != nil {
		return err
	}
	if val := os.Getenv("CLOUDVOL_CACHE_SIZE"); val != "" {
		c.Cache.MaxSize = val
	}
	if val := os.Getenv("CLOUDVOL_MAX_DIRTY"); val != "" {
		c.WriteBuffer.MaxDirty = val
	}
	if val := os.Getenv("CLOUDVOL_MULTIPART_THRESHOLD"); val != "" {
		c.Flush.MultipartThreshold = val
	}
	if val := os.Getenv("CLOUDVOL_PART_SIZE"); val != "" {
		c.Flush.PartSize = val
	}
	if err := envInt("CLOUDVOL_MAX_CONCURRENCY", &c.Performance.MaxConcurrency); err != nil {
		return err
	}

	return nil
}

func envBool(name string, dst *bool) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid boolean").
			WithComponent("config").WithDetail("env", name)
	}
	*dst = b
	return nil
}

func envInt(name string, dst *int) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid integer").
			WithComponent("config").WithDetail("env", name)
	}
	*dst = n
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Platform returns the parsed storage platform.
func (c *Configuration) Platform() (Platform, error) {
	return ParsePlatform(c.Storage.Platform)
}

// PathStyle reports whether S3 requests address the bucket in the path.
func (c *Configuration) PathStyle() bool {
	return c.S3.AddressingStyle == AddressingPath
}

// Sizes parses the byte-size settings.
func (c *Configuration) Sizes() (Sizes, error) {
	var s Sizes
	fields := []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"cache.max_size", c.Cache.MaxSize, &s.CacheMax},
		{"write_buffer.max_dirty", c.WriteBuffer.MaxDirty, &s.MaxDirty},
		{"flush.multipart_threshold", c.Flush.MultipartThreshold, &s.MultipartThreshold},
		{"flush.part_size", c.Flush.PartSize, &s.PartSize},
	}
	for _, f := range fields {
		n, err := utils.ParseBytes(f.raw)
		if err != nil {
			return Sizes{}, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid byte size").
				WithComponent("config").WithDetail("field", f.name)
		}
		*f.dst = n
	}
	return s, nil
}
