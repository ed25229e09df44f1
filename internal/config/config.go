// Package config loads and validates the tunables the engine needs at mount
// time: block size, cache caps, codec choice, uploader cadence,
// backend selection. Immutable-after-mkfs filesystem parameters live in
// the metadata database itself, not here; this package only covers the
// per-mount knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/s3ql-go/s3ql/pkg/utils"
)

// Configuration is the complete per-mount configuration tree.
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Backend     BackendConfig     `yaml:"backend"`
	Cache       CacheConfig       `yaml:"cache"`
	Codec       CodecConfig       `yaml:"codec"`
	Uploader    UploaderConfig    `yaml:"uploader"`
	Network     NetworkConfig     `yaml:"network"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig represents global mount-time settings.
type GlobalConfig struct {
	LogLevel         string `yaml:"log_level"`
	LogFile          string `yaml:"log_file"`
	MetricsPort      int    `yaml:"metrics_port"`
	CacheDir         string `yaml:"cache_dir"` // default ~/.s3ql
	AuthFile         string `yaml:"authfile"`  // $AUTHFILE
	UploadThreads    int    `yaml:"upload_threads"`
	Compression      string `yaml:"compression_algorithm"`
	CompressionLevel int    `yaml:"compression_level"`
}

// BackendConfig selects and configures a backend variant. Only "local" and
// "s3" are implemented; the others named here have no driver in this build.
type BackendConfig struct {
	Type           string            `yaml:"type"` // local|s3|swift|gs|b2|rackspace|sftp
	URL            string            `yaml:"url"`
	SSLVerify      bool              `yaml:"ssl_verify"`
	BackendOptions map[string]string `yaml:"backend_options"`
	S3             S3Config          `yaml:"s3"`
	Local          LocalConfig       `yaml:"local"`
}

// S3Config configures the S3-compatible backend variant.
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	SessionToken    string        `yaml:"session_token"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	MaxRetries      int           `yaml:"max_retries"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	PoolSize        int           `yaml:"pool_size"`
}

// LocalConfig configures the local-directory backend variant.
type LocalConfig struct {
	Directory string `yaml:"directory"`
}

// CacheConfig is the block cache's size policy.
type CacheConfig struct {
	MaxEntries      int           `yaml:"max_cache_entries"`
	MaxSize         int64         `yaml:"max_cache_size"`
	Directory       string        `yaml:"directory"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

// CodecConfig selects the object codec's write-time algorithm.
type CodecConfig struct {
	CompressionAlgorithm string `yaml:"compression_algorithm"` // none|zlib|bzip2|lzma
	CompressionLevel     int    `yaml:"compression_level"`
}

// UploaderConfig is the metadata uploader's cadence.
type UploaderConfig struct {
	MetadataUploadInterval time.Duration `yaml:"metadata_upload_interval"` // default 24h
	BackupCopies           int           `yaml:"backup_copies"`            // default 10, bak0..bak9
}

// NetworkConfig covers backend retry/circuit-breaker tuning.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// NewDefault returns a configuration with every tunable at its default.
func NewDefault() *Configuration {
	home, _ := os.UserHomeDir()
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:         "INFO",
			MetricsPort:      8080,
			CacheDir:         filepath.Join(home, ".s3ql"),
			AuthFile:         os.Getenv("AUTHFILE"),
			UploadThreads:    4,
			Compression:      "lzma",
			CompressionLevel: 6,
		},
		Backend: BackendConfig{
			Type:      "local",
			SSLVerify: true,
			S3: S3Config{
				ForcePathStyle: false,
				MaxRetries:     5,
				ConnectTimeout: 10 * time.Second,
				RequestTimeout: 30 * time.Second,
				PoolSize:       8,
			},
		},
		Cache: CacheConfig{
			MaxEntries:      10000,
			MaxSize:         2 * 1024 * 1024 * 1024, // 2GiB
			DownloadTimeout: 60 * time.Second,
		},
		Codec: CodecConfig{
			CompressionAlgorithm: "lzma",
			CompressionLevel:     6,
		},
		Uploader: UploaderConfig{
			MetadataUploadInterval: 24 * time.Hour,
			BackupCopies:           10,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    30 * time.Second,
				Write:   300 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, overlaying NewDefault.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays S3QL_-prefixed environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("S3QL_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("S3QL_CACHE_DIR"); val != "" {
		c.Global.CacheDir = val
	}
	if val := os.Getenv("AUTHFILE"); val != "" {
		c.Global.AuthFile = val
	}
	if val := os.Getenv("S3QL_UPLOAD_THREADS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Global.UploadThreads = n
		}
	}
	if val := os.Getenv("S3QL_MAX_CACHE_SIZE"); val != "" {
		// Accepts either a plain byte count or a human-readable size like
		// "2G" (utils.ParseBytes), so an operator can write
		// S3QL_MAX_CACHE_SIZE=2G instead of computing the byte count.
		if n, err := utils.ParseBytes(val); err == nil {
			c.Cache.MaxSize = n
		}
	}
	if val := os.Getenv("S3QL_COMPRESSION_ALGORITHM"); val != "" {
		c.Codec.CompressionAlgorithm = val
	}
	if val := os.Getenv("S3QL_SSL_VERIFY"); val != "" {
		c.Backend.SSLVerify = strings.ToLower(val) == "true"
	}
	return nil
}

// SaveToFile persists the configuration as YAML.
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

// Validate checks the configuration for internal consistency
// (max_cache_size < data_block_size is invalid-argument) and general
// sanity.
func (c *Configuration) Validate(dataBlockSize int64) error {
	if c.Global.UploadThreads <= 0 {
		return fmt.Errorf("upload_threads must be greater than 0")
	}
	if c.Cache.MaxSize < dataBlockSize {
		return fmt.Errorf("invalid-argument: max_cache_size (%d) must be >= data_block_size (%d)", c.Cache.MaxSize, dataBlockSize)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("max_cache_entries must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	ok := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)", c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch c.Backend.Type {
	case "local", "s3":
	case "swift", "gs", "b2", "rackspace", "sftp":
		return fmt.Errorf("unsupported: backend type %q has no driver in this build", c.Backend.Type)
	default:
		return fmt.Errorf("invalid-argument: unknown backend type %q", c.Backend.Type)
	}

	switch c.Codec.CompressionAlgorithm {
	case "none", "zlib", "lzma":
	case "bzip2":
		return fmt.Errorf("invalid-argument: bzip2 is read-only in this build, not selectable as compression_algorithm")
	default:
		return fmt.Errorf("invalid-argument: unknown compression_algorithm %q", c.Codec.CompressionAlgorithm)
	}

	return nil
}
