package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefault(t *testing.T) {
	t.Parallel()

	c := NewDefault()

	if c.Backend.Type != "local" {
		t.Errorf("default backend type = %q, want local", c.Backend.Type)
	}
	if c.Cache.MaxEntries <= 0 {
		t.Errorf("default MaxEntries = %d, want > 0", c.Cache.MaxEntries)
	}
	if c.Uploader.MetadataUploadInterval <= 0 {
		t.Errorf("default MetadataUploadInterval = %v, want > 0", c.Uploader.MetadataUploadInterval)
	}
	if c.Uploader.BackupCopies != 10 {
		t.Errorf("default BackupCopies = %d, want 10", c.Uploader.BackupCopies)
	}
	if err := c.Validate(10 * 1024 * 1024); err != nil {
		t.Errorf("default configuration should validate: %v", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	c := NewDefault()
	c.Backend.Type = "s3"
	c.Backend.S3.Bucket = "my-bucket"
	c.Cache.MaxSize = 4 * 1024 * 1024 * 1024

	if err := c.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded := &Configuration{}
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if loaded.Backend.Type != "s3" {
		t.Errorf("loaded Backend.Type = %q, want s3", loaded.Backend.Type)
	}
	if loaded.Backend.S3.Bucket != "my-bucket" {
		t.Errorf("loaded S3.Bucket = %q, want my-bucket", loaded.Backend.S3.Bucket)
	}
	if loaded.Cache.MaxSize != 4*1024*1024*1024 {
		t.Errorf("loaded Cache.MaxSize = %d, want %d", loaded.Cache.MaxSize, 4*1024*1024*1024)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	t.Parallel()

	c := &Configuration{}
	if err := c.LoadFromFile("/nonexistent/path/config.yaml"); err == nil {
		t.Error("LoadFromFile() on missing file should error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("S3QL_LOG_LEVEL", "DEBUG")
	t.Setenv("S3QL_CACHE_DIR", "/tmp/cachedir")
	t.Setenv("AUTHFILE", "/tmp/authfile")
	t.Setenv("S3QL_UPLOAD_THREADS", "16")
	t.Setenv("S3QL_MAX_CACHE_SIZE", "123456789")
	t.Setenv("S3QL_COMPRESSION_ALGORITHM", "zlib")
	t.Setenv("S3QL_SSL_VERIFY", "false")

	c := NewDefault()
	if err := c.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if c.Global.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q, want DEBUG", c.Global.LogLevel)
	}
	if c.Global.CacheDir != "/tmp/cachedir" {
		t.Errorf("CacheDir = %q, want /tmp/cachedir", c.Global.CacheDir)
	}
	if c.Global.AuthFile != "/tmp/authfile" {
		t.Errorf("AuthFile = %q, want /tmp/authfile", c.Global.AuthFile)
	}
	if c.Global.UploadThreads != 16 {
		t.Errorf("UploadThreads = %d, want 16", c.Global.UploadThreads)
	}
	if c.Cache.MaxSize != 123456789 {
		t.Errorf("MaxSize = %d, want 123456789", c.Cache.MaxSize)
	}
	if c.Codec.CompressionAlgorithm != "zlib" {
		t.Errorf("CompressionAlgorithm = %q, want zlib", c.Codec.CompressionAlgorithm)
	}
	if c.Backend.SSLVerify {
		t.Error("SSLVerify should be false")
	}
}

func TestLoadFromEnvLeavesDefaultsWhenUnset(t *testing.T) {
	os.Unsetenv("S3QL_LOG_LEVEL")
	os.Unsetenv("AUTHFILE")

	c := NewDefault()
	want := c.Global.LogLevel
	if err := c.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if c.Global.LogLevel != want {
		t.Errorf("LogLevel changed to %q despite unset env var", c.Global.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	const bs = int64(10 * 1024 * 1024)

	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr string
	}{
		{
			name:   "valid default",
			mutate: func(c *Configuration) {},
		},
		{
			name: "zero upload threads",
			mutate: func(c *Configuration) {
				c.Global.UploadThreads = 0
			},
			wantErr: "upload_threads",
		},
		{
			name: "cache smaller than block size is invalid-argument",
			mutate: func(c *Configuration) {
				c.Cache.MaxSize = bs - 1
			},
			wantErr: "invalid-argument",
		},
		{
			name: "zero max entries",
			mutate: func(c *Configuration) {
				c.Cache.MaxEntries = 0
			},
			wantErr: "max_cache_entries",
		},
		{
			name: "unknown log level",
			mutate: func(c *Configuration) {
				c.Global.LogLevel = "TRACE"
			},
			wantErr: "log_level",
		},
		{
			name: "unsupported backend has no driver",
			mutate: func(c *Configuration) {
				c.Backend.Type = "swift"
			},
			wantErr: "unsupported",
		},
		{
			name: "unknown backend type",
			mutate: func(c *Configuration) {
				c.Backend.Type = "nonsense"
			},
			wantErr: "invalid-argument",
		},
		{
			name: "bzip2 is read-only, not a write-time choice",
			mutate: func(c *Configuration) {
				c.Codec.CompressionAlgorithm = "bzip2"
			},
			wantErr: "invalid-argument",
		},
		{
			name: "unknown compression algorithm",
			mutate: func(c *Configuration) {
				c.Codec.CompressionAlgorithm = "brotli"
			},
			wantErr: "invalid-argument",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewDefault()
			tt.mutate(c)
			err := c.Validate(bs)

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want containing %q", tt.wantErr)
			}
		})
	}
}
