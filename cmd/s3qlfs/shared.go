package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/s3ql-go/s3ql/internal/config"
	"github.com/s3ql-go/s3ql/pkg/errors"
)

// exitCodeFor maps an engine error to its process exit code.
func exitCodeFor(err error) int {
	se, ok := errors.As(err)
	if !ok {
		return exitGeneric
	}
	switch se.Code {
	case errors.ErrCodeNotClean:
		return exitNotClean
	case errors.ErrCodeAlreadyMounted:
		return exitAlreadyMounted
	case errors.ErrCodeAuth:
		return exitAuth
	case errors.ErrCodeVersionMismatch:
		return exitWrongVersion
	case errors.ErrCodeTransientBackend:
		return exitBackendError
	default:
		return exitGeneric
	}
}

// loadConfig builds a Configuration for url, overlaying any config file at
// <cacheDir>/s3qlfs.yaml and environment variables, then fills the
// backend section in from the URL scheme.
func loadConfig(url, cacheDir string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	cfg.Global.CacheDir = cacheDir
	cfgFile := filepath.Join(cacheDir, "s3qlfs.yaml")
	if _, err := os.Stat(cfgFile); err == nil {
		if err := cfg.LoadFromFile(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := applyURL(cfg, url); err != nil {
		return nil, err
	}
	cfg.Cache.Directory = filepath.Join(cacheDir, "blocks")
	return cfg, nil
}

// applyURL fills cfg.Backend in from a storage URL: local://<dir> or
// s3://<bucket>[/<prefix>]; only these two variants have a driver in this
// build.
func applyURL(cfg *config.Configuration, url string) error {
	switch {
	case strings.HasPrefix(url, "local://"):
		cfg.Backend.Type = "local"
		cfg.Backend.Local.Directory = strings.TrimPrefix(url, "local://")
	case strings.HasPrefix(url, "s3://"):
		cfg.Backend.Type = "s3"
		rest := strings.TrimPrefix(url, "s3://")
		cfg.Backend.S3.Bucket = rest
	default:
		return fmt.Errorf("unsupported storage url %q (expected local:// or s3://)", url)
	}
	return nil
}

func defaultCacheDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".s3ql")
}

// passphraseFromAuthFile reads the passphrase from the credentials file
// $AUTHFILE points at. Returns "" when the variable is
// unset or the file is unreadable; callers treat that as "no passphrase
// given".
func passphraseFromAuthFile() string {
	path := os.Getenv("AUTHFILE")
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
