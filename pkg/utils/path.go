// Package utils holds small standalone helpers shared across the codebase:
// path-traversal guards for backend keys and cache paths, and the
// structured-logging stack (logging.go, log_rotation.go,
// structured_logger.go).
package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePath checks that path is safe to use under the local cache
// directory or a local-backend root: no ".." traversal segments, and no
// absolute path unless allowAbsolute is set. internal/backend/local derives
// its on-disk paths from remote object keys it doesn't fully control (a
// corrupted listing or a crafted lost+found move could carry one), so this
// is the first line of defense before SecureJoin actually builds the path.
//
// Example usage:
//
//	if err := ValidatePath(key, false); err != nil {
//		return fmt.Errorf("invalid backend key: %w", err)
//	}
func ValidatePath(path string, allowAbsolute bool) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	// Clean the path to resolve any . or .. elements
	cleanPath := filepath.Clean(path)

	// Check for directory traversal attempts
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}

	// Check if path is absolute when not allowed
	if !allowAbsolute && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("absolute paths not allowed: %s", path)
	}

	return nil
}

// ValidatePathWithinBase checks that path, once resolved, stays inside base.
// Used when a configured cache or backend directory is combined with a
// caller-supplied subpath (e.g. a filesystem's per-URL cache subdirectory,
// internal/engine.fsUUID) and the result must not climb out of the
// configured root.
//
// Example usage:
//
//	if err := ValidatePathWithinBase(cfg.Cache.Directory, subdir); err != nil {
//		return fmt.Errorf("cache path outside allowed directory: %w", err)
//	}
func ValidatePathWithinBase(base, path string) error {
	if base == "" {
		return fmt.Errorf("base path cannot be empty")
	}
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	// Clean both paths
	cleanBase := filepath.Clean(base)
	cleanPath := filepath.Clean(path)

	// If path is absolute, it must be within base
	if filepath.IsAbs(cleanPath) {
		if !strings.HasPrefix(cleanPath, cleanBase+string(filepath.Separator)) &&
			cleanPath != cleanBase {
			return fmt.Errorf("path %s is outside base directory %s", path, base)
		}
		return nil
	}

	// For relative paths, join and validate
	fullPath := filepath.Join(cleanBase, cleanPath)

	// Verify the joined path is still within base
	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return fmt.Errorf("path %s escapes base directory %s", path, base)
	}

	return nil
}

// SecureJoin joins elements onto base the way filepath.Join does, but
// rejects the result if it would resolve outside base. This is what
// internal/backend/local.keyPath uses to turn a (possibly untrusted) object
// key into an on-disk path without trusting the key to be traversal-free.
//
// Example usage:
//
//	path, err := SecureJoin(root, key)
//	if err != nil {
//		return "", fmt.Errorf("backend key escapes root: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)

	// Join all elements
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	// Validate the result is within base
	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}
