// Package local implements the backend.Backend capability interface over a
// directory on the host filesystem, used by tests and single-host
// deployments. Writes are staged to a temp file and renamed into place;
// keys are validated against path traversal before touching disk.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/utils"
)

// Backend stores one file per object key under root, plus a sidecar
// "<key>.meta" JSON file carrying the caller-supplied metadata map (the
// local filesystem has no native object-metadata store).
type Backend struct {
	root string
	mu   sync.Mutex
}

// New creates (if necessary) root and returns a Backend rooted there.
func New(root string) (*Backend, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create backend directory: %w", err)
	}
	return &Backend{root: root}, nil
}

// keyPath maps a backend key to an on-disk path. Object keys are meant to be
// server-side-opaque strings ("s3ql_data_<objid>", "s3ql_seq_no_<n>", ...),
// but fsck's lost+found repair path and any caller handling an
// adversarially-crafted remote listing can't assume a key is free of ".."
// segments, so the join is validated the same way SecureJoin guards a
// cache-directory path.
func (b *Backend) keyPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "\x00") {
		return "", errors.NewError(errors.ErrCodeInvalidArgument, "empty or invalid backend key")
	}
	path, err := utils.SecureJoin(b.root, key)
	if err != nil {
		return "", errors.NewError(errors.ErrCodeInvalidArgument, "backend key escapes root: "+key)
	}
	return path, nil
}

func (b *Backend) metaPath(key string) (string, error) {
	path, err := b.keyPath(key)
	if err != nil {
		return "", err
	}
	return path + ".meta", nil
}

func (b *Backend) Lookup(_ context.Context, key string) (*backend.ObjectInfo, error) {
	path, err := b.keyPath(key)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, backend.NewNotFoundError("backend.local", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	info := &backend.ObjectInfo{Key: key, Size: st.Size(), LastModified: st.ModTime()}
	info.Metadata, _ = b.readMeta(key)
	return info, nil
}

func (b *Backend) readMeta(key string) (map[string]string, error) {
	metaPath, err := b.metaPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]string
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (b *Backend) Get(_ context.Context, key string) (io.ReadCloser, *backend.ObjectInfo, error) {
	path, err := b.keyPath(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, backend.NewNotFoundError("backend.local", key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	info := &backend.ObjectInfo{Key: key, Size: st.Size(), LastModified: st.ModTime()}
	info.Metadata, _ = b.readMeta(key)
	return f, info, nil
}

// Put writes body to a temp file in the same directory, then renames it
// into place, so the write is atomic from any reader's perspective.
func (b *Backend) Put(_ context.Context, key string, body io.Reader, size int64, metadata map[string]string) error {
	path, err := b.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit object %s: %w", key, err)
	}

	if len(metadata) > 0 {
		metaPath, err := b.metaPath(key)
		if err != nil {
			return err
		}
		data, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		if err := os.WriteFile(metaPath, data, 0600); err != nil {
			return fmt.Errorf("failed to write metadata sidecar for %s: %w", key, err)
		}
	}
	return nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	path, err := b.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	if metaPath, err := b.metaPath(key); err == nil {
		_ = os.Remove(metaPath)
	}
	return nil
}

func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasSuffix(rel, ".meta") {
			return nil
		}
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Backend) Copy(ctx context.Context, src, dst string) error {
	body, info, err := b.Get(ctx, src)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return b.Put(ctx, dst, bytes.NewReader(data), int64(len(data)), info.Metadata)
}

func (b *Backend) Rename(_ context.Context, src, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	srcPath, err := b.keyPath(src)
	if err != nil {
		return err
	}
	dstPath, err := b.keyPath(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0750); err != nil {
		return err
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return fmt.Errorf("failed to rename object %s -> %s: %w", src, dst, err)
	}
	if srcMeta, err := b.metaPath(src); err == nil {
		if dstMeta, err := b.metaPath(dst); err == nil {
			_ = os.Rename(srcMeta, dstMeta)
		}
	}
	return nil
}

func (b *Backend) Close() error { return nil }

var _ backend.Backend = (*Backend)(nil)
