// Package backend defines the capability interface every object-store
// transport implements: lookup/get/put/delete/list/copy/rename/close
// against printable string keys. Concrete variants live in backend/s3 and
// backend/local; both are driven through the same retry+circuit-breaker
// wrapper so every transport gets the same resilience behavior for free.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/s3ql-go/s3ql/internal/circuit"
	"github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/retry"
)

// ObjectInfo is the small key→value metadata mapping attached to a stored
// object, plus its size. Where the transport supports server-side object
// metadata it is stored there; otherwise the codec carries every
// integrity-critical field inline in the object body, so ObjectInfo is
// always advisory.
type ObjectInfo struct {
	Key          string
	Size         int64
	Metadata     map[string]string
	LastModified time.Time
}

// Backend is the capability interface the core engine uses for every
// object-store operation against a flat, printable key namespace.
type Backend interface {
	// Lookup returns object metadata, or an ErrCodeInvalidArgument-tagged
	// error (via IsNotFound) when the key does not exist.
	Lookup(ctx context.Context, key string) (*ObjectInfo, error)
	// Get streams an object's body. Callers must Close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	// Put stores size bytes read from body under key with metadata.
	Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key with the given prefix. Not read-after-write
	// consistent on every transport; callers must never rely on List
	// for correctness, only for fsck/enumeration.
	List(ctx context.Context, prefix string) ([]string, error)
	// Copy duplicates src to dst server-side where the transport supports
	// it, else falls back to a Get+Put round trip.
	Copy(ctx context.Context, src, dst string) error
	// Rename moves src to dst. Implemented as Copy+Delete where the
	// transport has no native move.
	Rename(ctx context.Context, src, dst string) error
	// Close releases transport resources (connection pools, file handles).
	Close() error
}

// IsNotFound reports whether err represents a missing key.
func IsNotFound(err error) bool {
	se, ok := errors.As(err)
	return ok && se.Code == errors.ErrCodeInvalidArgument && se.Details["not_found"] == true
}

// NewNotFoundError builds the standard missing-key error a Backend variant
// returns from Lookup/Get.
func NewNotFoundError(component, key string) error {
	return errors.NewError(errors.ErrCodeInvalidArgument, "object not found: "+key).
		WithComponent(component).
		WithDetail("not_found", true).
		WithDetail("key", key)
}

// Resilient wraps a Backend with retry-with-backoff and a circuit breaker,
// so every transport-level failure gets uniform treatment: transient
// errors are retried with exponential backoff, repeated failure opens the
// breaker.
type Resilient struct {
	inner   Backend
	retryer *retry.Retryer
	breaker *circuit.CircuitBreaker
}

// NewResilient wraps inner with the given retry and circuit-breaker config.
func NewResilient(name string, inner Backend, retryConfig retry.Config, breakerConfig circuit.Config) *Resilient {
	return &Resilient{
		inner:   inner,
		retryer: retry.New(retryConfig),
		breaker: circuit.NewCircuitBreaker(name, breakerConfig),
	}
}

func (r *Resilient) call(ctx context.Context, fn func(context.Context) error) error {
	return r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return r.retryer.DoWithContext(ctx, fn)
	})
}

func (r *Resilient) Lookup(ctx context.Context, key string) (*ObjectInfo, error) {
	var info *ObjectInfo
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		info, err = r.inner.Lookup(ctx, key)
		return err
	})
	return info, err
}

func (r *Resilient) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	var body io.ReadCloser
	var info *ObjectInfo
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		body, info, err = r.inner.Get(ctx, key)
		return err
	})
	return body, info, err
}

// Put retries transparently when body implements io.Seeker (true of every
// caller in this codebase: internal/block and internal/uploader always pass
// a *bytes.Reader), rewinding to the start before each attempt. A
// non-seekable body is sent once with no retry.
func (r *Resilient) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) error {
	seeker, seekable := body.(io.Seeker)
	return r.call(ctx, func(ctx context.Context) error {
		if seekable {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		return r.inner.Put(ctx, key, body, size, metadata)
	})
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	return r.call(ctx, func(ctx context.Context) error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *Resilient) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		keys, err = r.inner.List(ctx, prefix)
		return err
	})
	return keys, err
}

func (r *Resilient) Copy(ctx context.Context, src, dst string) error {
	return r.call(ctx, func(ctx context.Context) error {
		return r.inner.Copy(ctx, src, dst)
	})
}

func (r *Resilient) Rename(ctx context.Context, src, dst string) error {
	return r.call(ctx, func(ctx context.Context) error {
		return r.inner.Rename(ctx, src, dst)
	})
}

func (r *Resilient) Close() error { return r.inner.Close() }
