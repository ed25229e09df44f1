package backend

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/s3ql-go/s3ql/internal/circuit"
	"github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/retry"
)

// fakeBackend fails its first N calls to each operation with a retryable
// error, then succeeds, so tests can observe the resilient wrapper retry.
type fakeBackend struct {
	failFirst int32
	calls     int32
	putBody   []byte
}

func (f *fakeBackend) Lookup(context.Context, string) (*ObjectInfo, error) { return nil, nil }

func (f *fakeBackend) Get(context.Context, string) (io.ReadCloser, *ObjectInfo, error) {
	return nil, nil, nil
}

func (f *fakeBackend) Put(_ context.Context, _ string, body io.Reader, _ int64, _ map[string]string) error {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failFirst {
		return errors.NewError(errors.ErrCodeTransientBackend, "simulated transient failure")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.putBody = data
	return nil
}

func (f *fakeBackend) Delete(context.Context, string) error { return nil }

func (f *fakeBackend) List(context.Context, string) ([]string, error) { return nil, nil }

func (f *fakeBackend) Copy(context.Context, string, string) error { return nil }

func (f *fakeBackend) Rename(context.Context, string, string) error { return nil }

func (f *fakeBackend) Close() error { return nil }

func TestResilientRetriesTransientFailures(t *testing.T) {
	inner := &fakeBackend{failFirst: 2}
	r := NewResilient("test", inner, retry.Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2,
	}, circuit.Config{})

	content := []byte("block plaintext")
	err := r.Put(context.Background(), "s3ql_data_1", bytes.NewReader(content), int64(len(content)), nil)
	if err != nil {
		t.Fatalf("Put() failed after expected retries: %v", err)
	}
	if !bytes.Equal(inner.putBody, content) {
		t.Errorf("putBody = %q, want %q", inner.putBody, content)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3 (2 failures + 1 success)", inner.calls)
	}
}

func TestIsNotFound(t *testing.T) {
	notFound := NewNotFoundError("backend.test", "missing_key")
	if !IsNotFound(notFound) {
		t.Error("IsNotFound(NewNotFoundError(...)) = false, want true")
	}
	other := errors.NewError(errors.ErrCodeTransientBackend, "network blip")
	if IsNotFound(other) {
		t.Error("IsNotFound(transient error) = true, want false")
	}
}
