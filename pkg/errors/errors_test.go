package errors

import (
	"strings"
	"syscall"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidArgument, "bad offset")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidArgument {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidArgument)
		}
		if err.Message != "bad offset" {
			t.Errorf("Message = %q, want %q", err.Message, "bad offset")
		}
		if err.Category != CategoryArgument {
			t.Errorf("Category = %v, want %v", err.Category, CategoryArgument)
		}
		if err.Details == nil {
			t.Error("Details map is nil")
		}
		if err.Context == nil {
			t.Error("Context map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("only transient-backend is retryable by default", func(t *testing.T) {
		if !NewError(ErrCodeTransientBackend, "retry me").Retryable {
			t.Error("TransientBackend should be retryable by default")
		}
		for _, code := range []ErrorCode{
			ErrCodeAuth, ErrCodeCorruption, ErrCodeAlreadyMounted, ErrCodeNotClean,
			ErrCodeOutOfSpace, ErrCodeInvalidArgument, ErrCodeUnsupported,
			ErrCodeShuttingDown, ErrCodeChecksumMismatch, ErrCodeVersionMismatch,
		} {
			if NewError(code, "x").Retryable {
				t.Errorf("%v should not be retryable by default", code)
			}
		}
	})
}

func TestErrno(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code  ErrorCode
		errno syscall.Errno
	}{
		{ErrCodeOutOfSpace, syscall.ENOSPC},
		{ErrCodeInvalidArgument, syscall.EINVAL},
		{ErrCodeUnsupported, syscall.ENOTSUP},
		{ErrCodeAuth, syscall.EACCES},
		{ErrCodeShuttingDown, syscall.EBUSY},
		{ErrCodeCorruption, syscall.EIO},
		{ErrCodeChecksumMismatch, syscall.EIO},
		{ErrCodeTransientBackend, syscall.EAGAIN},
	}
	for _, c := range cases {
		if got := Errno(c.code); got != c.errno {
			t.Errorf("Errno(%v) = %v, want %v", c.code, got, c.errno)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeCorruption, "hash collision detected").
		WithComponent("block").
		WithOperation("store").
		WithDetail("hash", "abc123")

	msg := err.Error()
	if !strings.Contains(msg, "block") || !strings.Contains(msg, "store") {
		t.Errorf("Error() = %q, want component/operation included", msg)
	}

	str := err.String()
	if !strings.Contains(str, "CORRUPTION") {
		t.Errorf("String() = %q, want code included", str)
	}
}

func TestWithCause(t *testing.T) {
	t.Parallel()

	cause := NewError(ErrCodeTransientBackend, "connection reset")
	wrapped := NewError(ErrCodeCorruption, "download failed").WithCause(cause)

	if wrapped.Unwrap() != cause {
		t.Error("Unwrap() did not return the wrapped cause")
	}
}

func TestIs(t *testing.T) {
	t.Parallel()

	a := NewError(ErrCodeCorruption, "one")
	b := NewError(ErrCodeCorruption, "two")
	c := NewError(ErrCodeAuth, "three")

	if !a.Is(b) {
		t.Error("errors with the same code should match Is()")
	}
	if a.Is(c) {
		t.Error("errors with different codes should not match Is()")
	}
}

func TestAs(t *testing.T) {
	t.Parallel()

	var err error = NewError(ErrCodeAuth, "bad passphrase")
	se, ok := As(err)
	if !ok {
		t.Fatal("As() failed to extract *S3QLError")
	}
	if se.Code != ErrCodeAuth {
		t.Errorf("Code = %v, want %v", se.Code, ErrCodeAuth)
	}
}
