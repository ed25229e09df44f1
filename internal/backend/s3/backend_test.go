package s3

import (
	"errors"
	"net/http"
	"testing"

	smithyhttp "github.com/aws/smithy-go/transport/http"

	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

func TestTranslateErrorMapsStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode s3qlerrors.ErrorCode
	}{
		{"forbidden maps to auth", http.StatusForbidden, s3qlerrors.ErrCodeAuth},
		{"unauthorized maps to auth", http.StatusUnauthorized, s3qlerrors.ErrCodeAuth},
		{"internal error maps to transient", http.StatusInternalServerError, s3qlerrors.ErrCodeTransientBackend},
		{"throttled maps to transient", http.StatusTooManyRequests, s3qlerrors.ErrCodeTransientBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			respErr := &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{Response: &http.Response{StatusCode: tt.status}},
				Err:      errors.New("boom"),
			}
			got := translateError("PutObject", "s3ql_data_1", respErr)
			se, ok := s3qlerrors.As(got)
			if !ok {
				t.Fatalf("translateError did not return *S3QLError: %v", got)
			}
			if se.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", se.Code, tt.wantCode)
			}
		})
	}
}

func TestTranslateErrorPassesThroughUnknown(t *testing.T) {
	got := translateError("PutObject", "key", errors.New("local disk full"))
	if _, ok := s3qlerrors.As(got); ok {
		t.Errorf("expected plain wrapped error for unrecognized failure, got S3QLError: %v", got)
	}
}

func TestIsNotFoundOnResponseError(t *testing.T) {
	respErr := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusNotFound}},
		Err:      errors.New("not found"),
	}
	if !isNotFound(respErr) {
		t.Error("isNotFound(404 response error) = false, want true")
	}
}
