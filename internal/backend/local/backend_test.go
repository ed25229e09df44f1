package local

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/s3ql-go/s3ql/internal/backend"
)

func TestPutGetRoundTrip(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx := context.Background()

	content := []byte("hello s3ql")
	if err := b.Put(ctx, "s3ql_data_1", bytes.NewReader(content), int64(len(content)), map[string]string{"algo": "lzma"}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	body, info, err := b.Get(ctx, "s3ql_data_1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	defer func() { _ = body.Close() }()

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content = %q, want %q", got, content)
	}
	if info.Metadata["algo"] != "lzma" {
		t.Errorf("metadata[algo] = %q, want lzma", info.Metadata["algo"])
	}
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	_, err = b.Lookup(context.Background(), "s3ql_data_999")
	if err == nil {
		t.Fatal("expected error for missing key")
	}
	if !backend.IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := b.Delete(context.Background(), "s3ql_data_42"); err != nil {
		t.Errorf("Delete() of missing key failed: %v", err)
	}
}

func TestListPrefix(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"s3ql_data_1", "s3ql_data_2", "s3ql_seq_no_0"} {
		if err := b.Put(ctx, key, bytes.NewReader([]byte("x")), 1, nil); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}

	keys, err := b.List(ctx, "s3ql_data_")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("List(s3ql_data_) = %v, want 2 entries", keys)
	}
}

func TestRename(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx := context.Background()
	if err := b.Put(ctx, "old_key", bytes.NewReader([]byte("data")), 4, nil); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := b.Rename(ctx, "old_key", "new_key"); err != nil {
		t.Fatalf("Rename() failed: %v", err)
	}
	if _, err := b.Lookup(ctx, "old_key"); err == nil {
		t.Error("old_key still present after rename")
	}
	if _, err := b.Lookup(ctx, "new_key"); err != nil {
		t.Errorf("new_key missing after rename: %v", err)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := b.Put(context.Background(), "../escape", bytes.NewReader([]byte("x")), 1, nil); err == nil {
		t.Error("expected path-traversal key to be rejected")
	}
}
