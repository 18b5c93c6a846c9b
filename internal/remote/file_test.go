package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/smithy-go"
)

func TestFileBackendCAS(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := NewFileBackend(dir)
	key := "inventory/alice.json"

	if _, err := f.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := f.Put(ctx, key, []byte("a"), "stale"); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("update of missing file: error = %v, want ErrVersionConflict", err)
	}

	t1, err := f.Put(ctx, key, []byte("a"), "")
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := f.Put(ctx, key, []byte("b"), ""); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("create over existing: error = %v, want ErrVersionConflict", err)
	}

	// Out-of-band edit invalidates the token.
	if err := os.WriteFile(filepath.Join(dir, "inventory", "alice.json"), []byte("edited"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if _, err := f.Put(ctx, key, []byte("b"), t1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale token: error = %v, want ErrVersionConflict", err)
	}

	blob, err := f.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if _, err := f.Put(ctx, key, []byte("b"), blob.Token); err != nil {
		t.Errorf("Put() with fresh token failed: %v", err)
	}
}

func TestFileBackendRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	f := NewFileBackend(filepath.Join(dir, "remote"))
	if _, err := f.Put(context.Background(), "../../outside.json", []byte("x"), ""); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "remote", "outside.json")); err != nil {
		t.Errorf("key escaped the backend directory: %v", err)
	}
}

func TestClassifyS3(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		code string
		want error
	}{
		{"NoSuchKey", ErrNotFound},
		{"PreconditionFailed", ErrVersionConflict},
		{"ConditionalRequestConflict", ErrVersionConflict},
		{"SlowDown", ErrRateLimited},
		{"AccessDenied", ErrAuthFailure},
		{"NoSuchBucket", ErrBadRequest},
	}
	for _, tt := range tests {
		err := classifyS3(ctx, &smithy.GenericAPIError{Code: tt.code, Message: "x"})
		if !errors.Is(err, tt.want) {
			t.Errorf("classifyS3(%s) = %v, want %v", tt.code, err, tt.want)
		}
	}

	if err := classifyS3(ctx, errors.New("dial tcp: connection refused")); !IsOffline(err) {
		t.Errorf("classifyS3(network) = %v, want ErrUnreachable", err)
	}
}
