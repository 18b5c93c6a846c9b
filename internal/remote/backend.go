package remote

import (
	"context"
	"strings"
)

// Blob is raw remote content and the version token it was read at.
type Blob struct {
	Content []byte
	Token   string
}

// Backend is a versioned object store with compare-and-swap writes.
//
// Implementations classify failures with the sentinel errors in this
// package so the client can decide what to retry.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Get returns the blob at key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Blob, error)

	// Put writes content at key if the current token equals expectedToken
	// and returns the new token. An empty expectedToken means the key must
	// not exist yet. A stale token yields ErrVersionConflict.
	Put(ctx context.Context, key string, content []byte, expectedToken string) (string, error)
}

// KeyFor expands the "{identity}" placeholder in a path template.
func KeyFor(template, identity string) string {
	if template == "" {
		template = "inventory/{identity}.json"
	}
	return strings.ReplaceAll(template, "{identity}", identity)
}
