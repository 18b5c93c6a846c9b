package remote

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend is an in-process Backend. Tokens are "v1", "v2", ... in
// write order. Useful for tests and dry runs.
type MemoryBackend struct {
	mu      sync.Mutex
	blobs   map[string]Blob
	seq     int
	gets    int
	puts    int
	failing []error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string]Blob)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(ctx context.Context, key string) (*Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	content := make([]byte, len(b.Content))
	copy(content, b.Content)
	return &Blob{Content: content, Token: b.Token}, nil
}

func (m *MemoryBackend) Put(ctx context.Context, key string, content []byte, expectedToken string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if err := m.popFailure(); err != nil {
		return "", err
	}
	cur, exists := m.blobs[key]
	switch {
	case expectedToken == "" && exists:
		return "", fmt.Errorf("%w: %s already exists", ErrVersionConflict, key)
	case expectedToken != "" && !exists:
		return "", fmt.Errorf("%w: %s does not exist", ErrVersionConflict, key)
	case exists && cur.Token != expectedToken:
		return "", fmt.Errorf("%w: %s is at %s, not %s", ErrVersionConflict, key, cur.Token, expectedToken)
	}
	return m.store(key, content), nil
}

// Set replaces the content at key unconditionally, as another device would,
// and returns the new token.
func (m *MemoryBackend) Set(key string, content []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store(key, content)
}

// Content returns the raw content at key.
func (m *MemoryBackend) Content(key string) ([]byte, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	return b.Content, b.Token, ok
}

// FailNext makes the next calls fail with errs, in order.
func (m *MemoryBackend) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = append(m.failing, errs...)
}

// Calls returns the number of Get and Put calls made so far.
func (m *MemoryBackend) Calls() (gets, puts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets, m.puts
}

func (m *MemoryBackend) store(key string, content []byte) string {
	m.seq++
	c := make([]byte, len(content))
	copy(c, content)
	token := fmt.Sprintf("v%d", m.seq)
	m.blobs[key] = Blob{Content: c, Token: token}
	return token
}

func (m *MemoryBackend) popFailure() error {
	if len(m.failing) == 0 {
		return nil
	}
	err := m.failing[0]
	m.failing = m.failing[1:]
	return err
}
