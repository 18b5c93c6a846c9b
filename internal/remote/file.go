package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend stores documents as files under a directory. The version
// token is the SHA-256 of the content, so any out-of-band edit is detected
// as a conflict. CAS is enforced within one process.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend creates a backend rooted at dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "\x00") {
		return "", fmt.Errorf("%w: invalid key %q", ErrBadRequest, key)
	}
	return filepath.Join(f.dir, filepath.FromSlash(clean)), nil
}

func (f *FileBackend) Get(ctx context.Context, key string) (*Blob, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(p)
}

func (f *FileBackend) read(p string) (*Blob, error) {
	content, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return &Blob{Content: content, Token: contentToken(content)}, nil
}

func (f *FileBackend) Put(ctx context.Context, key string, content []byte, expectedToken string) (string, error) {
	p, err := f.path(key)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, err := f.read(p)
	switch {
	case errors.Is(err, ErrNotFound):
		if expectedToken != "" {
			return "", fmt.Errorf("%w: %s does not exist", ErrVersionConflict, key)
		}
	case err != nil:
		return "", err
	case cur.Token != expectedToken:
		return "", fmt.Errorf("%w: %s changed", ErrVersionConflict, key)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to replace %s: %w", p, err)
	}
	return contentToken(content), nil
}

func contentToken(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
