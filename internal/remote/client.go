// Package remote reads and writes per-identity inventory documents in a
// versioned blob store.
//
// The Client is the only component that performs remote I/O. It layers
// canonical encoding, no-op write detection, rate-limit backoff and the
// malformed-content repair pass on top of a Backend.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds client configuration.
type Config struct {
	Retry RetryConfig

	// Logger for client operations. If nil, a default logger is used.
	Logger *log.Logger

	// Metrics is optional.
	Metrics *Metrics
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() Config {
	return Config{
		Retry:  DefaultRetryConfig(),
		Logger: log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// Fetched is a successfully read remote document.
type Fetched struct {
	Document Document
	Token    string

	// Repaired is set when the content only parsed after the repair pass.
	Repaired bool
}

type cached struct {
	content []byte
	token   string
}

// Client reads and conditionally writes documents through a Backend.
type Client struct {
	backend Backend
	retry   *retryer
	logger  *log.Logger
	metrics *Metrics

	mu    sync.Mutex
	cache map[string]cached
}

// New creates a client for backend.
func New(backend Backend, config Config) *Client {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	c := &Client{
		backend: backend,
		retry:   newRetryer(config.Retry),
		logger:  config.Logger,
		metrics: config.Metrics,
		cache:   make(map[string]cached),
	}
	c.retry.onRetry = func(attempt int, wait time.Duration, err error) {
		c.metrics.retried(backend.Name())
		c.logger.Printf("Rate limited (attempt %d), retrying in %s", attempt, wait)
	}
	return c
}

// Backend returns the underlying backend.
func (c *Client) Backend() Backend {
	return c.backend
}

// Fetch reads the document at key. It returns nil without error when the
// resource does not exist yet.
func (c *Client) Fetch(ctx context.Context, key string) (*Fetched, error) {
	var blob *Blob
	err := c.retry.do(ctx, func() error {
		start := time.Now()
		var err error
		blob, err = c.backend.Get(ctx, key)
		c.metrics.observe(c.backend.Name(), "get", start, err)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		c.forget(key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}

	doc, repaired, err := Parse(blob.Content)
	if err != nil {
		c.forget(key)
		return nil, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	if repaired {
		c.metrics.repairedDocument()
		c.logger.Printf("WARNING: repaired malformed document at %s", key)
	}

	canonical, err := Encode(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	c.remember(key, canonical, blob.Token)

	return &Fetched{Document: doc, Token: blob.Token, Repaired: repaired}, nil
}

// Write stores doc at key with compare-and-swap semantics and returns the
// new version token. An empty expectedToken creates the resource.
//
// If the canonical encoding of doc equals the latest content seen for key,
// no request is made and the known token is returned.
func (c *Client) Write(ctx context.Context, key string, doc Document, expectedToken string) (string, error) {
	if err := doc.Dataset.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	content, err := Encode(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", key, err)
	}

	if prev, ok := c.lookup(key); ok && bytes.Equal(prev.content, content) {
		c.metrics.skippedWrite()
		return prev.token, nil
	}

	var token string
	err = c.retry.do(ctx, func() error {
		start := time.Now()
		var err error
		token, err = c.backend.Put(ctx, key, content, expectedToken)
		c.metrics.observe(c.backend.Name(), "put", start, err)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			c.forget(key)
		}
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}

	c.remember(key, content, token)
	return token, nil
}

// Forget drops what the client knows about key, forcing the next Write to
// reach the backend.
func (c *Client) Forget(key string) {
	c.forget(key)
}

func (c *Client) lookup(key string) (cached, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[key]
	return v, ok
}

func (c *Client) remember(key string, content []byte, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cached{content: content, token: token}
}

func (c *Client) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, key)
}
