package remote

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestClient(backend Backend) *Client {
	c := New(backend, Config{
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
		},
		Logger: log.New(io.Discard, "", 0),
	})
	c.retry.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

// TestFetchAbsent verifies that a missing resource is not an error.
func TestFetchAbsent(t *testing.T) {
	c := newTestClient(NewMemoryBackend())
	got, err := c.Fetch(context.Background(), "inventory/alice.json")
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if got != nil {
		t.Errorf("Fetch() = %+v, want nil", got)
	}
}

func TestWriteCreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	c := newTestClient(mem)
	key := "inventory/alice.json"

	t1, err := c.Write(ctx, key, NewDocument(sampleDataset()), "")
	if err != nil {
		t.Fatalf("Write() create failed: %v", err)
	}

	ds := sampleDataset()
	ds.Products[0].Quantity = 11
	ds.Products[0].Version = 2
	t2, err := c.Write(ctx, key, NewDocument(ds), t1)
	if err != nil {
		t.Fatalf("Write() update failed: %v", err)
	}
	if t2 == t1 {
		t.Error("token did not change after update")
	}

	got, err := c.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if got.Token != t2 || got.Document.Products[0].Quantity != 11 {
		t.Errorf("Fetch() = token %s qty %d", got.Token, got.Document.Products[0].Quantity)
	}
}

// TestWriteSkipsNoop verifies that identical content never reaches the
// backend and the known token is returned.
func TestWriteSkipsNoop(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	key := "inventory/alice.json"
	raw, _ := Encode(NewDocument(sampleDataset()))
	token := mem.Set(key, raw)

	metrics := NewMetrics(prometheus.NewRegistry())
	c := newTestClient(mem)
	c.metrics = metrics

	if _, err := c.Fetch(ctx, key); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	// Same records in a different order.
	ds := sampleDataset()
	ds.Warehouses[0], ds.Warehouses[1] = ds.Warehouses[1], ds.Warehouses[0]
	got, err := c.Write(ctx, key, NewDocument(ds), token)
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if got != token {
		t.Errorf("Write() token = %s, want %s", got, token)
	}
	if _, puts := mem.Calls(); puts != 0 {
		t.Errorf("backend saw %d puts, want 0", puts)
	}
	if n := testutil.ToFloat64(metrics.skipped); n != 1 {
		t.Errorf("skipped counter = %v, want 1", n)
	}
}

func TestWriteStaleToken(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	c := newTestClient(mem)
	key := "inventory/alice.json"

	t1, err := c.Write(ctx, key, NewDocument(sampleDataset()), "")
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	// Another device writes.
	mem.Set(key, []byte(`{"meta":{"schemaVersion":1},"warehouses":[],"products":[]}`))

	ds := sampleDataset()
	ds.Warehouses[0].Version = 2
	ds.Warehouses[0].Name = "Renamed"
	_, err = c.Write(ctx, key, NewDocument(ds), t1)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Write() error = %v, want ErrVersionConflict", err)
	}
	if _, puts := mem.Calls(); puts != 2 {
		t.Errorf("conflicts must not be retried: %d puts", puts)
	}
}

// TestRateLimitBackoff verifies hint-driven waits and doubling without a hint.
func TestRateLimitBackoff(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	mem.FailNext(&RateLimitError{RetryAfter: 7 * time.Millisecond}, &RateLimitError{})

	c := newTestClient(mem)
	var waits []time.Duration
	c.retry.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	if _, err := c.Write(ctx, "k", NewDocument(sampleDataset()), ""); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if len(waits) != 2 || waits[0] != 7*time.Millisecond || waits[1] != 2*time.Millisecond {
		t.Errorf("waits = %v, want [7ms 2ms]", waits)
	}
}

func TestRateLimitExhausted(t *testing.T) {
	mem := NewMemoryBackend()
	mem.FailNext(&RateLimitError{}, &RateLimitError{}, &RateLimitError{}, &RateLimitError{})

	c := newTestClient(mem)
	_, err := c.Fetch(context.Background(), "k")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Fetch() error = %v, want ErrRateLimited", err)
	}
	if gets, _ := mem.Calls(); gets != 3 {
		t.Errorf("backend saw %d gets, want 3", gets)
	}
}

func TestAuthFailureNotRetried(t *testing.T) {
	mem := NewMemoryBackend()
	mem.FailNext(ErrAuthFailure)

	c := newTestClient(mem)
	_, err := c.Fetch(context.Background(), "k")
	if !errors.Is(err, ErrAuthFailure) || !IsFatal(err) {
		t.Fatalf("Fetch() error = %v, want fatal ErrAuthFailure", err)
	}
	if gets, _ := mem.Calls(); gets != 1 {
		t.Errorf("backend saw %d gets, want 1", gets)
	}
}

func TestFetchRepairsAndReportsMalformed(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	c := newTestClient(mem)

	mem.Set("ok", []byte("\xef\xbb\xbf{\"meta\":{\"schemaVersion\":1},\"warehouses\":[],\"products\":[],}"))
	got, err := c.Fetch(ctx, "ok")
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if !got.Repaired {
		t.Error("Fetch() should report the repair")
	}

	mem.Set("bad", []byte("<html>Service Unavailable</html>"))
	_, err = c.Fetch(ctx, "bad")
	if !errors.Is(err, ErrMalformedRemoteData) {
		t.Errorf("Fetch() error = %v, want ErrMalformedRemoteData", err)
	}
}

func TestWriteRejectsInvalidDocument(t *testing.T) {
	ds := sampleDataset()
	ds.Products[0].Name = ""
	_, err := newTestClient(NewMemoryBackend()).Write(context.Background(), "k", NewDocument(ds), "")
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("Write() error = %v, want ErrBadRequest", err)
	}
}

func TestKeyFor(t *testing.T) {
	if got := KeyFor("stock/{identity}/data.json", "bob"); got != "stock/bob/data.json" {
		t.Errorf("KeyFor() = %s", got)
	}
	if got := KeyFor("", "bob"); got != "inventory/bob.json" {
		t.Errorf("KeyFor() default = %s", got)
	}
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
		fatal     bool
		offline   bool
	}{
		{nil, false, false, false},
		{&RateLimitError{RetryAfter: time.Second}, true, false, false},
		{ErrAuthFailure, false, true, false},
		{ErrBadRequest, false, true, false},
		{ErrMalformedRemoteData, false, true, false},
		{ErrVersionConflict, false, false, false},
		{ErrUnreachable, false, false, true},
		{&HTTPError{StatusCode: 502}, false, false, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v", tt.err, got)
		}
		if got := IsFatal(tt.err); got != tt.fatal {
			t.Errorf("IsFatal(%v) = %v", tt.err, got)
		}
		if got := IsOffline(tt.err); got != tt.offline {
			t.Errorf("IsOffline(%v) = %v", tt.err, got)
		}
	}
}
