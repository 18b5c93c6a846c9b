// Package snapshot persists BASE: the last remote state each identity
// reconciled against, paired with the remote version token.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/stocksync/stocksync/internal/kv"
	"github.com/stocksync/stocksync/internal/record"
)

const keyPrefix = "snapshot/"

// Snapshot is the BASE of one identity. Both collections move together.
type Snapshot struct {
	Dataset record.Dataset `json:"dataset"`
	Token   string         `json:"token"`
	SavedAt time.Time      `json:"savedAt"`
}

// Store reads and writes snapshots in a kv.Store, keyed by identity.
type Store struct {
	kv     kv.Store
	logger *log.Logger
	now    func() time.Time
}

// New creates a snapshot store. If logger is nil, a default logger writing
// to stderr is used.
func New(store kv.Store, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[snapshot] ", log.LstdFlags)
	}
	return &Store{kv: store, logger: logger, now: time.Now}
}

func key(identity string) string {
	return keyPrefix + identity
}

// Get returns the snapshot of identity, or nil if none is stored. A stored
// value that fails to decode or validate is treated as absent.
func (s *Store) Get(ctx context.Context, identity string) (*Snapshot, error) {
	raw, ok, err := s.kv.Get(ctx, key(identity))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Printf("WARNING: ignoring corrupt snapshot for %s: %v", identity, err)
		return nil, nil
	}
	if err := snap.Dataset.Validate(); err != nil {
		s.logger.Printf("WARNING: ignoring invalid snapshot for %s: %v", identity, err)
		return nil, nil
	}
	if snap.Dataset.Warehouses == nil {
		snap.Dataset.Warehouses = []record.Warehouse{}
	}
	if snap.Dataset.Products == nil {
		snap.Dataset.Products = []record.Product{}
	}
	return &snap, nil
}

// Set replaces the snapshot of identity in one write.
func (s *Store) Set(ctx context.Context, identity string, dataset record.Dataset, token string) error {
	snap := Snapshot{
		Dataset: dataset.Sorted(),
		Token:   token,
		SavedAt: s.now().UTC(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, key(identity), raw); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Clear removes the snapshot of identity. The next reconciliation treats the
// current local state as new against whatever is remote.
func (s *Store) Clear(ctx context.Context, identity string) error {
	if err := s.kv.Delete(ctx, key(identity)); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	s.logger.Printf("Cleared snapshot for %s", identity)
	return nil
}
