// Package record defines the versioned entities shared by every synced collection.
//
// Every record carries a Meta header. Mutations go through NewMeta, Touch and
// MarkDeleted so that the version always increases and deletions stay in the
// collection as tombstones until a successful push allows compaction.
package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a record collection.
type Kind string

const (
	// KindWarehouse is the warehouses collection.
	KindWarehouse Kind = "warehouse"
	// KindProduct is the products collection.
	KindProduct Kind = "product"
)

// Meta is the header embedded in every record.
type Meta struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
	CreatedBy string    `json:"createdBy,omitempty"`
	Deleted   bool      `json:"deleted"`
}

// MetaFields are the JSON names of the header fields. They are never merged
// field-by-field.
var MetaFields = map[string]bool{
	"id":        true,
	"version":   true,
	"updatedAt": true,
	"updatedBy": true,
	"createdBy": true,
	"deleted":   true,
}

// Header returns a copy of the header.
func (m Meta) Header() Meta {
	return m
}

// Owner returns the identity that owns the record.
func (m Meta) Owner() string {
	if m.CreatedBy != "" {
		return m.CreatedBy
	}
	return m.UpdatedBy
}

// Touch records a mutation by identity at now.
func (m *Meta) Touch(identity string, now time.Time) {
	m.Version++
	m.UpdatedAt = now.UTC()
	m.UpdatedBy = identity
}

// MarkDeleted turns the record into a tombstone. It counts as a mutation.
func (m *Meta) MarkDeleted(identity string, now time.Time) {
	m.Touch(identity, now)
	m.Deleted = true
}

// Validate checks the header invariants.
func (m Meta) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Version < 1 {
		return fmt.Errorf("version must be >= 1 (got %d)", m.Version)
	}
	if m.UpdatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	return nil
}

// NewID returns a fresh client-generated record id.
func NewID() string {
	return uuid.NewString()
}

// NewMeta returns the header of a record created by identity at now.
func NewMeta(identity string, now time.Time) Meta {
	return Meta{
		ID:        NewID(),
		Version:   1,
		UpdatedAt: now.UTC(),
		UpdatedBy: identity,
		CreatedBy: identity,
	}
}

// Warehouse is a storage location owning products.
type Warehouse struct {
	Meta
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Validate checks the warehouse fields.
func (w Warehouse) Validate() error {
	if err := w.Meta.Validate(); err != nil {
		return err
	}
	if w.Name == "" && !w.Deleted {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Product is a stocked item held by a warehouse.
type Product struct {
	Meta
	WarehouseID string `json:"warehouseId"`
	Name        string `json:"name"`
	Barcode     string `json:"barcode,omitempty"`
	SKU         string `json:"sku,omitempty"`
	Quantity    int64  `json:"quantity"`
	Unit        string `json:"unit,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Validate checks the product fields.
func (p Product) Validate() error {
	if err := p.Meta.Validate(); err != nil {
		return err
	}
	if p.Deleted {
		return nil
	}
	if p.WarehouseID == "" {
		return fmt.Errorf("warehouseId is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Quantity < 0 {
		return fmt.Errorf("quantity must be >= 0 (got %d)", p.Quantity)
	}
	return nil
}

// Record is the set of record types a collection can hold.
type Record interface {
	Warehouse | Product
	Header() Meta
}

// KindOf returns the collection kind for T.
func KindOf[T Record]() Kind {
	var zero T
	switch any(zero).(type) {
	case Warehouse:
		return KindWarehouse
	default:
		return KindProduct
	}
}
