package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Dataset is the pair of collections that moves as one unit.
type Dataset struct {
	Warehouses []Warehouse `json:"warehouses"`
	Products   []Product   `json:"products"`
}

// Clone returns a deep copy. Records hold no reference fields, so copying
// the slices is enough.
func (d Dataset) Clone() Dataset {
	out := Dataset{
		Warehouses: make([]Warehouse, len(d.Warehouses)),
		Products:   make([]Product, len(d.Products)),
	}
	copy(out.Warehouses, d.Warehouses)
	copy(out.Products, d.Products)
	return out
}

// Sorted returns a copy with both collections ordered by id.
func (d Dataset) Sorted() Dataset {
	out := d.Clone()
	SortByID(out.Warehouses)
	SortByID(out.Products)
	return out
}

// IsEmpty reports whether the dataset holds no records at all.
func (d Dataset) IsEmpty() bool {
	return len(d.Warehouses) == 0 && len(d.Products) == 0
}

// Len returns the total number of records, tombstones included.
func (d Dataset) Len() int {
	return len(d.Warehouses) + len(d.Products)
}

// OwnedBy returns the records owned by identity.
func (d Dataset) OwnedBy(identity string) Dataset {
	return Dataset{
		Warehouses: Filter(d.Warehouses, func(w Warehouse) bool { return w.Owner() == identity }),
		Products:   Filter(d.Products, func(p Product) bool { return p.Owner() == identity }),
	}
}

// Claim returns a copy of d with every record owned by identity. Used for
// records read from the identity's own remote document.
func (d Dataset) Claim(identity string) Dataset {
	out := d.Clone()
	for i := range out.Warehouses {
		out.Warehouses[i].CreatedBy = identity
	}
	for i := range out.Products {
		out.Products[i].CreatedBy = identity
	}
	return out
}

// Without returns d minus the records owned by identity.
func (d Dataset) Without(identity string) Dataset {
	return Dataset{
		Warehouses: Filter(d.Warehouses, func(w Warehouse) bool { return w.Owner() != identity }),
		Products:   Filter(d.Products, func(p Product) bool { return p.Owner() != identity }),
	}
}

// Union combines two datasets. Where both hold an id, b wins.
func Union(a, b Dataset) Dataset {
	return Dataset{
		Warehouses: unionByID(a.Warehouses, b.Warehouses),
		Products:   unionByID(a.Products, b.Products),
	}.Sorted()
}

func unionByID[T Record](a, b []T) []T {
	out := make([]T, 0, len(a)+len(b))
	inB := make(map[string]bool, len(b))
	for _, r := range b {
		inB[r.Header().ID] = true
	}
	for _, r := range a {
		if !inB[r.Header().ID] {
			out = append(out, r)
		}
	}
	return append(out, b...)
}

// Compact physically removes tombstones last updated before cutoff.
// It must only run after the tombstones were pushed.
func Compact(d Dataset, cutoff time.Time) (Dataset, int) {
	keep := func(m Meta) bool { return !m.Deleted || !m.UpdatedAt.Before(cutoff) }
	out := Dataset{
		Warehouses: Filter(d.Warehouses, func(w Warehouse) bool { return keep(w.Meta) }),
		Products:   Filter(d.Products, func(p Product) bool { return keep(p.Meta) }),
	}
	return out, d.Len() - out.Len()
}

// Validate checks every record in the dataset and the id uniqueness of each
// collection.
func (d Dataset) Validate() error {
	seen := make(map[string]bool, len(d.Warehouses))
	for _, w := range d.Warehouses {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("invalid warehouse %q: %w", w.ID, err)
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate warehouse id %q", w.ID)
		}
		seen[w.ID] = true
	}
	seen = make(map[string]bool, len(d.Products))
	for _, p := range d.Products {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid product %q: %w", p.ID, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate product id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// Equal reports whether two datasets serialize to the same canonical bytes.
func Equal(a, b Dataset) bool {
	ca, err := Canonical(a.Sorted())
	if err != nil {
		return false
	}
	cb, err := Canonical(b.Sorted())
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// SortByID orders records by id in place.
func SortByID[T Record](recs []T) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Header().ID < recs[j].Header().ID
	})
}

// Index maps records by id.
func Index[T Record](recs []T) map[string]T {
	out := make(map[string]T, len(recs))
	for _, r := range recs {
		out[r.Header().ID] = r
	}
	return out
}

// Filter returns the records for which keep returns true. The result is
// never nil so that empty collections serialize as [].
func Filter[T Record](recs []T, keep func(T) bool) []T {
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Live returns the non-deleted records.
func Live[T Record](recs []T) []T {
	return Filter(recs, func(r T) bool { return !r.Header().Deleted })
}

// Canonical serializes v with object keys in sorted order at every level.
// Callers sort collections by id first; map re-encoding takes care of keys.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to decode for canonical form: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical form: %w", err)
	}
	return out, nil
}
