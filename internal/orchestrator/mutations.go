package orchestrator

import (
	"fmt"
	"strings"

	"github.com/stocksync/stocksync/internal/record"
)

// WarehouseInput holds the fields of a new warehouse. ID is optional; a
// fresh id is generated when empty.
type WarehouseInput struct {
	ID       string
	Name     string
	Location string
	Notes    string
}

// ProductInput holds the fields of a new product. ID is optional.
type ProductInput struct {
	ID          string
	WarehouseID string
	Name        string
	Barcode     string
	SKU         string
	Quantity    int64
	Unit        string
	Notes       string
}

// mutate runs fn on the loop against the logged-in session. A successful fn
// marks local state changed, persists it and requests a push.
func (o *Orchestrator) mutate(fn func(s *session) error) error {
	var err error
	callErr := o.call(func() {
		if o.s.identity == "" {
			err = ErrNotLoggedIn
			return
		}
		if err = fn(&o.s); err != nil {
			return
		}
		o.s.rev++
		o.s.local = o.s.local.Sorted()
		if saveErr := o.saveLocal(); saveErr != nil {
			o.config.Logger.Printf("Error saving local data: %v", saveErr)
		}
		o.requestPush(nil, false)
		o.notify()
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// CreateWarehouse adds a warehouse owned by the current identity.
func (o *Orchestrator) CreateWarehouse(in WarehouseInput) (record.Warehouse, error) {
	var out record.Warehouse
	err := o.mutate(func(s *session) error {
		meta := record.NewMeta(s.identity, o.config.Now())
		if in.ID != "" {
			if _, ok := findByID(s.local.Warehouses, in.ID); ok {
				return fmt.Errorf("warehouse %s already exists", in.ID)
			}
			meta.ID = in.ID
		}
		w := record.Warehouse{
			Meta:     meta,
			Name:     strings.TrimSpace(in.Name),
			Location: in.Location,
			Notes:    in.Notes,
		}
		if err := w.Validate(); err != nil {
			return fmt.Errorf("invalid warehouse: %w", err)
		}
		s.local.Warehouses = append(s.local.Warehouses, w)
		out = w
		return nil
	})
	return out, err
}

// UpdateWarehouse applies edit to a live warehouse. Header fields are
// managed here; changes edit makes to them are discarded.
func (o *Orchestrator) UpdateWarehouse(id string, edit func(w *record.Warehouse)) (record.Warehouse, error) {
	var out record.Warehouse
	err := o.mutate(func(s *session) error {
		i, ok := findByID(s.local.Warehouses, id)
		if !ok || s.local.Warehouses[i].Deleted {
			return fmt.Errorf("warehouse %s: %w", id, ErrRecordNotFound)
		}
		w := s.local.Warehouses[i]
		meta := w.Meta
		edit(&w)
		w.Meta = meta
		w.Name = strings.TrimSpace(w.Name)
		w.Touch(s.identity, o.config.Now())
		if err := w.Validate(); err != nil {
			return fmt.Errorf("invalid warehouse: %w", err)
		}
		s.local.Warehouses[i] = w
		out = w
		return nil
	})
	return out, err
}

// DeleteWarehouse tombstones a warehouse and its live products.
func (o *Orchestrator) DeleteWarehouse(id string) error {
	return o.mutate(func(s *session) error {
		i, ok := findByID(s.local.Warehouses, id)
		if !ok || s.local.Warehouses[i].Deleted {
			return fmt.Errorf("warehouse %s: %w", id, ErrRecordNotFound)
		}
		now := o.config.Now()
		s.local.Warehouses[i].MarkDeleted(s.identity, now)
		for j := range s.local.Products {
			p := &s.local.Products[j]
			if p.WarehouseID == id && !p.Deleted {
				p.MarkDeleted(s.identity, now)
			}
		}
		return nil
	})
}

// CreateProduct adds a product to a live warehouse.
func (o *Orchestrator) CreateProduct(in ProductInput) (record.Product, error) {
	var out record.Product
	err := o.mutate(func(s *session) error {
		meta := record.NewMeta(s.identity, o.config.Now())
		if in.ID != "" {
			if _, ok := findByID(s.local.Products, in.ID); ok {
				return fmt.Errorf("product %s already exists", in.ID)
			}
			meta.ID = in.ID
		}
		p := record.Product{
			Meta:        meta,
			WarehouseID: in.WarehouseID,
			Name:        strings.TrimSpace(in.Name),
			Barcode:     strings.TrimSpace(in.Barcode),
			SKU:         in.SKU,
			Quantity:    in.Quantity,
			Unit:        in.Unit,
			Notes:       in.Notes,
		}
		if err := checkProduct(s.local, p); err != nil {
			return err
		}
		s.local.Products = append(s.local.Products, p)
		out = p
		return nil
	})
	return out, err
}

// UpdateProduct applies edit to a live product. Header fields are managed
// here; changes edit makes to them are discarded.
func (o *Orchestrator) UpdateProduct(id string, edit func(p *record.Product)) (record.Product, error) {
	var out record.Product
	err := o.mutate(func(s *session) error {
		i, ok := findByID(s.local.Products, id)
		if !ok || s.local.Products[i].Deleted {
			return fmt.Errorf("product %s: %w", id, ErrRecordNotFound)
		}
		p := s.local.Products[i]
		meta := p.Meta
		edit(&p)
		p.Meta = meta
		p.Name = strings.TrimSpace(p.Name)
		p.Barcode = strings.TrimSpace(p.Barcode)
		p.Touch(s.identity, o.config.Now())
		if err := checkProduct(s.local, p); err != nil {
			return err
		}
		s.local.Products[i] = p
		out = p
		return nil
	})
	return out, err
}

// DeleteProduct tombstones a product.
func (o *Orchestrator) DeleteProduct(id string) error {
	return o.mutate(func(s *session) error {
		i, ok := findByID(s.local.Products, id)
		if !ok || s.local.Products[i].Deleted {
			return fmt.Errorf("product %s: %w", id, ErrRecordNotFound)
		}
		s.local.Products[i].MarkDeleted(s.identity, o.config.Now())
		return nil
	})
}

// Warehouses returns the live warehouses sorted by id.
func (o *Orchestrator) Warehouses() []record.Warehouse {
	var out []record.Warehouse
	_ = o.call(func() {
		out = record.Live(o.s.local.Warehouses)
		record.SortByID(out)
	})
	return out
}

// Warehouse returns a live warehouse by id.
func (o *Orchestrator) Warehouse(id string) (record.Warehouse, bool) {
	for _, w := range o.Warehouses() {
		if w.ID == id {
			return w, true
		}
	}
	return record.Warehouse{}, false
}

// Products returns the live products of warehouseID sorted by id. An empty
// warehouseID returns every live product.
func (o *Orchestrator) Products(warehouseID string) []record.Product {
	var out []record.Product
	_ = o.call(func() {
		out = record.Filter(o.s.local.Products, func(p record.Product) bool {
			return !p.Deleted && (warehouseID == "" || p.WarehouseID == warehouseID)
		})
		record.SortByID(out)
	})
	return out
}

// Product returns a live product by id.
func (o *Orchestrator) Product(id string) (record.Product, bool) {
	for _, p := range o.Products("") {
		if p.ID == id {
			return p, true
		}
	}
	return record.Product{}, false
}

// Dataset returns a copy of all local records, tombstones included.
func (o *Orchestrator) Dataset() record.Dataset {
	var out record.Dataset
	_ = o.call(func() { out = o.s.local.Sorted() })
	return out
}

// checkProduct enforces field validity, the warehouse reference and barcode
// uniqueness among live products of the same warehouse.
func checkProduct(local record.Dataset, p record.Product) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid product: %w", err)
	}
	i, ok := findByID(local.Warehouses, p.WarehouseID)
	if !ok || local.Warehouses[i].Deleted {
		return fmt.Errorf("warehouse %s: %w", p.WarehouseID, ErrUnknownWarehouse)
	}
	if p.Barcode == "" {
		return nil
	}
	for _, other := range local.Products {
		if other.ID != p.ID && !other.Deleted && other.WarehouseID == p.WarehouseID && other.Barcode == p.Barcode {
			return fmt.Errorf("barcode %s already used by %s: %w", p.Barcode, other.ID, ErrDuplicateBarcode)
		}
	}
	return nil
}

func findByID[T record.Record](recs []T, id string) (int, bool) {
	for i, r := range recs {
		if r.Header().ID == id {
			return i, true
		}
	}
	return -1, false
}
