// Package inbox imports warehouse and product files dropped into a
// directory as local mutations.
//
// The inbox:
// 1. Imports every file under warehouses/ and products/ on start
// 2. Watches both directories for changes
// 3. Applies a written file as a create or update, a removed file as a delete
// 4. Debounces rapid writes to the same file
//
// A file's base name is the record id unless the file sets "id". Removing
// a file deletes the record it last imported.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stocksync/stocksync/internal/orchestrator"
	"github.com/stocksync/stocksync/internal/record"
)

// Target receives the imported mutations. *orchestrator.Orchestrator
// satisfies it.
type Target interface {
	Warehouse(id string) (record.Warehouse, bool)
	CreateWarehouse(in orchestrator.WarehouseInput) (record.Warehouse, error)
	UpdateWarehouse(id string, edit func(w *record.Warehouse)) (record.Warehouse, error)
	DeleteWarehouse(id string) error

	Product(id string) (record.Product, bool)
	CreateProduct(in orchestrator.ProductInput) (record.Product, error)
	UpdateProduct(id string, edit func(p *record.Product)) (record.Product, error)
	DeleteProduct(id string) error
}

// Config holds configuration for the inbox.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is applied
	DebounceInterval time.Duration

	// Logger for inbox activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[inbox] ", log.LstdFlags),
	}
}

type change struct {
	kind record.Kind
	op   EventOp
	at   time.Time
}

// Inbox watches a directory and applies its files to a Target.
type Inbox struct {
	target        Target
	warehousesDir string
	productsDir   string
	config        *Config

	queue   map[string]change // path -> latest change
	queueMu sync.Mutex

	ids   map[string]string // path -> id of the record it last imported
	idsMu sync.Mutex
}

// New creates an inbox rooted at dir. The warehouses/ and products/
// subdirectories are created when missing.
func New(target Target, dir string, config *Config) (*Inbox, error) {
	if target == nil {
		return nil, fmt.Errorf("target cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	in := &Inbox{
		target:        target,
		warehousesDir: filepath.Join(dir, "warehouses"),
		productsDir:   filepath.Join(dir, "products"),
		config:        config,
		queue:         make(map[string]change),
		ids:           make(map[string]string),
	}
	for _, d := range []string{in.warehousesDir, in.productsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return in, nil
}

// Run imports existing files, then watches for changes until ctx is
// cancelled.
func (in *Inbox) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := watch(ctx, map[string]record.Kind{
		in.warehousesDir: record.KindWarehouse,
		in.productsDir:   record.KindProduct,
	})
	if err != nil {
		return err
	}

	if err := in.ImportAll(); err != nil {
		return fmt.Errorf("initial import failed: %w", err)
	}
	in.config.Logger.Printf("Watching: %s, %s", in.warehousesDir, in.productsDir)

	ticker := time.NewTicker(in.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			in.config.Logger.Println("Inbox stopped")
			return nil

		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			in.queueChange(ev)

		case err, ok := <-w.errs:
			if !ok {
				return nil
			}
			in.config.Logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			in.processPending(time.Now())
		}
	}
}

// ImportAll applies every file currently in the inbox. Warehouses go first
// so products can reference them. A bad file is logged and skipped.
func (in *Inbox) ImportAll() error {
	warehouses, err := listJSON(in.warehousesDir)
	if err != nil {
		return err
	}
	products, err := listJSON(in.productsDir)
	if err != nil {
		return err
	}

	applied := 0
	for _, path := range warehouses {
		if in.apply(path, record.KindWarehouse, OpWrite) {
			applied++
		}
	}
	for _, path := range products {
		if in.apply(path, record.KindProduct, OpWrite) {
			applied++
		}
	}
	in.config.Logger.Printf("Imported %d of %d files", applied, len(warehouses)+len(products))
	return nil
}

func (in *Inbox) queueChange(ev FileEvent) {
	in.queueMu.Lock()
	defer in.queueMu.Unlock()
	in.queue[ev.Path] = change{kind: ev.Kind, op: ev.Op, at: time.Now()}
}

// processPending applies files that have been quiet for the debounce
// interval, warehouses before products.
func (in *Inbox) processPending(now time.Time) {
	in.queueMu.Lock()
	var ready []string
	changes := make(map[string]change)
	for path, c := range in.queue {
		if now.Sub(c.at) < in.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		changes[path] = c
		delete(in.queue, path)
	}
	in.queueMu.Unlock()

	sort.Slice(ready, func(i, j int) bool {
		ki, kj := changes[ready[i]].kind, changes[ready[j]].kind
		if ki != kj {
			return ki == record.KindWarehouse
		}
		return ready[i] < ready[j]
	})
	for _, path := range ready {
		c := changes[path]
		in.apply(path, c.kind, c.op)
	}
}

// apply applies one file and reports whether it changed anything.
func (in *Inbox) apply(path string, kind record.Kind, op EventOp) bool {
	if op == OpWrite {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			op = OpRemove
		}
	}

	var (
		id      string
		changed bool
		err     error
	)
	switch {
	case kind == record.KindWarehouse && op == OpRemove:
		id = in.forget(path)
		changed, err = in.deleted(in.target.DeleteWarehouse(id))
	case kind == record.KindProduct && op == OpRemove:
		id = in.forget(path)
		changed, err = in.deleted(in.target.DeleteProduct(id))
	case kind == record.KindWarehouse:
		id, changed, err = in.upsertWarehouse(path)
	case kind == record.KindProduct:
		id, changed, err = in.upsertProduct(path)
	}
	if err != nil {
		in.config.Logger.Printf("Error applying %s: %v", path, err)
		return false
	}
	if op == OpWrite {
		in.remember(path, id)
	}
	if changed {
		in.config.Logger.Printf("Applied %s %s (%s)", kind, id, op)
	}
	return changed
}

func (in *Inbox) remember(path, id string) {
	in.idsMu.Lock()
	defer in.idsMu.Unlock()
	in.ids[path] = id
}

// forget returns the id path last imported, falling back to its base name.
func (in *Inbox) forget(path string) string {
	in.idsMu.Lock()
	defer in.idsMu.Unlock()
	id, ok := in.ids[path]
	if !ok {
		return idFromPath(path)
	}
	delete(in.ids, path)
	return id
}

func (in *Inbox) deleted(err error) (bool, error) {
	if errors.Is(err, orchestrator.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (in *Inbox) upsertWarehouse(path string) (string, bool, error) {
	var f WarehouseFile
	if err := readFile(path, &f); err != nil {
		return "", false, err
	}
	f.Name = strings.TrimSpace(f.Name)

	cur, ok := in.target.Warehouse(f.ID)
	if !ok {
		_, err := in.target.CreateWarehouse(orchestrator.WarehouseInput{
			ID:       f.ID,
			Name:     f.Name,
			Location: f.Location,
			Notes:    f.Notes,
		})
		return f.ID, err == nil, err
	}
	if cur.Name == f.Name && cur.Location == f.Location && cur.Notes == f.Notes {
		return f.ID, false, nil
	}
	_, err := in.target.UpdateWarehouse(f.ID, func(w *record.Warehouse) {
		w.Name = f.Name
		w.Location = f.Location
		w.Notes = f.Notes
	})
	return f.ID, err == nil, err
}

func (in *Inbox) upsertProduct(path string) (string, bool, error) {
	var f ProductFile
	if err := readFile(path, &f); err != nil {
		return "", false, err
	}
	f.Name = strings.TrimSpace(f.Name)
	f.Barcode = strings.TrimSpace(f.Barcode)

	cur, ok := in.target.Product(f.ID)
	if !ok {
		_, err := in.target.CreateProduct(orchestrator.ProductInput{
			ID:          f.ID,
			WarehouseID: f.WarehouseID,
			Name:        f.Name,
			Barcode:     f.Barcode,
			SKU:         f.SKU,
			Quantity:    f.Quantity,
			Unit:        f.Unit,
			Notes:       f.Notes,
		})
		return f.ID, err == nil, err
	}
	next := cur
	next.WarehouseID = f.WarehouseID
	next.Name = f.Name
	next.Barcode = f.Barcode
	next.SKU = f.SKU
	next.Quantity = f.Quantity
	next.Unit = f.Unit
	next.Notes = f.Notes
	if next == cur {
		return f.ID, false, nil
	}
	_, err := in.target.UpdateProduct(f.ID, func(p *record.Product) { *p = next })
	return f.ID, err == nil, err
}
