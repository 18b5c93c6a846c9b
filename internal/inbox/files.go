package inbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WarehouseFile is the content of warehouses/<id>.json.
type WarehouseFile struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// ProductFile is the content of products/<id>.json.
type ProductFile struct {
	ID          string `json:"id,omitempty"`
	WarehouseID string `json:"warehouseId"`
	Name        string `json:"name"`
	Barcode     string `json:"barcode,omitempty"`
	SKU         string `json:"sku,omitempty"`
	Quantity    int64  `json:"quantity"`
	Unit        string `json:"unit,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// idFromPath returns the record id named by a file: its base name without
// the .json extension.
func idFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}

// readFile decodes path into v and fills an empty id from the file name.
func readFile(path string, v interface{ setDefaultID(string) }) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	v.setDefaultID(idFromPath(path))
	return nil
}

func (f *WarehouseFile) setDefaultID(id string) {
	if f.ID == "" {
		f.ID = id
	}
}

func (f *ProductFile) setDefaultID(id string) {
	if f.ID == "" {
		f.ID = id
	}
}

// listJSON returns the .json files directly under dir, sorted by name.
func listJSON(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return matches, nil
}
