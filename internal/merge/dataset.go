package merge

import (
	"fmt"

	"github.com/stocksync/stocksync/internal/record"
)

// DatasetResult is the output of Dataset.
type DatasetResult struct {
	Merged    record.Dataset
	Conflicts []Conflict
}

// Dataset merges both collections of a dataset. Warehouse conflicts are
// listed before product conflicts.
func Dataset(base, local, remote record.Dataset) (DatasetResult, error) {
	warehouses, err := Merge(base.Warehouses, local.Warehouses, remote.Warehouses)
	if err != nil {
		return DatasetResult{}, fmt.Errorf("failed to merge warehouses: %w", err)
	}
	products, err := Merge(base.Products, local.Products, remote.Products)
	if err != nil {
		return DatasetResult{}, fmt.Errorf("failed to merge products: %w", err)
	}

	conflicts := make([]Conflict, 0, len(warehouses.Conflicts)+len(products.Conflicts))
	conflicts = append(conflicts, warehouses.Conflicts...)
	conflicts = append(conflicts, products.Conflicts...)

	return DatasetResult{
		Merged: record.Dataset{
			Warehouses: warehouses.Merged,
			Products:   products.Merged,
		},
		Conflicts: conflicts,
	}, nil
}

// FieldNames returns the conflicting field names of c.
func (c Conflict) FieldNames() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Name
	}
	return names
}
