package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stocksync/stocksync/internal/orchestrator"
	"github.com/stocksync/stocksync/internal/record"
	"github.com/stocksync/stocksync/internal/ui"
)

var warehouseCmd = &cobra.Command{
	Use:     "warehouse",
	Aliases: []string{"wh"},
	GroupID: "data",
	Short:   "Manage warehouses",
}

var productCmd = &cobra.Command{
	Use:     "product",
	GroupID: "data",
	Short:   "Manage products",
}

// withSession opens the app, logs in and runs fn. When fn changed records
// and the remote is reachable, the change is pushed before returning.
func withSession(cmd *cobra.Command, fn func(a *app) (changed bool, err error)) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	a.login(cmd.Context())
	changed, err := fn(a)
	if err != nil || !changed {
		return err
	}
	return a.push(cmd.Context())
}

var warehouseAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a warehouse",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		in := orchestrator.WarehouseInput{
			ID:       stringFlag(flags, "id"),
			Name:     stringFlag(flags, "name"),
			Location: stringFlag(flags, "location"),
			Notes:    stringFlag(flags, "notes"),
		}
		return withSession(cmd, func(a *app) (bool, error) {
			w, err := a.orch.CreateWarehouse(in)
			if err != nil {
				return false, err
			}
			fmt.Printf("%s Created warehouse %s\n", ui.RenderPass("✓"), ui.RenderAccent(w.ID))
			return true, nil
		})
	},
}

var warehouseEditCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Change warehouse fields",
	Long:  `Change warehouse fields. Only the flags given are applied.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		return withSession(cmd, func(a *app) (bool, error) {
			w, err := a.orch.UpdateWarehouse(args[0], func(w *record.Warehouse) {
				setIfChanged(flags, "name", &w.Name)
				setIfChanged(flags, "location", &w.Location)
				setIfChanged(flags, "notes", &w.Notes)
			})
			if err != nil {
				return false, err
			}
			fmt.Printf("%s Updated warehouse %s (version %d)\n", ui.RenderPass("✓"), ui.RenderAccent(w.ID), w.Version)
			return true, nil
		})
	},
}

var warehouseRmCmd = &cobra.Command{
	Use:     "rm ID",
	Aliases: []string{"delete"},
	Short:   "Delete a warehouse and its products",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(a *app) (bool, error) {
			if err := a.orch.DeleteWarehouse(args[0]); err != nil {
				return false, err
			}
			fmt.Printf("%s Deleted warehouse %s\n", ui.RenderPass("✓"), ui.RenderAccent(args[0]))
			return true, nil
		})
	},
}

var warehouseLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List warehouses",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(a *app) (bool, error) {
			warehouses := a.orch.Warehouses()
			if len(warehouses) == 0 {
				fmt.Println(ui.RenderMuted("No warehouses"))
				return false, nil
			}
			rows := make([][]string, 0, len(warehouses))
			for _, w := range warehouses {
				rows = append(rows, []string{
					w.ID,
					w.Name,
					w.Location,
					strconv.Itoa(len(a.orch.Products(w.ID))),
					w.Owner(),
				})
			}
			fmt.Print(ui.Table([]string{"ID", "NAME", "LOCATION", "PRODUCTS", "OWNER"}, rows))
			return false, nil
		})
	},
}

var productAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a product",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		quantity, _ := flags.GetInt64("quantity")
		in := orchestrator.ProductInput{
			ID:          stringFlag(flags, "id"),
			WarehouseID: stringFlag(flags, "warehouse"),
			Name:        stringFlag(flags, "name"),
			Barcode:     stringFlag(flags, "barcode"),
			SKU:         stringFlag(flags, "sku"),
			Quantity:    quantity,
			Unit:        stringFlag(flags, "unit"),
			Notes:       stringFlag(flags, "notes"),
		}
		return withSession(cmd, func(a *app) (bool, error) {
			p, err := a.orch.CreateProduct(in)
			if err != nil {
				return false, err
			}
			fmt.Printf("%s Created product %s in %s\n", ui.RenderPass("✓"), ui.RenderAccent(p.ID), p.WarehouseID)
			return true, nil
		})
	},
}

var productEditCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Change product fields",
	Long:  `Change product fields. Only the flags given are applied.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		return withSession(cmd, func(a *app) (bool, error) {
			p, err := a.orch.UpdateProduct(args[0], func(p *record.Product) {
				setIfChanged(flags, "warehouse", &p.WarehouseID)
				setIfChanged(flags, "name", &p.Name)
				setIfChanged(flags, "barcode", &p.Barcode)
				setIfChanged(flags, "sku", &p.SKU)
				setIfChanged(flags, "unit", &p.Unit)
				setIfChanged(flags, "notes", &p.Notes)
				if flags.Changed("quantity") {
					p.Quantity, _ = flags.GetInt64("quantity")
				}
			})
			if err != nil {
				return false, err
			}
			fmt.Printf("%s Updated product %s (version %d)\n", ui.RenderPass("✓"), ui.RenderAccent(p.ID), p.Version)
			return true, nil
		})
	},
}

var productRmCmd = &cobra.Command{
	Use:     "rm ID",
	Aliases: []string{"delete"},
	Short:   "Delete a product",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(a *app) (bool, error) {
			if err := a.orch.DeleteProduct(args[0]); err != nil {
				return false, err
			}
			fmt.Printf("%s Deleted product %s\n", ui.RenderPass("✓"), ui.RenderAccent(args[0]))
			return true, nil
		})
	},
}

var productLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List products",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		warehouseID := stringFlag(cmd.Flags(), "warehouse")
		return withSession(cmd, func(a *app) (bool, error) {
			products := a.orch.Products(warehouseID)
			if len(products) == 0 {
				fmt.Println(ui.RenderMuted("No products"))
				return false, nil
			}
			rows := make([][]string, 0, len(products))
			for _, p := range products {
				rows = append(rows, []string{
					p.ID,
					p.WarehouseID,
					p.Name,
					p.Barcode,
					p.SKU,
					fmt.Sprintf("%d %s", p.Quantity, p.Unit),
				})
			}
			fmt.Print(ui.Table([]string{"ID", "WAREHOUSE", "NAME", "BARCODE", "SKU", "QUANTITY"}, rows))
			return false, nil
		})
	},
}

func stringFlag(flags *pflag.FlagSet, name string) string {
	s, _ := flags.GetString(name)
	return s
}

func setIfChanged(flags *pflag.FlagSet, name string, dst *string) {
	if flags.Changed(name) {
		*dst = stringFlag(flags, name)
	}
}

func init() {
	for _, c := range []*cobra.Command{warehouseAddCmd, warehouseEditCmd} {
		c.Flags().String("name", "", "Warehouse name")
		c.Flags().String("location", "", "Free-form location")
		c.Flags().String("notes", "", "Notes")
	}
	warehouseAddCmd.Flags().String("id", "", "Record id (default: generated)")

	for _, c := range []*cobra.Command{productAddCmd, productEditCmd} {
		c.Flags().String("warehouse", "", "Owning warehouse id")
		c.Flags().String("name", "", "Product name")
		c.Flags().String("barcode", "", "Barcode, unique within the warehouse")
		c.Flags().String("sku", "", "Stock keeping unit")
		c.Flags().Int64("quantity", 0, "Quantity on hand")
		c.Flags().String("unit", "", "Unit of measure")
		c.Flags().String("notes", "", "Notes")
	}
	productAddCmd.Flags().String("id", "", "Record id (default: generated)")
	productLsCmd.Flags().String("warehouse", "", "Only list products of this warehouse")

	warehouseCmd.AddCommand(warehouseAddCmd, warehouseEditCmd, warehouseRmCmd, warehouseLsCmd)
	productCmd.AddCommand(productAddCmd, productEditCmd, productRmCmd, productLsCmd)
	rootCmd.AddCommand(warehouseCmd, productCmd)
}
