// Command stocksync keeps a local inventory of warehouses and products in
// sync with a per-identity document in a remote blob store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stocksync/stocksync/internal/config"
	"github.com/stocksync/stocksync/internal/logging"
	"github.com/stocksync/stocksync/internal/ui"
)

var (
	cfgFile string
	v       = viper.New()
	cfg     *config.Config
	logs    *logging.Logging
)

var rootCmd = &cobra.Command{
	Use:   "stocksync",
	Short: "Offline-tolerant inventory sync",
	Long: `stocksync keeps warehouses and products in a local database and syncs
them with a per-identity JSON document in a remote store (a directory, a
GitHub repository or an S3 bucket).

Edits are always applied locally first. Pushes are coalesced, conditional on
the last seen version, and merged three-way when another device got there
first.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		l, err := logging.New(logging.Options{
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
			Verbose:    c.Log.Verbose,
		})
		if err != nil {
			return err
		}
		cfg, logs = c, l
		ui.Init(os.Stdout)
		if c.File != "" {
			logs.Debugf("Using config %s", c.File)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logs != nil {
			return logs.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Inventory Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: <data-dir>/config.yaml)")
	flags.String("identity", "", "Identity whose inventory to sync")
	flags.String("data-dir", ".stocksync", "Directory for the local database and inbox")
	flags.String("backend", "file", "Remote backend: file, github, s3 or memory")
	flags.BoolP("verbose", "v", false, "Enable debug output")

	for key, name := range map[string]string{
		"identity":       "identity",
		"data_dir":       "data-dir",
		"remote.backend": "backend",
		"log.verbose":    "verbose",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
