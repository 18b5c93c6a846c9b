package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stocksync/stocksync/internal/dashboard"
	"github.com/stocksync/stocksync/internal/inbox"
	"golang.org/x/sync/errgroup"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon with inbox watcher and status dashboard",
	Long: `Run a long-lived sync session for the identity.

The daemon pulls on start, then pushes local changes in coalesced batches.
While the remote is unreachable pushes are deferred; they resume as soon as
the connectivity probe sees the remote again.

JSON files dropped into the inbox are applied as edits:
  <inbox>/warehouses/<id>.json   create or update a warehouse
  <inbox>/products/<id>.json     create or update a product
Removing a file deletes the record.

The status dashboard serves:
  ws://<addr>/ws        status transitions as they happen
  http://<addr>/status  current status as JSON
  http://<addr>/health  liveness
  http://<addr>/metrics Prometheus metrics

Example usage:
  stocksync daemon --identity alice
  stocksync daemon --identity alice --addr 127.0.0.1:9000 --inbox ./drop`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("addr") {
			cfg.Daemon.StatusAddr, _ = flags.GetString("addr")
		}
		if flags.Changed("inbox") {
			cfg.Daemon.InboxDir, _ = flags.GetString("inbox")
		}
		noInbox, _ := flags.GetBool("no-inbox")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		server, err := dashboard.NewServer(a.orch, &dashboard.Config{
			Addr:     cfg.Daemon.StatusAddr,
			Gatherer: a.registry,
			Logger:   logs.Logger("dashboard"),
		})
		if err != nil {
			return err
		}
		handler := dashboard.NewHandler(server, logs.Logger("dashboard"))
		unsubscribe := a.orch.Subscribe(handler.OnStatus)
		defer unsubscribe()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return server.Run(gctx) })
		if a.probe != nil {
			g.Go(func() error { return a.probe.Run(gctx) })
		}

		a.login(gctx)

		if !noInbox {
			in, err := inbox.New(a.orch, cfg.Daemon.InboxDir, &inbox.Config{
				DebounceInterval: 200 * time.Millisecond,
				Logger:           logs.Logger("inbox"),
			})
			if err != nil {
				cancel()
				_ = g.Wait()
				return err
			}
			g.Go(func() error { return in.Run(gctx) })
			fmt.Printf("Inbox: %s\n", cfg.Daemon.InboxDir)
		}

		fmt.Printf("Syncing %s through %s\n", a.identity, a.backend.Name())
		fmt.Printf("Dashboard: http://%s/status\n", cfg.Daemon.StatusAddr)
		fmt.Println("\nPress Ctrl+C to stop...")

		err = g.Wait()

		fmt.Println("\nShutting down...")
		if a.orch.Status().Dirty && a.conn.Online() {
			flushCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
			if ferr := a.orch.Flush(flushCtx); ferr != nil {
				fmt.Fprintf(os.Stderr, "Error: final push failed (changes are saved locally): %v\n", ferr)
			}
			done()
		}
		return err
	},
}

func init() {
	daemonCmd.Flags().String("addr", "", "Dashboard listen address (default: daemon.status_addr)")
	daemonCmd.Flags().String("inbox", "", "Inbox directory (default: <data-dir>/inbox)")
	daemonCmd.Flags().Bool("no-inbox", false, "Do not watch an inbox directory")

	rootCmd.AddCommand(daemonCmd)
}
