package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stocksync/stocksync/internal/merge"
	"github.com/stocksync/stocksync/internal/ui"
)

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Pull the remote document and merge it into local data",
	Long: `Pull the identity's remote document and merge it three-way with local
data and the last synced snapshot. Local changes are not pushed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.conn.Online() {
			return fmt.Errorf("remote is unreachable")
		}
		if err := a.orch.Login(cmd.Context(), a.identity); err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}
		info := a.orch.Status()
		fmt.Printf("%s Pulled %s\n", ui.RenderPass("✓"), describeToken(info.Token))
		printConflicts(info.Conflicts)
		if info.Dirty {
			fmt.Printf("Local changes pending; run %s to push them\n", ui.RenderAccent("stocksync sync"))
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull, merge and push local changes",
	Long: `Pull the identity's remote document, merge it with local changes and
push the result. A push rejected because another device wrote first is
re-fetched, merged and retried once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.conn.Online() {
			return fmt.Errorf("remote is unreachable; local changes are kept")
		}
		if err := a.orch.Login(cmd.Context(), a.identity); err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}
		if err := a.push(cmd.Context()); err != nil {
			return err
		}

		info := a.orch.Status()
		fmt.Printf("%s Synced %s\n", ui.RenderPass("✓"), describeToken(info.Token))
		printConflicts(info.Conflicts)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status without contacting the remote",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		a.stayOffline()
		if err := a.orch.Login(cmd.Context(), a.identity); err != nil {
			return err
		}

		info := a.orch.Status()
		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		status := "synced"
		if info.Dirty {
			status = "pending"
		}
		d := a.orch.Dataset()
		fmt.Printf("Identity:   %s\n", ui.RenderAccent(info.Identity))
		fmt.Printf("Status:     %s\n", ui.RenderStatus(status))
		fmt.Printf("Token:      %s\n", describeToken(info.Token))
		fmt.Printf("Last sync:  %s\n", formatTime(info.LastSyncedAt))
		fmt.Printf("Warehouses: %d\n", len(d.Warehouses))
		fmt.Printf("Products:   %d\n", len(d.Products))
		fmt.Printf("Backend:    %s\n", a.backend.Name())
		return nil
	},
}

var resetSnapshotCmd = &cobra.Command{
	Use:     "reset-snapshot",
	GroupID: "advanced",
	Short:   "Forget the last synced snapshot",
	Long: `Forget the last synced snapshot for the identity. The next sync merges
local data against the remote with an empty base: records present on only
one side are kept, and records changed on both sides are resolved by
timestamp.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		// Log in without pulling; the pull would rebuild the snapshot.
		a.stayOffline()
		if err := a.orch.Login(cmd.Context(), a.identity); err != nil {
			return err
		}
		if err := a.orch.ResetSnapshot(cmd.Context()); err != nil {
			return fmt.Errorf("failed to reset snapshot: %w", err)
		}
		fmt.Printf("%s Snapshot reset for %s\n", ui.RenderPass("✓"), a.identity)
		return nil
	},
}

func describeToken(token string) string {
	if token == "" {
		return ui.RenderMuted("(no remote version)")
	}
	if len(token) > 12 {
		token = token[:12]
	}
	return "at version " + ui.RenderAccent(token)
}

func printConflicts(conflicts []merge.Conflict) {
	if len(conflicts) == 0 {
		return
	}
	fmt.Printf("%s %d conflicting record(s) resolved by timestamp:\n", ui.RenderWarn("!"), len(conflicts))
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []string{
			string(c.RecordType),
			c.RecordID,
			strings.Join(c.FieldNames(), ","),
			string(c.Winner),
		})
	}
	fmt.Print(ui.Table([]string{"TYPE", "ID", "FIELDS", "WINNER"}, rows))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ui.RenderMuted("never")
	}
	return t.Local().Format(time.DateTime)
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output status as JSON")

	rootCmd.AddCommand(pullCmd, syncCmd, statusCmd, resetSnapshotCmd)
}
