package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stocksync/stocksync/internal/merge"
	"github.com/stocksync/stocksync/internal/record"
	"github.com/stocksync/stocksync/internal/remote"
	"github.com/stocksync/stocksync/internal/ui"
)

var mergeCmd = &cobra.Command{
	Use:     "merge BASE LOCAL REMOTE",
	GroupID: "advanced",
	Short:   "Three-way merge three inventory documents",
	Long: `Merge three inventory documents offline and write the merged document to
stdout. BASE may be "-" for an empty base. Conflicting fields are resolved by
timestamp and listed on stderr.

Example:
  stocksync merge base.json mine.json theirs.json > merged.json`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var docs [3]record.Dataset
		for i, path := range args {
			if path == "-" && i == 0 {
				continue
			}
			d, err := readDocument(path)
			if err != nil {
				return err
			}
			docs[i] = d
		}

		res, err := merge.Dataset(docs[0], docs[1], docs[2])
		if err != nil {
			return err
		}
		out, err := remote.Encode(remote.NewDocument(res.Merged))
		if err != nil {
			return fmt.Errorf("failed to encode merged document: %w", err)
		}
		if _, err := os.Stdout.Write(append(out, '\n')); err != nil {
			return err
		}

		if len(res.Conflicts) > 0 {
			fmt.Fprintf(os.Stderr, "%s %d conflicting record(s):\n", ui.RenderWarn("!"), len(res.Conflicts))
			rows := make([][]string, 0, len(res.Conflicts))
			for _, c := range res.Conflicts {
				rows = append(rows, []string{
					string(c.RecordType),
					c.RecordID,
					strings.Join(c.FieldNames(), ","),
					string(c.Winner),
				})
			}
			fmt.Fprint(os.Stderr, ui.Table([]string{"TYPE", "ID", "FIELDS", "WINNER"}, rows))
		}
		return nil
	},
}

func readDocument(path string) (record.Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return record.Dataset{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	doc, repaired, err := remote.Parse(raw)
	if err != nil {
		return record.Dataset{}, fmt.Errorf("%s: %w", path, err)
	}
	if repaired {
		fmt.Fprintf(os.Stderr, "%s %s was malformed and has been repaired\n", ui.RenderWarn("!"), path)
	}
	return doc.Dataset, nil
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}
