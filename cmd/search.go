package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/snipd-dev/snipd/internal/store"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search screenshots by meaning, tags, and time",
	Long: `Search stored screenshots. With a query, results are ranked by how
closely their descriptions match the query. Without one, results come
back in reverse capture order.

Examples:
  # Semantic search
  snipd search "error message in terminal"

  # Only screenshots carrying ALL the given tags
  snipd search --tags work,code

  # Combine with a time window
  snipd search "pull request" --time today

  # Page through results
  snipd search --per-page 10 --page 2

  # JSON output
  snipd search "invoice" --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringSlice("tags", nil, "Require all of these tags")
	searchCmd.Flags().String("time", "all", "Time window: today, yesterday, week, all")
	searchCmd.Flags().Int("page", 0, "Zero-based page number")
	searchCmd.Flags().Int("per-page", store.DefaultPerPage, "Results per page")
	searchCmd.Flags().Bool("json", false, "Output as JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	eng, err := initEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.close()

	q := store.Query{}
	if len(args) == 1 {
		q.Text = args[0]
	}
	q.Tags, _ = cmd.Flags().GetStringSlice("tags")
	timeFlag, _ := cmd.Flags().GetString("time")
	q.Time = store.ParseTimeFilter(timeFlag)
	q.Page, _ = cmd.Flags().GetInt("page")
	q.PerPage, _ = cmd.Flags().GetInt("per-page")

	result, err := eng.store.Search(cmd.Context(), q)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if result.Total == 0 {
		fmt.Println("No screenshots found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAPTURED\tRANK\tTAGS\tDESCRIPTION")
	for _, img := range result.Images {
		desc := ""
		if img.Description != nil {
			desc = *img.Description
		}
		if len(desc) > 80 {
			desc = desc[:77] + "..."
		}
		names := make([]string, len(img.Tags))
		for i, t := range img.Tags {
			names[i] = t.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%s\t%s\n",
			img.ID[:8],
			img.Timestamp.Format("2006-01-02 15:04"),
			img.Rank,
			strings.Join(names, ","),
			desc,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d screenshots (page %d)\n", len(result.Images), result.Total, result.Page)
	return nil
}
