package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var similarCmd = &cobra.Command{
	Use:   "similar <image-id>",
	Short: "Find screenshots similar to a given one",
	Long: `Find screenshots whose descriptions are closest to the given image,
using the in-memory similarity index over description embeddings.
Lower distance means more similar.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimilar,
}

func init() {
	rootCmd.AddCommand(similarCmd)
	similarCmd.Flags().Int("limit", 10, "Maximum number of results")
}

func runSimilar(cmd *cobra.Command, args []string) error {
	eng, err := initEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.close()

	limit, _ := cmd.Flags().GetInt("limit")
	neighbors, err := eng.store.SimilarImages(args[0], limit)
	if err != nil {
		return err
	}
	if len(neighbors) == 0 {
		fmt.Println("No similar screenshots found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDISTANCE\tDESCRIPTION")
	for _, n := range neighbors {
		desc := ""
		if img, err := eng.store.GetImage(n.ImageID); err == nil && img.Description != nil {
			desc = *img.Description
			if len(desc) > 80 {
				desc = desc[:77] + "..."
			}
		}
		fmt.Fprintf(w, "%s\t%.3f\t%s\n", n.ImageID[:8], n.Distance, desc)
	}
	return w.Flush()
}
