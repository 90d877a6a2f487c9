package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Find near-duplicate screenshots",
	Long: `Group screenshots whose perceptual hashes are nearly identical.
Bursts of captures of the same window typically land in one group.
A lower threshold is stricter.`,
	RunE: runDuplicates,
}

func init() {
	rootCmd.AddCommand(duplicatesCmd)
	duplicatesCmd.Flags().Int("threshold", 0, "Hamming distance cutoff (0 uses the configured default)")
	duplicatesCmd.Flags().Bool("json", false, "Output as JSON")
}

func runDuplicates(cmd *cobra.Command, _ []string) error {
	eng, err := initEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.close()

	threshold, _ := cmd.Flags().GetInt("threshold")
	if threshold <= 0 {
		threshold = eng.cfg.Data.DuplicateThreshold
	}

	groups, err := eng.store.FindDuplicates(threshold)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if groups == nil {
			groups = [][]string{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	}

	if len(groups) == 0 {
		fmt.Println("No duplicates found.")
		return nil
	}
	for i, group := range groups {
		fmt.Printf("Group %d:\n", i+1)
		for _, id := range group {
			line := "  " + id
			if img, err := eng.store.GetImage(id); err == nil {
				line = fmt.Sprintf("  %s  %s  %s", id[:8], img.Timestamp.Format("2006-01-02 15:04"), img.Filename)
			}
			fmt.Println(line)
		}
	}
	return nil
}
