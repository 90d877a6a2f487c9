package cmd

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-run missing pipeline stages for stored screenshots",
	Long: `Walk all stored screenshots and queue the missing pipeline stages:
images without a description are re-described from their files, images
with a description but no embedding are re-encoded. Useful after model
changes or interrupted captures.`,
	RunE: runReindex,
}

func init() {
	rootCmd.AddCommand(reindexCmd)
	reindexCmd.Flags().Duration("drain", 10*time.Minute, "How long to wait for queued work to finish")
}

func runReindex(cmd *cobra.Command, _ []string) error {
	eng, err := initEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.close()

	total, err := eng.store.CountImages()
	if err != nil {
		return err
	}
	if total == 0 {
		fmt.Println("Nothing to reindex.")
		return nil
	}

	bar := progressbar.NewOptions(int(total),
		progressbar.OptionSetDescription("Scanning"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	queued, err := eng.store.Reindex(cmd.Context(), func(done, _ int) {
		_ = bar.Set(done)
	})
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		return err
	}
	if queued == 0 {
		fmt.Println("All screenshots are fully processed.")
		return nil
	}

	fmt.Printf("Queued %d images, waiting for the pipeline to drain...\n", queued)
	drain, _ := cmd.Flags().GetDuration("drain")
	deadline := time.Now().Add(drain)
	for time.Now().Before(deadline) {
		if eng.store.PendingTasks() == 0 {
			fmt.Println("Done.")
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("pipeline did not drain within %s", drain)
}
