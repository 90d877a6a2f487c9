package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/snipd-dev/snipd/internal/store"
)

var captureCmd = &cobra.Command{
	Use:   "capture [file]",
	Short: "Store a screenshot and run it through the AI pipeline",
	Long: `Store a screenshot from a file (or stdin with "-") and run the
description, tagging, and embedding pipeline.

Examples:
  # Capture from a file
  snipd capture shot.png

  # Pipe from a screenshot tool
  grim - | snipd capture -

  # Store without waiting for the description
  snipd capture shot.png --no-wait`,
	Args: cobra.ExactArgs(1),
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.Flags().Bool("no-wait", false, "Exit without waiting for the description")
	captureCmd.Flags().Duration("timeout", 5*time.Minute, "How long to wait for the pipeline")
}

func runCapture(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read screenshot: %w", err)
	}

	eng, err := initEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.close()

	noWait, _ := cmd.Flags().GetBool("no-wait")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	described := make(chan store.DescriptionUpdate, 1)
	eng.store.DescriptionUpdated.Subscribe(func(u store.DescriptionUpdate) {
		select {
		case described <- u:
		default:
		}
	})

	img, err := eng.store.SaveScreenshot(data)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s (%dx%d) as %s\n", img.Filename, img.Width, img.Height, img.ID)

	if noWait {
		return nil
	}

	select {
	case u := <-described:
		fmt.Printf("Description: %s\n", u.Description)
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for description after %s", timeout)
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}

	// Give the embedding and tagging stages a moment to drain before the
	// deferred shutdown cancels them.
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ok, err := eng.db.HasEmbedding(img.ID)
		if err != nil || ok {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
