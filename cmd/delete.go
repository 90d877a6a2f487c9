package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <image-id>...",
	Short: "Delete screenshots and all their derived data",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	eng, err := initEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.close()

	var failed int
	for _, id := range args {
		if err := eng.store.DeleteImage(id); err != nil {
			fmt.Printf("Failed to delete %s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Printf("Deleted %s\n", id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deletions failed", failed, len(args))
	}
	return nil
}
