package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Manage the tag catalog",
}

var tagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tags with usage counts",
	RunE:  runTagsList,
}

var tagsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the tag catalog with the configured tag list",
	Long: `Reconcile the tag catalog with the configured tag list (SNIPD_TAGS_FILE
or the built-in default). Missing tags are created; catalog tags no
longer in the list are removed together with their assignments. Tags
created by the AI pipeline are left untouched.`,
	RunE: runTagsSync,
}

func init() {
	rootCmd.AddCommand(tagsCmd)
	tagsCmd.AddCommand(tagsListCmd)
	tagsCmd.AddCommand(tagsSyncCmd)
	tagsListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runTagsList(cmd *cobra.Command, _ []string) error {
	eng, err := initEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.close()

	tags, err := eng.store.Tags()
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tags)
	}

	if len(tags) == 0 {
		fmt.Println("No tags. Run 'snipd tags sync' to seed the catalog.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIMAGES\tSOURCE")
	for _, t := range tags {
		source := "catalog"
		if t.IsGenerated {
			source = "generated"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", t.Name, t.Count, source)
	}
	return w.Flush()
}

func runTagsSync(cmd *cobra.Command, _ []string) error {
	eng, err := initEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.close()

	names, err := eng.cfg.Tagging.LoadTags()
	if err != nil {
		return err
	}

	created, removed, err := eng.store.SyncTags(names)
	if err != nil {
		return err
	}
	fmt.Printf("Catalog synced: %d created, %d removed, %d configured\n", created, removed, len(names))
	return nil
}
