package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fornjot/matrixbuild/pkg/publish"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List published artifacts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}

		store, err := openStore(nil)
		if err != nil {
			return err
		}
		defer store.Close()

		var records []publish.Record
		if all {
			records, err = store.List()
		} else {
			records, err = store.Latest()
		}
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("Nothing has been published yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tSIZE\tSHA256\tRUN\tPUBLISHED")
		for _, record := range records {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.12s\t%s\t%s\n", record.Stored, record.Version, record.Size,
				record.SHA256, record.RunID, record.PublishedAt.Local().Format(time.RFC822))
		}
		return w.Flush()
	},
}

func init() {
	artifactsCmd.Flags().BoolP("all", "a", false, "include older versions")

	rootCmd.AddCommand(artifactsCmd)
}
