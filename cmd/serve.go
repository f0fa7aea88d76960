package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fornjot/matrixbuild/pkg/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the push webhook",
	Long: `Listens for push events on POST /hooks/push and runs the pipeline for every push to the pipeline
branch. Run states are available on GET /runs/{id}.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		address, err := cmd.Flags().GetString("address")
		if err != nil {
			return err
		}
		if address == "" {
			address = settings.HTTP.Address
		}

		p, jobs, err := loadPipeline(ctx)
		if err != nil {
			return err
		}

		r, done, err := newRunner(p, jobs, false)
		if err != nil {
			return err
		}
		defer done()

		srv := webhook.New(ctx, p, jobs, r)
		return srv.ListenAndServe(ctx, address)
	},
}

func init() {
	serveCmd.Flags().String("address", "", "listen address (default: http.address setting)")

	rootCmd.AddCommand(serveCmd)
}
