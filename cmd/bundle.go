package cmd

import (
	"github.com/spf13/cobra"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle [archive]",
	Short: "Pack the newest version of every artifact into a .tar.xz archive",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		p, _, err := loadPipeline(ctx)
		if err != nil {
			return err
		}

		dest := p.Project + ".tar.xz"
		if len(args) > 0 {
			dest = args[0]
		}

		store, err := openStore(p)
		if err != nil {
			return err
		}
		defer store.Close()

		count, err := store.Bundle(ctx, dest)
		if err != nil {
			return err
		}

		logger.Info().Str("path", dest).Msgf("packed %d artifacts into %s", count, dest)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bundleCmd)
}
