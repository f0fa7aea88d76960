package cmd

import (
	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"

	"github.com/fornjot/matrixbuild/pkg/pipeline"
	"github.com/fornjot/matrixbuild/pkg/runner"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for a push",
	Long: `Runs every job of the build matrix in parallel. The command fails if any job failed; the remaining
jobs still run to completion.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		flags := cmd.Flags()

		ref, err := flags.GetString("ref")
		if err != nil {
			return err
		}
		only, err := flags.GetStringSlice("only")
		if err != nil {
			return err
		}
		dryRun, err := flags.GetBool("dry")
		if err != nil {
			return err
		}

		p, jobs, err := loadPipeline(ctx)
		if err != nil {
			return err
		}

		if ref == "" {
			ref = p.Branch
		}
		if !p.Triggers(ref) {
			logger.Info().Msgf("%s does not trigger the pipeline (branch %s); nothing to do", ref, p.Branch)
			return nil
		}

		jobs = pipeline.Filter(jobs, only)
		if len(jobs) == 0 {
			logger.Warn().Msg("No matrix row matches --only")
			return nil
		}

		r, done, err := newRunner(p, jobs, dryRun)
		if err != nil {
			return err
		}
		defer done()

		run := runner.NewRun(ref, jobs)
		err = r.Execute(ctx, run)
		printSummary(run)
		return err
	},
}

func printSummary(run *runner.Run) {
	colorstring.Printf("\n[bold]Run %s\n", run.ID)
	for _, job := range run.Jobs {
		status := job.Status()
		switch status.State {
		case runner.Done:
			colorstring.Printf("[green][bold]  ->[reset] %-32s %s\n", status.Target, status.Artifact)
		case runner.Failed:
			colorstring.Printf("[red][bold]  ->[reset] %-32s %s\n", status.Target, status.Kind)
		default:
			colorstring.Printf("[yellow][bold]  ->[reset] %-32s %s\n", status.Target, status.State)
		}
	}
}

func init() {
	flags := runCmd.Flags()
	flags.String("ref", "", "pushed ref (default: the pipeline branch)")
	flags.StringSlice("only", nil, "only run the jobs for these target triples")
	flags.BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")

	rootCmd.AddCommand(runCmd)
}
