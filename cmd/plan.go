package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fornjot/matrixbuild/pkg/staging"
	"github.com/fornjot/matrixbuild/pkg/toolchain"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the expanded build matrix",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		p, jobs, err := loadPipeline(ctx)
		if err != nil {
			return err
		}

		compilers, err := toolchain.NewSet(p, toolchain.Output{DryRun: true})
		if err != nil {
			return err
		}

		fmt.Printf("Project %s, triggered by pushes to %s\n\n", p.Project, p.Branch)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tTARGET\tHOST\tCOMPILER\tARTIFACT")
		for _, job := range jobs {
			compiler, err := compilers.For(job)
			if err != nil {
				return err
			}

			artifact := staging.ArtifactName(p.Project, job.TargetTriple, job.HostOS.IsWindows())
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.ID(), job.TargetTriple, job.HostOS, compiler.Name(), artifact)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
}
