package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fornjot/matrixbuild/pkg/pipeline"
	"github.com/fornjot/matrixbuild/pkg/staging"
	"github.com/fornjot/matrixbuild/pkg/toolchain"
)

var stageCmd = &cobra.Command{
	Use:   "stage <target triple> <host os>",
	Short: "Stage an already compiled binary",
	Long: `Renames the release binary of the given target to <project>-<target>[.exe] and marks it executable.
Staging the same target again is safe.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		flags := cmd.Flags()

		targetDir, err := flags.GetString("target-dir")
		if err != nil {
			return err
		}
		dest, err := flags.GetString("dest")
		if err != nil {
			return err
		}
		doPublish, err := flags.GetBool("publish")
		if err != nil {
			return err
		}

		p, _, err := loadPipeline(ctx)
		if err != nil {
			return err
		}

		hostOS, err := pipeline.ParseHostOS(args[1])
		if err != nil {
			return err
		}
		job := pipeline.JobSpec{TargetTriple: args[0], HostOS: hostOS}

		if targetDir == "" {
			targetDir = filepath.Join(p.Source, p.Build.TargetDir)
		}
		src := toolchain.BinaryPath(p, job, toolchain.Workspace{Source: p.Source, TargetDir: targetDir})

		ref, err := staging.Stage(ctx, p.Project, job, src, dest)
		if err != nil {
			return err
		}

		if doPublish {
			store, err := openStore(p)
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.Publish(ctx, ref, "manual"); err != nil {
				return err
			}
		}

		fmt.Println(ref.LocalPath)
		return nil
	},
}

func init() {
	flags := stageCmd.Flags()
	flags.String("target-dir", "", "cargo target directory (default: <source>/<build.target_dir>)")
	flags.String("dest", "dist", "directory that receives the staged binary")
	flags.Bool("publish", false, "publish the staged binary to the artifact store")

	rootCmd.AddCommand(stageCmd)
}
