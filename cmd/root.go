package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fornjot/matrixbuild/pkg/buildlog"
	"github.com/fornjot/matrixbuild/pkg/config"
)

var (
	settings *config.Settings
	logger   zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "matrixbuild",
	Short: "Builds release binaries for a matrix of target triples",
	Long: `matrixbuild reads a pipeline definition (pipeline.yml or a .star script), expands its build matrix
and compiles, stages and publishes one release binary per target triple.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "settings file (default "+config.DefaultFile+")")
	flags.StringP("pipeline", "p", "", "pipeline definition")
	flags.String("workspace", "", "directory for per-job workspaces")
	flags.String("store", "", "directory of the local artifact store")
	flags.IntP("parallel", "j", 0, "maximum number of concurrent jobs")
	flags.String("log-level", "", "trace, debug, info, warn or error")
	flags.Bool("log-json", false, "log JSON events instead of console messages")
}

// applyFlags overrides the loaded settings with every flag that was explicitly passed
func applyFlags(cmd *cobra.Command, cfg *config.Settings) error {
	flags := cmd.Flags()
	var err error

	if flags.Changed("pipeline") {
		if cfg.Pipeline, err = flags.GetString("pipeline"); err != nil {
			return err
		}
	}
	if flags.Changed("workspace") {
		if cfg.Workspace, err = flags.GetString("workspace"); err != nil {
			return err
		}
	}
	if flags.Changed("store") {
		if cfg.Store.Dir, err = flags.GetString("store"); err != nil {
			return err
		}
	}
	if flags.Changed("parallel") {
		if cfg.Parallel, err = flags.GetInt("parallel"); err != nil {
			return err
		}
	}
	if flags.Changed("log-level") {
		if cfg.Log.Level, err = flags.GetString("log-level"); err != nil {
			return err
		}
	}
	if flags.Changed("log-json") {
		if cfg.Log.JSON, err = flags.GetBool("log-json"); err != nil {
			return err
		}
	}

	return nil
}

func setup(cmd *cobra.Command, args []string) error {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, loader := config.Loader(file)
	if err := loader.Load(); err != nil {
		return err
	}

	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Log.JSON {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(NewConsoleWriter(os.Stderr))
	}
	logger = logger.Level(cfg.LogLevel())

	settings = cfg
	return nil
}

// commandContext returns the command's context with the configured logger attached
func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return buildlog.WithLogger(ctx, &logger)
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	stop()
	cobra.CheckErr(err)
}
