// Package config holds the tool settings of matrixbuild. The pipeline definition itself lives in package pipeline.
package config

import (
	"os"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultFile is read from the working directory if it exists
const DefaultFile = "matrixbuild.toml"

// Settings describes all tool options
type Settings struct {
	Pipeline  string `default:"pipeline.yml" usage:"Pipeline definition (.yml, .yaml or .star)"`
	Workspace string `default:".matrixbuild/work" usage:"Directory for per-job workspaces"`
	Parallel  int    `default:"0" usage:"Maximum number of concurrent jobs (0 runs every matrix row at once)"`
	Log       struct {
		Level string `default:"info"`
		JSON  bool   `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
	Store struct {
		Dir string `default:".matrixbuild/artifacts" usage:"Directory of the local artifact store"`
	}
	HTTP struct {
		Address string `default:"127.0.0.1:8090" usage:"Address the webhook server listens on"`
	}
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty settings object and returns a new Loader for it. Command line flags are handled by
// cobra so aconfig only looks at defaults, the TOML file and MATRIXBUILD_* environment variables.
func Loader(file string) (*Settings, *aconfig.Loader) {
	cfg := Settings{}
	files := []string{}
	if file == "" {
		file = DefaultFile
	}
	if _, err := os.Stat(file); err == nil {
		files = append(files, file)
	}

	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		EnvPrefix: "MATRIXBUILD",
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the settings from file (or DefaultFile) and the environment and validates them
func Load(file string) (*Settings, error) {
	cfg, loader := Loader(file)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load settings")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all fields have valid values
func (cfg *Settings) Validate() error {
	if _, ok := logLevels[cfg.Log.Level]; !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Parallel < 0 {
		return eris.Errorf(`Invalid value for parallel: %d (must be 0 or more)`, cfg.Parallel)
	}

	if cfg.Pipeline == "" {
		return eris.New(`pipeline must not be empty`)
	}

	if cfg.Workspace == "" || cfg.Store.Dir == "" {
		return eris.New(`workspace and store.dir must not be empty`)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Settings) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}
