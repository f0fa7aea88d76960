package pipeline

import (
	"path/filepath"
	"regexp"

	"github.com/rotisserie/eris"
)

const (
	DefaultBranch      = "main"
	DefaultSetup       = "rustup target add {target}"
	DefaultVersionCmd  = "rustc --version"
	DefaultNativeBuild = "cargo build --release --target {target}"
	DefaultCrossBuild  = "cross build --release --target {target}"
	DefaultImage       = "ghcr.io/cross-rs/{target}:main"
	DefaultTargetDir   = "target"
)

var varMatcher = regexp.MustCompile(`\{([a-z_]+)\}`)

// Render replaces {name} placeholders with the matching entry of vars. Unknown placeholders are kept as they are.
func Render(tmpl string, vars map[string]string) string {
	return varMatcher.ReplaceAllStringFunc(tmpl, func(match string) string {
		value, ok := vars[match[1:len(match)-1]]
		if ok {
			return value
		}
		return match
	})
}

// finish fills in defaults and checks everything except the matrix rows. base is the directory
// of the pipeline file; a relative source directory is resolved against it.
func (p *Pipeline) finish(base string) error {
	if p.Project == "" {
		return eris.New("project must not be empty")
	}

	if p.Branch == "" {
		p.Branch = DefaultBranch
	}

	if p.Binary == "" {
		p.Binary = p.Project
	}

	if p.Source == "" {
		p.Source = "."
	}
	if !filepath.IsAbs(p.Source) {
		p.Source = filepath.Join(base, p.Source)
	}
	p.Source = filepath.Clean(p.Source)

	if p.Env == nil {
		p.Env = map[string]string{}
	}

	if p.Toolchain.Setup == nil {
		p.Toolchain.Setup = []string{DefaultSetup}
	}
	if p.Toolchain.Version != "" && p.Toolchain.VersionCmd == "" {
		p.Toolchain.VersionCmd = DefaultVersionCmd
	}

	if p.Build.Native == "" {
		p.Build.Native = DefaultNativeBuild
	}
	if p.Build.Cross == "" {
		p.Build.Cross = DefaultCrossBuild
	}
	if p.Build.TargetDir == "" {
		p.Build.TargetDir = DefaultTargetDir
	}

	switch p.Emulation.Driver {
	case "":
		p.Emulation.Driver = DriverCross
	case DriverCross, DriverDocker:
	default:
		return eris.Errorf("invalid emulation driver %q (must be cross or docker)", p.Emulation.Driver)
	}
	if p.Emulation.Image == "" {
		p.Emulation.Image = DefaultImage
	}

	switch p.Publish.OnConflict {
	case "":
		p.Publish.OnConflict = ConflictOverwrite
	case ConflictOverwrite, ConflictError, ConflictVersion:
	default:
		return eris.Errorf("invalid value for publish.on_conflict: %s (must be overwrite, error or version)", p.Publish.OnConflict)
	}

	return nil
}
