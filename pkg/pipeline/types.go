package pipeline

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// HostOS is the operating system family a job builds on
type HostOS string

const (
	Linux   HostOS = "linux"
	MacOS   HostOS = "macos"
	Windows HostOS = "windows"
)

// ParseHostOS accepts the plain family names as well as runner labels like "ubuntu-latest" or "windows-2022".
func ParseHostOS(value string) (HostOS, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return Linux, nil
	}

	family := value
	if pos := strings.Index(value, "-"); pos > -1 {
		family = value[:pos]
	}

	switch family {
	case "linux", "ubuntu":
		return Linux, nil
	case "macos", "darwin", "osx":
		return MacOS, nil
	case "windows", "win":
		return Windows, nil
	}

	return "", eris.Errorf("unknown host OS %q (expected linux, macos or windows)", value)
}

// IsWindows reports whether binaries built on this host carry the .exe suffix
func (o HostOS) IsWindows() bool {
	return o == Windows
}

// GOOS maps the host family to the matching runtime.GOOS value
func (o HostOS) GOOS() string {
	if o == MacOS {
		return "darwin"
	}
	return string(o)
}

// ConflictPolicy decides what publishing does when an artifact with the same name already exists
type ConflictPolicy string

const (
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictError     ConflictPolicy = "error"
	ConflictVersion   ConflictPolicy = "version"
)

// Emulation drivers used for rows with cross: true
const (
	DriverCross  = "cross"
	DriverDocker = "docker"
)

// Row is a single entry of the build matrix as written in the pipeline file
type Row struct {
	Target string            `yaml:"target"`
	OS     string            `yaml:"os"`
	Cross  bool              `yaml:"cross"`
	Env    map[string]string `yaml:"env,omitempty"`
}

// JobSpec is one expanded matrix row. It is never modified after Expand returns it.
type JobSpec struct {
	Index        int
	TargetTriple string
	HostOS       HostOS
	UseCross     bool
	Env          map[string]string
}

// ID returns a short identifier that is unique within a run
func (j JobSpec) ID() string {
	return fmt.Sprintf("%02d-%s", j.Index, j.TargetTriple)
}

func (j JobSpec) String() string {
	mode := "native"
	if j.UseCross {
		mode = "cross"
	}
	return fmt.Sprintf("<Job %s on %s (%s)>", j.TargetTriple, j.HostOS, mode)
}

// Toolchain describes how a toolchain for a target triple is acquired
type Toolchain struct {
	Setup      []string `yaml:"setup"`
	Version    string   `yaml:"version,omitempty"`
	VersionCmd string   `yaml:"version_cmd,omitempty"`
}

// Build holds the compiler command templates
type Build struct {
	Native    string `yaml:"native"`
	Cross     string `yaml:"cross"`
	TargetDir string `yaml:"target_dir,omitempty"`
}

// Emulation configures the layer that compiles rows with cross: true
type Emulation struct {
	Driver string `yaml:"driver"`
	Image  string `yaml:"image,omitempty"`
}

// Publish configures the artifact publisher
type Publish struct {
	OnConflict ConflictPolicy `yaml:"on_conflict"`
}

// Pipeline is the pipeline-wide configuration. It is loaded once at startup and only read afterwards.
type Pipeline struct {
	Project   string            `yaml:"project"`
	Branch    string            `yaml:"branch"`
	Binary    string            `yaml:"binary,omitempty"`
	Source    string            `yaml:"source,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Toolchain Toolchain         `yaml:"toolchain"`
	Build     Build             `yaml:"build"`
	Emulation Emulation         `yaml:"emulation"`
	Publish   Publish           `yaml:"publish"`
	Matrix    []Row             `yaml:"matrix"`
}

// Vars returns the template variables available to command templates for the given job
func (p *Pipeline) Vars(job JobSpec) map[string]string {
	return map[string]string{
		"target":  job.TargetTriple,
		"project": p.Project,
		"binary":  p.Binary,
		"os":      string(job.HostOS),
	}
}
