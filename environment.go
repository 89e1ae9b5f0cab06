package appose

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment is a resolved, already-built language runtime: a base
// directory, a set of directories to prepend to PATH, launch arguments
// placed before the worker command (e.g. an activation wrapper such as
// "pixi run", whose first element becomes the executable), and extra
// environment variables. Building an environment
// (installing interpreters, resolving package managers, unpacking
// archives) is out of scope here; Environment only describes one that
// already exists on disk.
type Environment struct {
	Base       string
	BinPaths   []string
	LaunchArgs []string
	EnvVars    map[string]string
}

// descriptor is the on-disk shape of environment.yaml: a minimal,
// already-resolved manifest, not a build recipe. Following
// GandalftheGUI-grove's internal/daemon/project.go pattern of a
// yaml.v3-decoded config struct, generalized to Appose's environment
// descriptor instead of grove's git-worktree project config.
type descriptor struct {
	Base       string            `yaml:"base"`
	BinPaths   []string          `yaml:"binPaths"`
	LaunchArgs []string          `yaml:"launchArgs"`
	EnvVars    map[string]string `yaml:"envVars"`
}

// NewEnvironment constructs an Environment directly from its fields,
// without reading a descriptor file. binPaths and launchArgs may be
// relative to base; callers that need absolute paths should resolve
// them before calling.
func NewEnvironment(base string, binPaths, launchArgs []string, envVars map[string]string) *Environment {
	return &Environment{
		Base:       base,
		BinPaths:   append([]string{}, binPaths...),
		LaunchArgs: append([]string{}, launchArgs...),
		EnvVars:    copyEnvVars(envVars),
	}
}

func copyEnvVars(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// LoadEnvironment reads an environment.yaml descriptor from path (a
// directory containing environment.yaml, or the file itself) and
// resolves BinPaths relative to the descriptor's base directory.
func LoadEnvironment(path string) (*Environment, error) {
	descPath := path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		descPath = filepath.Join(path, "environment.yaml")
	}

	data, err := os.ReadFile(descPath)
	if err != nil {
		return nil, &IOError{Op: "read environment descriptor " + descPath, Err: err}
	}

	var d descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, &DecodeError{Reason: "parse environment descriptor " + descPath, Err: err}
	}
	if d.Base == "" {
		return nil, &DecodeError{Reason: fmt.Sprintf("environment descriptor %s missing base", descPath)}
	}

	base := d.Base
	if !filepath.IsAbs(base) {
		base = filepath.Join(filepath.Dir(descPath), base)
	}

	binPaths := make([]string, len(d.BinPaths))
	for i, p := range d.BinPaths {
		if filepath.IsAbs(p) {
			binPaths[i] = p
		} else {
			binPaths[i] = filepath.Join(base, p)
		}
	}

	return &Environment{
		Base:       base,
		BinPaths:   binPaths,
		LaunchArgs: append([]string{}, d.LaunchArgs...),
		EnvVars:    copyEnvVars(d.EnvVars),
	}, nil
}

// Service spawns workerCmd as a child process configured with this
// environment's PATH prefix, launch arguments, and environment
// variables.
func (e *Environment) Service(workerCmd []string, opts ...ServiceOption) (*Service, error) {
	return newService(workerCmd, e.BinPaths, e.LaunchArgs, e.EnvVars, opts...)
}
