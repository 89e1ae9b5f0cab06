package appose

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvironmentCopiesInputs(t *testing.T) {
	binPaths := []string{"/opt/bin"}
	launchArgs := []string{"-u"}
	envVars := map[string]string{"FOO": "bar"}

	env := NewEnvironment("/opt/env", binPaths, launchArgs, envVars)
	binPaths[0] = "/mutated"
	envVars["FOO"] = "mutated"

	assert.Equal(t, "/opt/env", env.Base)
	assert.Equal(t, []string{"/opt/bin"}, env.BinPaths)
	assert.Equal(t, []string{"-u"}, env.LaunchArgs)
	assert.Equal(t, "bar", env.EnvVars["FOO"])
}

func TestLoadEnvironmentResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	descriptor := []byte(`
base: .
binPaths:
  - bin
launchArgs:
  - -u
envVars:
  PYTHONUNBUFFERED: "1"
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "environment.yaml"), descriptor, 0o644))

	env, err := LoadEnvironment(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, env.Base)
	assert.Equal(t, []string{filepath.Join(dir, "bin")}, env.BinPaths)
	assert.Equal(t, []string{"-u"}, env.LaunchArgs)
	assert.Equal(t, "1", env.EnvVars["PYTHONUNBUFFERED"])
}

func TestLoadEnvironmentMissingBaseFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "environment.yaml"), []byte("binPaths: []\n"), 0o644))

	_, err := LoadEnvironment(dir)
	require.Error(t, err)
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestLoadEnvironmentMissingFileFails(t *testing.T) {
	_, err := LoadEnvironment(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
	var ioErr *IOError
	assert.ErrorAs(t, err, &ioErr)
}

func TestMergedEnvPrependsBinPathsAndOverridesVars(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("APPOSE_TEST_VAR", "original")

	env := mergedEnv([]string{"/env/bin"}, map[string]string{"APPOSE_TEST_VAR": "overridden"})

	var path, testVar string
	for _, kv := range env {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			path = kv[5:]
		}
		if len(kv) > 16 && kv[:16] == "APPOSE_TEST_VAR=" {
			testVar = kv[16:]
		}
	}
	assert.Contains(t, path, "/env/bin")
	assert.Equal(t, "overridden", testVar)
}

// TestNewServiceSpawnsLaunchArgsAsExecutable asserts the activation-wrapper
// use case: when LaunchArgs is non-empty, its first element must be the
// actual process launched, with the worker command appended after it —
// not the other way around.
func TestNewServiceSpawnsLaunchArgsAsExecutable(t *testing.T) {
	echoPath, err := exec.LookPath("echo")
	if err != nil {
		t.Skip("echo not available on PATH")
	}

	svc, err := newService(
		[]string{"myworker", "--flag"},
		nil,
		[]string{echoPath, "wrapper-arg"},
		nil,
	)
	require.NoError(t, err)
	defer svc.Close()

	assert.Equal(t, echoPath, svc.cmd.Path)
	assert.Equal(t, []string{echoPath, "wrapper-arg", "myworker", "--flag"}, svc.cmd.Args)
}
