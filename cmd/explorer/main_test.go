package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-level", "silent"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestTransformsList(t *testing.T) {
	out, err := runCLI(t, "transforms", "list")
	require.NoError(t, err)
	for _, name := range []string{"identity", "invert", "downsample", "gaussian_blur"} {
		assert.Contains(t, out, name+"\n")
	}
}

func TestTransformsDescribe(t *testing.T) {
	out, err := runCLI(t, "transforms", "describe", "gaussian_blur")
	require.NoError(t, err)
	assert.Contains(t, out, "PARAMETER")

	out, err = runCLI(t, "transforms", "describe", "invert")
	require.NoError(t, err)
	assert.Contains(t, out, "takes no parameters")

	_, err = runCLI(t, "transforms", "describe", "warp")
	assert.Error(t, err)
}

func TestConfigInitThenShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "explorer", "config.toml")
	out, err := runCLI(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = runCLI(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")

	t.Setenv("HF_TOKEN", "secret-token")
	out, err = runCLI(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[inference]")
	assert.Contains(t, out, "<redacted>")
	assert.NotContains(t, out, "secret-token")
}

func TestInvalidLogLevel(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--log-level", "loud", "transforms", "list"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
