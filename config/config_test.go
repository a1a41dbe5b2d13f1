package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vdiext.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
image = "/images/disk.vdi"
partition = 1
read_only = true
log_format = "json"
`)
	c, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, &Config{
		Image:     "/images/disk.vdi",
		Partition: 1,
		ReadOnly:  true,
		LogLevel:  "warning",
		LogFormat: "json",
	}, c)
}

func TestLoadMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.toml")

	c, err := Load(missing, false)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	_, err = Load(missing, true)
	assert.ErrorIs(t, err, os.ErrNotExist)

	c, err = Load("", true)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load(writeConfig(t, `partition = "one"`), true)
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `partiton = 1`), true)
	var uk *UnknownKeyError
	require.ErrorAs(t, err, &uk)
	assert.Equal(t, "partiton", uk.Key)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvVar, "/etc/vdiext.toml")
	assert.Equal(t, "/etc/vdiext.toml", DefaultPath())

	if runtime.GOOS != "linux" {
		t.Skip("XDG_CONFIG_HOME is only consulted on Linux")
	}
	t.Setenv(EnvVar, "")
	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	t.Setenv("HOME", "/home/u")
	assert.Equal(t, "/cfg/vdiext.toml", DefaultPath())
}
