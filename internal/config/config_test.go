package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	opts, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "listen_port: 7000\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(7000), opts.ListenPort)
	assert.Equal(t, "debug", opts.LogLevel)
	assert.Equal(t, DefaultOptions().DownloadDir, opts.DownloadDir)
}

func TestValidateRejectsEmptyDirs(t *testing.T) {
	opts := DefaultOptions()
	opts.DownloadDir = ""
	assert.Error(t, opts.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
}
