package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testHome = "/home/testuser"

func TestDefaultConfigDir_NonEmpty(t *testing.T) {
	dir := DefaultConfigDir()
	assert.NotEmpty(t, dir)
	assert.True(t, strings.Contains(dir, appName))
}

func TestDefaultDataDir_NonEmpty(t *testing.T) {
	dir := DefaultDataDir()
	assert.NotEmpty(t, dir)
	assert.True(t, strings.Contains(dir, appName))
}

func TestDefaultConfigPath_EndsWithConfigToml(t *testing.T) {
	path := DefaultConfigPath()
	assert.NotEmpty(t, path)
	assert.True(t, strings.HasSuffix(path, "config.toml"))
}

func TestDefaultDBPath_InDataDir(t *testing.T) {
	assert.Equal(t, filepath.Join(DefaultDataDir(), "syncd.db"), DefaultDBPath())
}

func TestDefaultConfigDir_MacOS(t *testing.T) {
	if runtime.GOOS != platformDarwin {
		t.Skip("macOS-only test")
	}

	assert.Contains(t, DefaultConfigDir(), "Library/Application Support")
}

func TestLinuxConfigDir_XDGOverride(t *testing.T) {
	xdgDir := "/custom/config"

	t.Setenv("XDG_CONFIG_HOME", xdgDir)
	assert.Equal(t, filepath.Join(xdgDir, appName), linuxConfigDir(testHome))
}

func TestLinuxConfigDir_DefaultFallback(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	os.Unsetenv("XDG_CONFIG_HOME")
	assert.Equal(t, filepath.Join(testHome, ".config", appName), linuxConfigDir(testHome))
}

func TestLinuxDataDir_XDGOverride(t *testing.T) {
	xdgDir := "/custom/data"

	t.Setenv("XDG_DATA_HOME", xdgDir)
	assert.Equal(t, filepath.Join(xdgDir, appName), linuxDataDir(testHome))
}

func TestLinuxDataDir_DefaultFallback(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	os.Unsetenv("XDG_DATA_HOME")
	assert.Equal(t, filepath.Join(testHome, ".local", "share", appName), linuxDataDir(testHome))
}
