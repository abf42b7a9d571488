package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/daybook/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper and shared deps
	viper.Reset()
	setDefaults(dir)
	viper.Set("credential.keyring", false)
	viper.Set("credential.gh_cli", false)

	if dataStore != nil {
		_ = dataStore.Close()
	}
	dataStore = nil
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	t.Cleanup(func() {
		if dataStore != nil {
			_ = dataStore.Close()
			dataStore = nil
		}
	})

	// Initialize output, captured
	ui = &output.UI{Out: &bytes.Buffer{}, ErrOut: &bytes.Buffer{}}

	return dir
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err, "config file should exist")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "daybook configuration")
	assert.Contains(t, string(data), "conflict_retries: 1")
	assert.Contains(t, string(data), "interval: 15m0s")
	assert.Contains(t, string(data), "# Token sources, tried in order")

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(data, &parsed), "generated config must be valid YAML")
	sync, ok := parsed["sync"].(map[string]any)
	require.True(t, ok, "sync settings are nested under their section")
	assert.Equal(t, 1, sync["conflict_retries"])
	assert.Equal(t, 8484, parsed["serve"].(map[string]any)["port"])
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "daybook configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigShow_WithFile(t *testing.T) {
	testEnv(t)

	// Create config first
	require.NoError(t, configInitRun())

	err := configShowRun()
	assert.NoError(t, err)
	out := ui.Out.(*bytes.Buffer).String()
	assert.Contains(t, out, "(file)")
	assert.NotContains(t, out, "(default)", "init writes every listed key")
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)

	// Unset EDITOR and VISUAL
	origEditor := os.Getenv("EDITOR")
	origVisual := os.Getenv("VISUAL")
	_ = os.Unsetenv("EDITOR")
	_ = os.Unsetenv("VISUAL")
	t.Cleanup(func() {
		if origEditor != "" {
			_ = os.Setenv("EDITOR", origEditor)
		}
		if origVisual != "" {
			_ = os.Setenv("VISUAL", origVisual)
		}
	})

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)

	_ = os.Setenv("EDITOR", "echo") // harmless command
	t.Cleanup(func() { _ = os.Unsetenv("EDITOR") })

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDetectSource(t *testing.T) {
	file := map[string]any{"log": map[string]any{"level": "debug"}}

	t.Setenv("DAYBOOK_SERVE_PORT", "9999")
	assert.Equal(t, "(env: DAYBOOK_SERVE_PORT)", detectSource("serve.port", file))
	assert.Equal(t, "(file)", detectSource("log.level", file))
	assert.Equal(t, "(default)", detectSource("log.format", file))
	assert.Equal(t, "(default)", detectSource("db_path", nil))
}

func TestFileHasKey(t *testing.T) {
	file := map[string]any{
		"state_dir": "/tmp/x",
		"remote":    map[string]any{"timeout": "10s"},
	}

	assert.True(t, fileHasKey(file, "state_dir"))
	assert.True(t, fileHasKey(file, "remote.timeout"))
	assert.False(t, fileHasKey(file, "remote.api_url"))
	assert.False(t, fileHasKey(file, "state_dir.nested"))
	assert.False(t, fileHasKey(nil, "sync.interval"))
}

func TestEnvVarFor(t *testing.T) {
	assert.Equal(t, "DAYBOOK_SYNC_CONFLICT_RETRIES", envVarFor("sync.conflict_retries"))
	assert.Equal(t, "DAYBOOK_DB_PATH", envVarFor("db_path"))
}

func TestConfigSections_CoverDefaults(t *testing.T) {
	testEnv(t)

	listed := map[string]bool{}
	for _, sec := range configSections {
		for _, k := range sec.Keys {
			assert.False(t, listed[k.Key], "duplicate key %s", k.Key)
			listed[k.Key] = true
		}
	}
	for _, key := range viper.AllKeys() {
		assert.True(t, listed[key], "default %s missing from config sections", key)
	}
}

func TestConfigInit_DryRun(t *testing.T) {
	dir := testEnv(t)
	dryRun = true
	ui.DryRun = true
	defer func() { dryRun = false }()

	err := configInitRun()
	require.NoError(t, err)

	// File should NOT have been created
	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.True(t, os.IsNotExist(err), "config file should not exist in dry-run mode")
}

func TestConfigShow_ListsKeys(t *testing.T) {
	testEnv(t)
	t.Setenv("DAYBOOK_SERVE_PORT", "9999")

	require.NoError(t, configShowRun())
	out := ui.Out.(*bytes.Buffer).String()
	assert.Contains(t, out, "sync.conflict_retries")
	assert.Contains(t, out, "(env: DAYBOOK_SERVE_PORT)")
}
