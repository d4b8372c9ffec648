package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyport/polyport/pkg/config"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	return buf.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polyport.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "polyport")
}

func TestVersionCommandJSON(t *testing.T) {
	out, err := runCommand(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version"`)
	jsonOutput = false
}

func TestValidateCommandValidFile(t *testing.T) {
	path := writeConfig(t, "host: 127.0.0.1\nport: 9000\n")
	out, err := runCommand(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "127.0.0.1:9000")
}

func TestValidateCommandInvalidPort(t *testing.T) {
	path := writeConfig(t, "port: 123456\n")
	_, err := runCommand(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid")
}

func TestValidateCommandMissingFile(t *testing.T) {
	_, err := runCommand(t, "validate", "/nonexistent/polyport.yaml")
	require.Error(t, err)
}

func TestLoadServeConfigFlagOverrides(t *testing.T) {
	path := writeConfig(t, "host: 0.0.0.0\nport: 9000\nlogging:\n  level: warn\n")

	cfg, err := loadServeConfig(&serveFlags{
		configFile: path,
		port:       3000,
		detectGzip: true,
		bufferSize: 128,
	})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 3000, cfg.Port)
	assert.True(t, cfg.Detect.Gzip)
	assert.False(t, cfg.Detect.TLS)
	assert.Equal(t, 128, cfg.Queue.BufferSize)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadServeConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := loadServeConfig(&serveFlags{bufferSize: -1})
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestLoadServeConfigRejectsBadPolicy(t *testing.T) {
	_, err := loadServeConfig(&serveFlags{policy: "sometimes", bufferSize: -1})
	assert.ErrorIs(t, err, config.ErrInvalidPolicy)
}
