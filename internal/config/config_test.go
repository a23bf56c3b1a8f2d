package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.toml"), []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"-dir", t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Transport.Port)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, time.Minute, cfg.Quiz.Timeout.Duration())
	assert.True(t, cfg.Lua.Enabled)
	assert.False(t, cfg.MCP.Enabled)
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	writeTOML(t, dir, `
[transport]
port = 9100
host = "0.0.0.0"

[store]
type = "sqlite"
retry_delay = "10ms"

[quiz]
timeout = "30s"

[lua]
enabled = false
`)
	t.Setenv("CHATOPS_STORE", "postgresql")
	t.Setenv("CHATOPS_HOST", "10.0.0.1")

	cfg, err := Load([]string{"-dir", dir, "-port", "9200", "-lua"})
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Transport.Port, "flag beats toml")
	assert.Equal(t, "10.0.0.1", cfg.Transport.Host, "env beats toml")
	assert.Equal(t, "postgresql", cfg.Store.Type, "env beats toml")
	assert.Equal(t, 10*time.Millisecond, cfg.Store.RetryDelay.Duration())
	assert.Equal(t, 30*time.Second, cfg.Quiz.Timeout.Duration())
	assert.True(t, cfg.Lua.Enabled, "explicit flag beats toml")
	assert.Equal(t, dir, cfg.Dir)
}

func TestLoadUnsetBoolFlagKeepsTOML(t *testing.T) {
	dir := t.TempDir()
	writeTOML(t, dir, "[lua]\nenabled = false\n[mcp]\nenabled = true\n")
	cfg, err := Load([]string{"-dir", dir})
	require.NoError(t, err)
	assert.False(t, cfg.Lua.Enabled)
	assert.True(t, cfg.MCP.Enabled)
}

func TestLoadBadTOML(t *testing.T) {
	dir := t.TempDir()
	writeTOML(t, dir, "[quiz]\ntimeout = \"soon\"\n")
	_, err := Load([]string{"-dir", dir})
	assert.Error(t, err)
}

func TestLoadRejectsZeroRetry(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"attempts", "[store]\nretry_attempts = 0\n"},
		{"delay", "[store]\nretry_delay = \"0s\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTOML(t, dir, tt.toml)
			_, err := Load([]string{"-dir", dir})
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.NotValid), "%v", err)
		})
	}
}

func TestLoadBadFlag(t *testing.T) {
	_, err := Load([]string{"-dir", t.TempDir(), "-no-such-flag"})
	assert.Error(t, err)
}

func TestLoadArgs(t *testing.T) {
	cfg, rest, err := LoadArgs([]string{"-dir", t.TempDir(), "-store", "sqlite", "seed.yaml", "-port", "1"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, 8090, cfg.Transport.Port)
	assert.Equal(t, []string{"seed.yaml", "-port", "1"}, rest)
}

func TestVerbosity(t *testing.T) {
	tests := []struct {
		args []string
		want int
	}{
		{nil, 0},
		{[]string{"-v"}, 1},
		{[]string{"-vv"}, 2},
		{[]string{"-vvv"}, 3},
		{[]string{"-v", "-vv"}, 3},
	}
	for _, tt := range tests {
		cfg, err := Load(append([]string{"-dir", t.TempDir()}, tt.args...))
		require.NoError(t, err)
		assert.Equal(t, tt.want, cfg.Verbosity(), "%v", tt.args)
	}
}

func TestExpandVerbosityFlags(t *testing.T) {
	got := expandVerbosityFlags([]string{"-vvv", "-verbose", "-v", "x"})
	assert.Equal(t, []string{"-v", "-v", "-v", "-verbose", "-v", "x"}, got)
}

func TestResolvePath(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "commands/", cfg.ResolvePath("commands/"))
	cfg.Dir = "/srv/bot"
	assert.Equal(t, "/srv/bot/commands", cfg.ResolvePath("commands/"))
	assert.Equal(t, "/abs/bot.db", cfg.ResolvePath("/abs/bot.db"))
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	_, err := cfg.NewLogger()
	assert.Error(t, err)
	assert.NotNil(t, cfg.Logger(), "broken logging falls back to a no-op logger")

	cfg = DefaultConfig()
	cfg.Logging.JSON = true
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
