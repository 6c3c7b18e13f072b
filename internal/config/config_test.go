package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, home, s.Home)
	assert.Equal(t, DefaultGuardInterval, s.Guard.Interval)
	assert.Equal(t, DefaultGuardGrace, s.Guard.Grace)
	assert.Equal(t, "info", s.Log.Level)
	assert.True(t, s.Metrics.Enabled)
	assert.Empty(t, s.File)
}

func TestLoad_File(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	data := `
log:
  level: debug
  format: json
guard:
  interval: 5s
  grace: 1s
  ports: [3000, 8080]
  rules:
    "3000": node
    "5432": "*"
history:
  dsn: sqlite://history.db
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "config.yaml"), s.File)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, "json", s.Log.Format)
	assert.Equal(t, 5*time.Second, s.Guard.Interval)
	assert.Equal(t, time.Second, s.Guard.Grace)
	assert.Equal(t, "sqlite://history.db", s.History.DSN)

	rules, err := s.Guard.ParsedRules()
	require.NoError(t, err)
	assert.Equal(t, map[int]string{3000: "node", 5432: ""}, rules)
	assert.Equal(t, []int{3000, 5432, 8080}, s.Guard.WatchedPorts())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Setenv("PORTKILL_LOG_LEVEL", "warn")
	t.Setenv("PORTKILL_GUARD_INTERVAL", "250ms")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", s.Log.Level)
	assert.Equal(t, 250*time.Millisecond, s.Guard.Interval)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, pkerrors.IsConfigurationError(err))
}

func TestLoad_BadRulePort(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	file := filepath.Join(home, "custom.yaml")
	if err := os.WriteFile(file, []byte("guard:\n  rules:\n    abc: node\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(file)
	require.Error(t, err)
	assert.True(t, pkerrors.IsConfigurationError(err))
}

func TestPaths(t *testing.T) {
	p := NewPaths("/var/lib/pk")
	assert.Equal(t, "/var/lib/pk/restart-history.json", p.Ledger)
	assert.Equal(t, "/var/lib/pk/history.db", p.History)
	assert.Equal(t, "/var/lib/pk/logs", p.Logs)

	dir := filepath.Join(t.TempDir(), "state")
	require.NoError(t, NewPaths(dir).Ensure())
	fi, err := os.Stat(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestResolveHome(t *testing.T) {
	t.Setenv(HomeEnv, "/custom/home")
	assert.Equal(t, "/custom/home", ResolveHome())

	t.Setenv(HomeEnv, "")
	assert.NotEmpty(t, ResolveHome())
}
