package orchestration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkerrors "github.com/loykin/portkill/internal/errors"
	"github.com/loykin/portkill/internal/graph"
)

func writeDoc(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_Full(t *testing.T) {
	dir := t.TempDir()
	p := writeDoc(t, dir, ".port-kill.yaml", `
version: "1"
env:
  NODE_ENV: development
  DEBUG: "true"
services:
  db:
    command: postgres -D data
    port: 5432
    startup_delay: 3
  api:
    command: go run ./cmd/api
    port: 8080
    dir: api
    depends_on: [db]
    healthcheck: curl -f localhost:8080
    healthcheck_timeout: 5
    auto_restart: true
    env:
      PORT: "8080"
`)
	doc, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "1", doc.Version)
	assert.Equal(t, "true", doc.Env["DEBUG"])
	assert.Equal(t, []string{"api", "db"}, doc.Names())

	api, err := doc.Service("api")
	require.NoError(t, err)
	assert.Equal(t, 8080, api.Port)
	assert.Equal(t, []string{"db"}, api.DependsOn)
	assert.Equal(t, 5*time.Second, api.HealthTimeout)
	assert.True(t, api.AutoRestart)
	assert.Equal(t, "8080", api.Env["PORT"])
	assert.Equal(t, filepath.Join(dir, "api"), doc.WorkDir(api))

	db, _ := doc.Service("db")
	assert.Equal(t, 3*time.Second, db.StartupDelay)
	assert.Equal(t, DefaultHealthTimeout, db.HealthTimeout)
	assert.Equal(t, dir, doc.WorkDir(db))

	order, err := graph.Resolve(doc.Graph())
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "api"}, order)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"no services", "version: \"1\"\n"},
		{"unknown key", "services:\n  a:\n    command: x\n    replicas: 2\n"},
		{"missing command", "services:\n  a:\n    port: 1\n"},
		{"bad port", "services:\n  a:\n    command: x\n    port: 70000\n"},
		{"negative delay", "services:\n  a:\n    command: x\n    startup_delay: -1\n"},
		{"unknown dependency", "services:\n  a:\n    command: x\n    depends_on: [ghost]\n"},
		{"cycle", "services:\n  a:\n    command: x\n    depends_on: [b]\n  b:\n    command: y\n    depends_on: [a]\n"},
		{"malformed", "services: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body), "/tmp/port-kill.yaml")
			require.Error(t, err)
			assert.True(t, pkerrors.IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.True(t, pkerrors.IsConfigurationError(err))
}

func TestServiceNotFound(t *testing.T) {
	doc, err := Parse([]byte("services:\n  a:\n    command: x\n"), "")
	require.NoError(t, err)
	_, err = doc.Service("b")
	assert.True(t, pkerrors.IsNotFoundError(err))
	assert.Equal(t, ".", doc.WorkDir(doc.Services["a"]))
}

func TestFindDefault_Order(t *testing.T) {
	dir := t.TempDir()
	_, err := FindDefault(dir)
	require.Error(t, err)

	writeDoc(t, dir, "port-kill.yml", "services:\n  a:\n    command: x\n")
	p, err := FindDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "port-kill.yml"), p)

	writeDoc(t, dir, ".port-kill.yaml", "services:\n  b:\n    command: y\n")
	doc, err := LoadDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, doc.Names())
}

func TestWriteSample(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".port-kill.yaml")
	require.NoError(t, WriteSample(p, false))

	doc, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"backend", "database", "frontend"}, doc.Names())
	order, err := graph.Resolve(doc.Graph())
	require.NoError(t, err)
	assert.Equal(t, []string{"database", "backend", "frontend"}, order)

	err = WriteSample(p, false)
	assert.True(t, pkerrors.IsConfigurationError(err))
	require.NoError(t, WriteSample(p, true))
}
