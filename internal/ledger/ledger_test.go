package ledger

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkerrors "github.com/loykin/portkill/internal/errors"
	"github.com/loykin/portkill/internal/history"
)

var fixed = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func openTemp(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "restart-history.json")
	opts = append(opts, withClock(func() time.Time { return fixed }))
	g, err := Open(path, opts...)
	require.NoError(t, err)
	return g
}

func TestRecordTokenizesAndPersists(t *testing.T) {
	t.Setenv("NODE_ENV", "development")
	t.Setenv("PORTKILL_NOT_CAPTURED", "x")
	g := openTemp(t)

	require.NoError(t, g.Record(3000, "npm run dev", "/app"))
	r, ok := g.Get(3000)
	require.True(t, ok)
	assert.Equal(t, []string{"npm", "run", "dev"}, r.Command)
	assert.Equal(t, "/app", r.WorkingDirectory)
	assert.Equal(t, "development", r.Env["NODE_ENV"])
	assert.NotContains(t, r.Env, "PORTKILL_NOT_CAPTURED")
	assert.Equal(t, fixed, r.LastUpdated)

	data, err := os.ReadFile(g.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"3000": {`)
	assert.Contains(t, string(data), `"working_directory": "/app"`)
}

func TestRecordReplacesWholesale(t *testing.T) {
	g := openTemp(t)
	require.NoError(t, g.Record(3000, "npm run dev", "/app"))
	require.NoError(t, g.Record(3000, "yarn start", "/other"))

	r, _ := g.Get(3000)
	assert.Equal(t, []string{"yarn", "start"}, r.Command)
	assert.Equal(t, "/other", r.WorkingDirectory)
	assert.Equal(t, []int{3000}, g.Ports())
}

func TestRecordEmptyCommand(t *testing.T) {
	g := openTemp(t)
	err := g.Record(3000, "   ", "/app")
	require.Error(t, err)
	assert.True(t, pkerrors.IsConfigurationError(err))
	assert.Empty(t, g.Ports())
}

func TestRoundTrip(t *testing.T) {
	g := openTemp(t)
	require.NoError(t, g.Record(5000, `python "my app.py" --port 5000`, "/srv"))
	require.NoError(t, g.Record(3000, "npm run dev", "/app"))

	again, err := Open(g.Path())
	require.NoError(t, err)
	assert.Equal(t, g.All(), again.All())
	assert.Equal(t, []int{3000, 5000}, again.Ports())
}

func TestClearAndClearAll(t *testing.T) {
	g := openTemp(t)
	require.NoError(t, g.Record(3000, "npm run dev", "/app"))
	require.NoError(t, g.Record(4000, "go run .", "/svc"))

	require.NoError(t, g.Clear(3000))
	assert.False(t, g.CanRestart(3000))
	assert.True(t, g.CanRestart(4000))

	_, err := g.Restart(context.Background(), 3000)
	require.Error(t, err)
	assert.True(t, pkerrors.IsNotFoundError(err))

	require.NoError(t, g.ClearAll())
	assert.Empty(t, g.Ports())
	again, err := Open(g.Path())
	require.NoError(t, err)
	assert.Empty(t, again.Ports())
}

func TestTwoLedgersShareOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart-history.json")
	a, err := Open(path)
	require.NoError(t, err)
	b, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, a.Record(3000, "npm run dev", "/web"))
	require.NoError(t, b.Record(4000, "go run .", "/api"))
	assert.Equal(t, []int{3000, 4000}, a.Ports())

	require.NoError(t, a.Clear(4000))
	r, ok := b.Get(3000)
	require.True(t, ok)
	assert.Equal(t, "/web", r.WorkingDirectory)
	assert.False(t, b.CanRestart(4000))

	c, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3000}, c.Ports())
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart-history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, pkerrors.IsIOError(err))
}

func TestSaveFailureKeepsPreviousMap(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("directory permissions differ on windows")
	}
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	g, err := Open(filepath.Join(dir, "restart-history.json"))
	require.NoError(t, err)
	require.NoError(t, g.Record(3000, "npm run dev", "/app"))

	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o750) })

	err = g.Record(4000, "go run .", "/svc")
	require.Error(t, err)
	assert.True(t, pkerrors.IsIOError(err))
	assert.Equal(t, []int{3000}, g.Ports())
}

func TestRestartSpawnsInRecordedDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	work := t.TempDir()
	mem := history.NewMemory()
	g := openTemp(t, WithRecorder(history.NewRecorder(mem, nil)))
	require.NoError(t, g.RecordArgv(3000, []string{"/bin/sh", "-c", "pwd > marker"}, work))

	pid, err := g.Restart(context.Background(), 3000)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	marker := filepath.Join(work, "marker")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(marker)
		return err == nil && strings.TrimSpace(string(data)) != ""
	}, 3*time.Second, 20*time.Millisecond)

	data, _ := os.ReadFile(marker)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(data)))
	want, _ := filepath.EvalSymlinks(work)
	assert.Equal(t, want, got)

	ev := mem.Events()
	require.Len(t, ev, 1)
	assert.Equal(t, history.EventLedgerRestart, ev[0].Type)
	assert.Equal(t, pid, ev[0].PID)
}
