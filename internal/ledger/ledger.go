// Package ledger persists respawn recipes for processes seen on watched
// ports so they can be restarted after being killed.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/portkill/internal/cmdline"
	"github.com/loykin/portkill/internal/env"
	pkerrors "github.com/loykin/portkill/internal/errors"
	"github.com/loykin/portkill/internal/history"
	"github.com/loykin/portkill/internal/metrics"
	"github.com/loykin/portkill/internal/process"
)

// CapturedEnv is the allow-list of variables copied from our own
// environment into every record.
var CapturedEnv = []string{
	"PATH",
	"NODE_ENV",
	"PYTHON_PATH",
	"PYTHONPATH",
	"GOPATH",
	"CARGO_HOME",
	"RUSTUP_HOME",
	"DATABASE_URL",
	"PORT",
	"HOST",
	"DEBUG",
}

// lockTimeout bounds how long a save waits for another portkill to release
// the ledger file.
const lockTimeout = 5 * time.Second

// Record is the recipe for respawning whatever occupied Port.
type Record struct {
	Port             int               `json:"port"`
	Command          []string          `json:"command"`
	WorkingDirectory string            `json:"working_directory"`
	Env              map[string]string `json:"env_vars"`
	LastUpdated      time.Time         `json:"last_restarted"`
}

// Ledger is a port-keyed set of records mirrored to a JSON file.
// The map value is never mutated in place; every change builds a new map
// that replaces the old one only once it is on disk.
type Ledger struct {
	path     string
	logger   *slog.Logger
	recorder *history.Recorder
	now      func() time.Time

	mu      sync.Mutex // serialises writers
	records map[int]Record
}

type Option func(*Ledger)

func WithLogger(l *slog.Logger) Option {
	return func(g *Ledger) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithRecorder sends a ledger_restart event for every respawn.
func WithRecorder(r *history.Recorder) Option {
	return func(g *Ledger) { g.recorder = r }
}

func withClock(now func() time.Time) Option {
	return func(g *Ledger) { g.now = now }
}

// Open returns the ledger stored at path, loading it when the file exists.
func Open(path string, opts ...Option) (*Ledger, error) {
	g := &Ledger{
		path:    path,
		logger:  slog.Default(),
		now:     time.Now,
		records: map[int]Record{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.load(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Ledger) Path() string { return g.path }

func (g *Ledger) load() error {
	records, err := g.read()
	if err != nil {
		return err
	}
	g.records = records
	return nil
}

// read parses the file as it is on disk now. A missing or empty file is an
// empty ledger.
func (g *Ledger) read() (map[int]Record, error) {
	records := map[int]Record{}
	data, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}
		return nil, pkerrors.NewIOError("read restart ledger", err).WithContext("path", g.path)
	}
	if len(data) == 0 {
		return records, nil
	}
	var raw map[string]Record
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, pkerrors.NewIOError("parse restart ledger", err).WithContext("path", g.path)
	}
	for key, r := range raw {
		port, err := strconv.Atoi(key)
		if err != nil {
			return nil, pkerrors.NewIOError(fmt.Sprintf("bad port key %q in restart ledger", key), err).
				WithContext("path", g.path)
		}
		r.Port = port
		records[port] = r
	}
	return records, nil
}

// snapshot returns the records as another portkill may have left them.
// When the file cannot be read the last known map is used.
func (g *Ledger) snapshot() map[int]Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	records, err := g.read()
	if err != nil {
		g.logger.Warn("using cached restart ledger", "path", g.path, "error", err)
		return g.records
	}
	g.records = records
	return records
}

// Record tokenizes commandLine and saves it as the recipe for port,
// replacing any previous record.
func (g *Ledger) Record(port int, commandLine, workDir string) error {
	return g.RecordArgv(port, cmdline.Split(commandLine), workDir)
}

// RecordArgv saves an already split command for port.
func (g *Ledger) RecordArgv(port int, argv []string, workDir string) error {
	if len(argv) == 0 {
		return pkerrors.NewConfigurationError(fmt.Sprintf("empty command for port %d", port), nil)
	}
	r := Record{
		Port:             port,
		Command:          append([]string(nil), argv...),
		WorkingDirectory: workDir,
		Env:              env.Pick(CapturedEnv),
		LastUpdated:      g.now().UTC().Round(0),
	}
	err := g.update(func(m map[int]Record) { m[port] = r })
	if err != nil {
		return err
	}
	metrics.IncLedgerRecord()
	g.logger.Info("saved restart info", "port", port, "command", cmdline.Join(r.Command))
	return nil
}

// Restart respawns the recorded command for port detached from us and
// returns the new pid.
func (g *Ledger) Restart(ctx context.Context, port int) (int, error) {
	r, ok := g.Get(port)
	if !ok {
		metrics.IncLedgerRestart("not_found")
		return 0, pkerrors.NewNotFoundError(fmt.Sprintf("no restart information found for port %d", port), nil)
	}
	spec := process.Spec{
		Name: fmt.Sprintf("port-%d", port),
		Argv: r.Command,
		Dir:  r.WorkingDirectory,
		Env:  env.New(r.Env).Merge(nil),
	}
	pid, err := process.StartDetached(spec)
	if err != nil {
		metrics.IncLedgerRestart("error")
		return 0, err
	}
	metrics.IncLedgerRestart("ok")
	g.logger.Info("restarted process", "port", port, "pid", pid, "command", cmdline.Join(r.Command))
	g.recorder.Record(ctx, history.Event{
		Type:   history.EventLedgerRestart,
		Source: "ledger",
		Port:   port,
		PID:    pid,
		Name:   r.Command[0],
		Detail: cmdline.Join(r.Command),
	})
	return pid, nil
}

func (g *Ledger) Get(port int) (Record, bool) {
	r, ok := g.snapshot()[port]
	return r, ok
}

func (g *Ledger) CanRestart(port int) bool {
	_, ok := g.Get(port)
	return ok
}

// Ports lists the ports with a record, ascending.
func (g *Ledger) Ports() []int {
	m := g.snapshot()
	out := make([]int, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// All returns every record ordered by port.
func (g *Ledger) All() []Record {
	m := g.snapshot()
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Clear removes the record for port. Clearing an absent port still
// rewrites the file.
func (g *Ledger) Clear(port int) error {
	return g.update(func(m map[int]Record) { delete(m, port) })
}

func (g *Ledger) ClearAll() error {
	return g.update(func(m map[int]Record) {
		for k := range m {
			delete(m, k)
		}
	})
}

// update re-reads the file under the lock, applies mutate to what is on
// disk, persists the result and only then publishes it. Writers in other
// processes are therefore never overwritten with a stale map.
func (g *Ledger) update(mutate func(map[int]Record)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	dir := filepath.Dir(g.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return pkerrors.NewIOError("create ledger dir", err).WithContext("path", dir)
	}
	unlock, err := g.lock()
	if err != nil {
		return err
	}
	defer unlock()

	next, err := g.read()
	if err != nil {
		return err
	}
	mutate(next)
	if err := g.write(next); err != nil {
		return err
	}
	g.records = next
	return nil
}

func (g *Ledger) lock() (func(), error) {
	lock := flock.New(g.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return nil, pkerrors.NewIOError("lock restart ledger", err).WithContext("path", g.path)
	}
	if !locked {
		return nil, pkerrors.NewIOError("restart ledger is locked by another process", nil).WithContext("path", g.path)
	}
	return func() { _ = lock.Unlock() }, nil
}

// write replaces the file with m via a temp file and rename. The caller
// holds the lock.
func (g *Ledger) write(m map[int]Record) error {
	raw := make(map[string]Record, len(m))
	for port, r := range m {
		raw[strconv.Itoa(port)] = r
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return pkerrors.NewIOError("encode restart ledger", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(g.path), filepath.Base(g.path)+".*.tmp")
	if err != nil {
		return pkerrors.NewIOError("write restart ledger", err).WithContext("path", g.path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return pkerrors.NewIOError("write restart ledger", err).WithContext("path", g.path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return pkerrors.NewIOError("write restart ledger", err).WithContext("path", g.path)
	}
	if err := os.Rename(tmpName, g.path); err != nil {
		_ = os.Remove(tmpName)
		return pkerrors.NewIOError("replace restart ledger", err).WithContext("path", g.path)
	}
	return nil
}
