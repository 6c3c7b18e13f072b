// Package portkill is the embeddable entry point: it wires the census,
// process control, restart ledger and history sinks from one set of
// settings and exposes the port operations used by the CLI and HTTP API.
package portkill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/portkill/internal/census"
	"github.com/loykin/portkill/internal/config"
	"github.com/loykin/portkill/internal/control"
	pkerrors "github.com/loykin/portkill/internal/errors"
	"github.com/loykin/portkill/internal/guard"
	"github.com/loykin/portkill/internal/history"
	"github.com/loykin/portkill/internal/history/factory"
	"github.com/loykin/portkill/internal/ledger"
	"github.com/loykin/portkill/internal/logger"
	"github.com/loykin/portkill/internal/metrics"
	"github.com/loykin/portkill/internal/orchestrator"
	"github.com/loykin/portkill/internal/server"
)

// Re-exported so embedders need not import internal packages.

type Settings = config.Settings

type Process = census.Process

type Record = ledger.Record

type Event = history.Event

func LoadSettings(path string) (*Settings, error) { return config.Load(path) }

// App owns the long-lived components built from Settings.
type App struct {
	Settings *Settings
	Paths    config.Paths
	Log      *slog.Logger
	Census   *census.System
	Control  control.Controller
	Ledger   *ledger.Ledger
	Recorder *history.Recorder

	sink    history.Sink
	closers []io.Closer
}

// Open prepares the home directory, the restart ledger and the history
// sink. When history.dsn is empty events go to <home>/history.db.
func Open(s *Settings, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	paths := s.Paths()
	if err := paths.Ensure(); err != nil {
		return nil, pkerrors.NewIOError("create portkill home", err).WithContext("home", paths.Home)
	}
	if s.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
	}

	a := &App{
		Settings: s,
		Paths:    paths,
		Log:      log,
		Census:   census.NewSystem(log),
		Control:  control.System{},
	}
	dsn := s.History.DSN
	if dsn == "" {
		dsn = paths.History
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		// history is best-effort; the tool still works without it
		log.Warn("history disabled", "dsn", dsn, "error", err)
	} else {
		a.sink = sink
		if c, ok := sink.(io.Closer); ok {
			a.closers = append(a.closers, c)
		}
	}
	a.Recorder = history.NewRecorder(a.sink, log)

	l, err := ledger.Open(paths.Ledger, ledger.WithLogger(log), ledger.WithRecorder(a.Recorder))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Ledger = l
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Ports returns the occupants of ports ordered by port.
func (a *App) Ports(ctx context.Context, ports []int) ([]Process, error) {
	found, err := a.Census.Scan(ctx, ports)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(found))
	for _, p := range found {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// KillResult is the outcome for one occupied port.
type KillResult struct {
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	Name    string `json:"name"`
	Outcome string `json:"outcome,omitempty"`
	Saved   bool   `json:"saved,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Kill stops the occupant of every port in ports. With save the occupant
// is recorded in the restart ledger first. Free ports are skipped.
func (a *App) Kill(ctx context.Context, ports []int, save bool) ([]KillResult, error) {
	procs, err := a.Ports(ctx, ports)
	if err != nil {
		return nil, err
	}
	grace := a.Settings.Guard.Grace
	if grace <= 0 {
		grace = control.DefaultGrace
	}
	errs := pkerrors.NewErrorCollection()
	out := make([]KillResult, 0, len(procs))
	for _, p := range procs {
		res := KillResult{Port: p.Port, PID: p.PID, Name: p.Name}
		if save {
			if err := a.save(p); err != nil {
				a.Log.Warn("could not save restart info", "port", p.Port, "error", err)
			} else {
				res.Saved = true
			}
		}
		outcome, err := control.Stop(ctx, a.Control, p.PID, grace)
		if err != nil {
			res.Error = err.Error()
			errs.Add(fmt.Errorf("port %d: %w", p.Port, err))
			metrics.IncKill("error")
		} else {
			res.Outcome = outcome.String()
			metrics.IncKill(outcome.String())
		}
		a.Recorder.Record(ctx, history.Event{
			Type:   history.EventKill,
			Source: "cli",
			Port:   p.Port,
			PID:    p.PID,
			Name:   p.Name,
			Detail: res.Outcome + res.Error,
		})
		out = append(out, res)
	}
	return out, errs.ToError()
}

func (a *App) save(p Process) error {
	if p.Cmdline == "" {
		return pkerrors.NewNotFoundError(fmt.Sprintf("command line of pid %d is not readable", p.PID), nil)
	}
	return a.Ledger.Record(p.Port, p.Cmdline, p.Cwd)
}

// Record saves the current occupant of port in the restart ledger.
func (a *App) Record(ctx context.Context, port int) (Record, error) {
	found, err := a.Census.Scan(ctx, []int{port})
	if err != nil {
		return Record{}, err
	}
	p, ok := found[port]
	if !ok {
		return Record{}, pkerrors.NewNotFoundError(fmt.Sprintf("no process is listening on port %d", port), nil)
	}
	if err := a.save(p); err != nil {
		return Record{}, err
	}
	r, _ := a.Ledger.Get(port)
	return r, nil
}

// RestartPort stops whatever holds port and respawns it from the ledger.
func (a *App) RestartPort(ctx context.Context, port int) (int, error) {
	if !a.Ledger.CanRestart(port) {
		return 0, pkerrors.NewNotFoundError(fmt.Sprintf("no restart information found for port %d", port), nil)
	}
	if _, err := a.Kill(ctx, []int{port}, false); err != nil {
		return 0, err
	}
	return a.Ledger.Restart(ctx, port)
}

// Guard builds a reconciler loaded with the configured rules and watches.
func (a *App) Guard(opts ...guard.Option) (*guard.Guard, error) {
	rules, err := guard.RulesFromSettings(a.Settings.Guard)
	if err != nil {
		return nil, err
	}
	base := []guard.Option{
		guard.WithLogger(a.Log),
		guard.WithRecorder(a.Recorder),
		guard.WithFileCensus(a.Census),
		guard.WithInterval(a.Settings.Guard.Interval),
		guard.WithGrace(a.Settings.Guard.Grace),
	}
	g := guard.New(a.Census, a.Control, append(base, opts...)...)
	g.SetRules(rules)
	for _, t := range guard.WatchTargets(a.Settings.Guard) {
		g.Watch(t)
	}
	return g, nil
}

// Orchestrator loads the service graph at path, or the default document in
// dir when path is empty. Service output is logged under <home>/logs.
func (a *App) Orchestrator(path, dir string) (*orchestrator.Orchestrator, error) {
	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.Log),
		orchestrator.WithRecorder(a.Recorder),
		orchestrator.WithOutput(logger.Config{Dir: a.Paths.Logs}),
	}
	if path != "" {
		return orchestrator.Load(path, opts...)
	}
	return orchestrator.LoadDefault(dir, opts...)
}

// History returns the newest stored events. Sinks that cannot be read
// back yield a NotFound error.
func (a *App) History(ctx context.Context, limit int) ([]Event, error) {
	r, ok := a.sink.(history.Reader)
	if !ok {
		return nil, pkerrors.NewNotFoundError("configured history sink cannot be queried", nil)
	}
	return r.Recent(ctx, limit)
}

// NewHTTPServer exposes the API for o, g and the app's ledger on addr.
// o and g may be nil.
func (a *App) NewHTTPServer(addr string, o *orchestrator.Orchestrator, g *guard.Guard) *http.Server {
	deps := server.Deps{
		Ledger:    a.Ledger,
		Restarter: a,
		Log:       a.Log,
		Metrics:   a.Settings.Metrics.Enabled,
	}
	if o != nil {
		deps.Services = o
	}
	if g != nil {
		deps.Rules = g
	}
	h := server.NewRouter(deps, "").Handler()
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
