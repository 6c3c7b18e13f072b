// Package orchestrator supervises the services declared in a service
// graph document: it starts them in dependency order, stops them in
// reverse and restarts a crashed service when asked to.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/portkill/internal/cmdline"
	"github.com/loykin/portkill/internal/detector"
	"github.com/loykin/portkill/internal/env"
	pkerrors "github.com/loykin/portkill/internal/errors"
	"github.com/loykin/portkill/internal/graph"
	"github.com/loykin/portkill/internal/history"
	"github.com/loykin/portkill/internal/logger"
	"github.com/loykin/portkill/internal/metrics"
	"github.com/loykin/portkill/internal/orchestration"
	"github.com/loykin/portkill/internal/process"
)

const (
	DefaultGrace          = 500 * time.Millisecond
	DefaultRestartPause   = time.Second
	DefaultHealthInterval = time.Second
)

// RunningService is a service we spawned and believe to be alive.
type RunningService struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Port      int       `json:"port,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ServiceStatus is one row of Status.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// StartReport describes how far StartAll got.
type StartReport struct {
	Started        []string `json:"started"`
	AlreadyRunning []string `json:"already_running"`
	Failed         string   `json:"failed,omitempty"`
	Skipped        []string `json:"skipped,omitempty"`
}

// ProbeFunc builds the readiness probe for a service about to be checked.
type ProbeFunc func(spec orchestration.ServiceSpec, dir string, env []string) detector.Detector

func commandProbe(spec orchestration.ServiceSpec, dir string, env []string) detector.Detector {
	return detector.CommandDetector{Command: spec.HealthCheck, Dir: dir, Env: env}
}

type entry struct {
	RunningService
	proc *process.Process
}

// Orchestrator owns the RunningService table. Operations are serialised by
// opMu; mu only guards the table so Status never waits on a start.
type Orchestrator struct {
	doc      *orchestration.Document
	log      *slog.Logger
	recorder *history.Recorder
	output   logger.Config
	env      *env.Env
	probe    ProbeFunc

	grace          time.Duration
	restartPause   time.Duration
	healthInterval time.Duration

	opMu sync.Mutex

	mu      sync.RWMutex
	running map[string]*entry
	order   []string // launch sequence; stop order fallback
	gen     uint64   // bumped by StopAll; stale auto-restarts compare against it
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithRecorder(r *history.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithOutput sets where service stdout/stderr are written.
func WithOutput(c logger.Config) Option {
	return func(o *Orchestrator) { o.output = c }
}

// WithEnvBase replaces the OS environment as the bottom layer.
func WithEnvBase(base map[string]string) Option {
	return func(o *Orchestrator) { o.env.WithBase(base) }
}

func WithProbe(p ProbeFunc) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.probe = p
		}
	}
}

func WithGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace = d }
}

// WithRestartPause sets the pause between stop and start in Restart and
// before an automatic restart.
func WithRestartPause(d time.Duration) Option {
	return func(o *Orchestrator) { o.restartPause = d }
}

func WithHealthInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.healthInterval = d
		}
	}
}

// New supervises the services of an already validated document.
func New(doc *orchestration.Document, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		doc:            doc,
		log:            slog.Default(),
		env:            env.New(doc.Env),
		probe:          commandProbe,
		grace:          DefaultGrace,
		restartPause:   DefaultRestartPause,
		healthInterval: DefaultHealthInterval,
		running:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func Load(path string, opts ...Option) (*Orchestrator, error) {
	doc, err := orchestration.Load(path)
	if err != nil {
		return nil, err
	}
	return New(doc, opts...), nil
}

// LoadDefault looks for one of the default document names in dir.
func LoadDefault(dir string, opts ...Option) (*Orchestrator, error) {
	doc, err := orchestration.LoadDefault(dir)
	if err != nil {
		return nil, err
	}
	return New(doc, opts...), nil
}

func (o *Orchestrator) Document() *orchestration.Document { return o.doc }

// StartAll starts every service in dependency order and stops at the first
// failure. Services started before the failure keep running.
func (o *Orchestrator) StartAll(ctx context.Context) (*StartReport, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	order, err := graph.Resolve(o.doc.Graph())
	if err != nil {
		return nil, err
	}
	o.log.Info("starting services", "order", order)
	rep := &StartReport{}
	for i, name := range order {
		if o.isRunning(name) {
			rep.AlreadyRunning = append(rep.AlreadyRunning, name)
			continue
		}
		if err := o.launch(ctx, o.doc.Services[name]); err != nil {
			rep.Failed = name
			rep.Skipped = append(rep.Skipped, order[i+1:]...)
			return rep, err
		}
		rep.Started = append(rep.Started, name)
	}
	return rep, nil
}

// Start starts name after any of its dependencies that are not running.
// Starting a running service only logs a warning.
func (o *Orchestrator) Start(ctx context.Context, name string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.start(ctx, name)
}

func (o *Orchestrator) start(ctx context.Context, name string) error {
	if _, err := o.doc.Service(name); err != nil {
		return err
	}
	if o.isRunning(name) {
		o.log.Warn("service is already running", "service", name)
		return nil
	}
	plan, err := graph.Plan(o.doc.Graph(), name)
	if err != nil {
		return err
	}
	for _, n := range plan {
		if o.isRunning(n) {
			continue
		}
		if n != name {
			o.log.Info("starting dependency", "service", n, "for", name)
		}
		if err := o.launch(ctx, o.doc.Services[n]); err != nil {
			return err
		}
	}
	return nil
}

// launch spawns one service, waits its startup delay and runs its health
// probe. The entry is tracked from the moment the spawn succeeds.
func (o *Orchestrator) launch(ctx context.Context, spec orchestration.ServiceSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	argv := cmdline.Split(spec.Command)
	if len(argv) == 0 {
		return pkerrors.NewConfigurationError(fmt.Sprintf("service %q has an empty command", spec.Name), nil)
	}
	dir := o.doc.WorkDir(spec)
	environ := o.env.Merge(spec.Env)

	began := time.Now()
	proc, err := process.Start(process.Spec{
		Name: spec.Name,
		Argv: argv,
		Dir:  dir,
		Env:  environ,
		Log:  o.output,
	})
	if err != nil {
		return pkerrors.NewProcessError(fmt.Sprintf("failed to start service %q", spec.Name), err).
			WithContext("command", spec.Command)
	}
	e := &entry{
		RunningService: RunningService{
			Name:      spec.Name,
			PID:       proc.PID(),
			Port:      spec.Port,
			StartedAt: proc.StartedAt(),
		},
		proc: proc,
	}
	o.mu.Lock()
	o.running[spec.Name] = e
	o.order = append(o.order, spec.Name)
	gen := o.gen
	n := len(o.running)
	o.mu.Unlock()
	go o.reap(spec, e, gen)

	metrics.IncServiceStart(spec.Name)
	metrics.SetRunningServices(n)
	o.log.Info("started service", "service", spec.Name, "pid", e.PID, "dir", dir)
	o.recorder.Record(ctx, history.Event{
		Type:   history.EventServiceStart,
		Source: "orchestrator",
		Port:   spec.Port,
		PID:    e.PID,
		Name:   spec.Name,
		Detail: spec.Command,
	})

	if spec.StartupDelay > 0 {
		o.log.Debug("waiting startup delay", "service", spec.Name, "delay", spec.StartupDelay)
		if err := sleep(ctx, spec.StartupDelay); err != nil {
			return err
		}
	}
	if spec.HealthCheck != "" {
		if err := o.awaitHealthy(ctx, spec, dir, environ); err != nil {
			o.drop(spec.Name, e)
			if stopErr := proc.Stop(o.grace); stopErr != nil {
				o.log.Warn("stop after failed health check", "service", spec.Name, "error", stopErr)
			}
			return err
		}
	}
	metrics.ObserveStartDuration(spec.Name, time.Since(began).Seconds())
	return nil
}

// awaitHealthy polls the probe every healthInterval until it passes or the
// service's health timeout elapses.
func (o *Orchestrator) awaitHealthy(ctx context.Context, spec orchestration.ServiceSpec, dir string, environ []string) error {
	timeout := spec.HealthTimeout
	if timeout <= 0 {
		timeout = orchestration.DefaultHealthTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probe := o.probe(spec, dir, environ)
	t := time.NewTicker(o.healthInterval)
	defer t.Stop()
	var lastErr error
	for {
		ok, err := probe.Alive(hctx)
		if ok {
			o.log.Info("service is healthy", "service", spec.Name, "probe", probe.Describe())
			return nil
		}
		if err != nil {
			lastErr = err
		}
		select {
		case <-hctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return pkerrors.NewProcessError(
				fmt.Sprintf("service %q failed health check within %s", spec.Name, timeout), lastErr).
				WithContext("healthcheck", spec.HealthCheck)
		case <-t.C:
		}
	}
}

// Stop stops name. Stopping a service that is not running only logs a
// warning. Signal failures are logged and returned; the kill fallback
// always runs.
func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if _, err := o.doc.Service(name); err != nil {
		return err
	}
	return o.stop(ctx, name)
}

func (o *Orchestrator) stop(ctx context.Context, name string) error {
	o.mu.Lock()
	e, ok := o.running[name]
	if ok {
		o.removeLocked(name)
	}
	n := len(o.running)
	o.mu.Unlock()
	if !ok {
		o.log.Warn("service is not running", "service", name)
		return nil
	}
	metrics.SetRunningServices(n)

	o.log.Info("stopping service", "service", name, "pid", e.PID)
	err := e.proc.Stop(o.grace)
	if err != nil {
		o.log.Error("failed to stop service", "service", name, "pid", e.PID, "error", err)
	}
	metrics.IncServiceStop(name)
	o.recorder.Record(ctx, history.Event{
		Type:   history.EventServiceStop,
		Source: "orchestrator",
		Port:   e.Port,
		PID:    e.PID,
		Name:   name,
	})
	return err
}

// StopAll stops every running service, dependents before their
// dependencies. A failure
// is logged and does not prevent the remaining services from stopping.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	o.gen++
	order := o.stopOrderLocked()
	o.mu.Unlock()

	errs := pkerrors.NewErrorCollection()
	for _, name := range order {
		if err := o.stop(ctx, name); err != nil {
			errs.Add(err)
		}
	}
	return errs.ToError()
}

// stopOrderLocked lists the running services dependents first. The order
// comes from the graph, not from launch times, so a restarted dependency
// still outlives the services that use it.
func (o *Orchestrator) stopOrderLocked() []string {
	resolved, err := graph.Resolve(o.doc.Graph())
	if err != nil {
		return graph.Reverse(o.order)
	}
	out := make([]string, 0, len(o.running))
	for _, name := range graph.Reverse(resolved) {
		if _, ok := o.running[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Restart stops name, pauses and starts it again with its dependencies.
// The restart goes ahead after a failed stop; both failures are returned.
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if _, err := o.doc.Service(name); err != nil {
		return err
	}
	errs := pkerrors.NewErrorCollection()
	if err := o.stop(ctx, name); err != nil {
		o.log.Warn("restart continues after stop failure", "service", name, "error", err)
		errs.Add(err)
	}
	if err := sleep(ctx, o.restartPause); err != nil {
		errs.Add(err)
		return errs.ToError()
	}
	if err := o.start(ctx, name); err != nil {
		errs.Add(err)
	}
	return errs.ToError()
}

// Status reports every declared service, sorted by name.
func (o *Orchestrator) Status() []ServiceStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := o.doc.Names()
	out := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		spec := o.doc.Services[name]
		row := ServiceStatus{Name: name, Port: spec.Port, Command: spec.Command}
		if e, ok := o.running[name]; ok {
			row.Running = true
			row.PID = e.PID
			row.StartedAt = e.StartedAt
		}
		out = append(out, row)
	}
	return out
}

// Running lists the tracked services ordered by name.
func (o *Orchestrator) Running() []RunningService {
	o.mu.RLock()
	out := make([]RunningService, 0, len(o.running))
	for _, e := range o.running {
		out = append(out, e.RunningService)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (o *Orchestrator) IsRunning(name string) bool { return o.isRunning(name) }

func (o *Orchestrator) isRunning(name string) bool {
	o.mu.RLock()
	_, ok := o.running[name]
	o.mu.RUnlock()
	return ok
}

// drop removes e if it is still the tracked entry for name.
func (o *Orchestrator) drop(name string, e *entry) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.running[name]; !ok || cur != e {
		return false
	}
	o.removeLocked(name)
	metrics.SetRunningServices(len(o.running))
	return true
}

func (o *Orchestrator) removeLocked(name string) {
	delete(o.running, name)
	for i, n := range o.order {
		if n == name {
			o.order = append(o.order[:i:i], o.order[i+1:]...)
			break
		}
	}
}

// reap waits for the child to exit. An exit we did not ask for untracks
// the service and, with auto_restart, starts it again after a pause.
func (o *Orchestrator) reap(spec orchestration.ServiceSpec, e *entry, gen uint64) {
	<-e.proc.Done()
	if e.proc.StopRequested() || !o.drop(spec.Name, e) {
		return
	}
	o.log.Warn("service exited unexpectedly", "service", spec.Name, "pid", e.PID, "error", e.proc.ExitErr())
	metrics.IncServiceExit(spec.Name)
	detail := "exited"
	if err := e.proc.ExitErr(); err != nil {
		detail = err.Error()
	}
	o.recorder.Record(context.Background(), history.Event{
		Type:   history.EventServiceExit,
		Source: "orchestrator",
		Port:   spec.Port,
		PID:    e.PID,
		Name:   spec.Name,
		Detail: detail,
	})
	if !spec.AutoRestart {
		return
	}
	time.Sleep(o.restartPause)

	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.mu.RLock()
	stale := o.gen != gen
	o.mu.RUnlock()
	if stale || o.isRunning(spec.Name) {
		return
	}
	metrics.IncServiceRestart(spec.Name)
	o.log.Info("auto-restarting service", "service", spec.Name)
	if err := o.start(context.Background(), spec.Name); err != nil {
		o.log.Error("auto-restart failed", "service", spec.Name, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
