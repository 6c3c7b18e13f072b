// Package guard watches ports and files and terminates occupants that the
// configured rules do not allow.
//
// Each poll compares a fresh census against the previous snapshot. A target
// going from absent to occupied is an Appeared event and is the only
// transition that is enforced. A different pid or name on an already
// occupied target is a Changed event and is reported only.
package guard

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/portkill/internal/census"
	"github.com/loykin/portkill/internal/control"
	"github.com/loykin/portkill/internal/history"
	"github.com/loykin/portkill/internal/metrics"
)

const DefaultInterval = 2 * time.Second

type EventKind int

const (
	Appeared EventKind = iota
	Changed
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Appeared:
		return "appeared"
	case Changed:
		return "changed"
	default:
		return "removed"
	}
}

// Action is what the guard did about an event.
type Action string

const (
	ActionNone    Action = ""        // no rule or not an enforced transition
	ActionAllowed Action = "allowed" // rule permits the occupant
	ActionSelf    Action = "self"    // occupant is this process
	ActionStopped Action = "stopped" // occupant was terminated or killed
	ActionFailed  Action = "failed"
)

// Observed is a target's occupant in the current snapshot.
type Observed struct {
	Target    Target         `json:"target"`
	Process   census.Process `json:"process"`
	FirstSeen time.Time      `json:"first_seen"`
}

// Event is one snapshot transition.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Target   Target          `json:"target"`
	Process  census.Process  `json:"process"`
	Previous *census.Process `json:"previous,omitempty"`
	At       time.Time       `json:"at"`
	Policy   *Policy         `json:"policy,omitempty"`
	Action   Action          `json:"action,omitempty"`
	Outcome  string          `json:"outcome,omitempty"`
	Err      error           `json:"-"`
}

// Report summarises one poll cycle.
type Report struct {
	At       time.Time
	Observed []Observed
	Events   []Event
	Err      error
}

// Guard is the reconciliation loop. Rules may be changed while it runs.
type Guard struct {
	census   census.Census
	files    census.FileCensus
	ctl      control.Controller
	interval time.Duration
	grace    time.Duration
	log      *slog.Logger
	recorder *history.Recorder
	now      func() time.Time
	self     int

	mu       sync.Mutex
	rules    map[Target]Policy
	watches  map[Target]struct{}
	handlers []func(Event)

	busy     atomic.Bool
	snapshot map[Target]Observed // touched only by the cycle holding busy
}

type Option func(*Guard)

// WithFileCensus enables file targets.
func WithFileCensus(f census.FileCensus) Option {
	return func(g *Guard) { g.files = f }
}

func WithInterval(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithGrace sets how long an occupant has to exit after terminate before
// it is killed.
func WithGrace(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.grace = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

func WithRecorder(r *history.Recorder) Option {
	return func(g *Guard) { g.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func New(c census.Census, ctl control.Controller, opts ...Option) *Guard {
	g := &Guard{
		census:   c,
		ctl:      ctl,
		interval: DefaultInterval,
		grace:    control.DefaultGrace,
		log:      slog.Default(),
		now:      time.Now,
		self:     os.Getpid(),
		rules:    make(map[Target]Policy),
		watches:  make(map[Target]struct{}),
		snapshot: make(map[Target]Observed),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddRule sets the policy for t, replacing any previous one.
func (g *Guard) AddRule(t Target, p Policy) {
	g.mu.Lock()
	g.rules[t] = p
	g.mu.Unlock()
	g.log.Info("guarding", "target", t.String(), "policy", p.String())
}

func (g *Guard) RemoveRule(t Target) {
	g.mu.Lock()
	delete(g.rules, t)
	g.mu.Unlock()
}

// SetRules replaces every rule at once.
func (g *Guard) SetRules(rules map[Target]Policy) {
	next := make(map[Target]Policy, len(rules))
	for t, p := range rules {
		next[t] = p
	}
	g.mu.Lock()
	g.rules = next
	g.mu.Unlock()
	g.log.Info("guard rules replaced", "count", len(next))
}

// Watch observes t and reports its events without enforcing anything.
func (g *Guard) Watch(t Target) {
	g.mu.Lock()
	g.watches[t] = struct{}{}
	g.mu.Unlock()
}

func (g *Guard) Rules() map[Target]Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[Target]Policy, len(g.rules))
	for t, p := range g.rules {
		out[t] = p
	}
	return out
}

// Empty reports whether there is nothing to watch.
func (g *Guard) Empty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rules) == 0 && len(g.watches) == 0
}

// OnEvent registers h to be called, from the polling goroutine, for every
// event after it has been enforced.
func (g *Guard) OnEvent(h func(Event)) {
	g.mu.Lock()
	g.handlers = append(g.handlers, h)
	g.mu.Unlock()
}

// Poll runs one cycle now. It returns false without doing anything when a
// cycle is already in flight.
func (g *Guard) Poll(ctx context.Context) (Report, bool) {
	if !g.busy.CompareAndSwap(false, true) {
		metrics.IncGuardSkip()
		return Report{}, false
	}
	defer g.busy.Store(false)
	return g.cycle(ctx), true
}

// Run polls every interval until ctx is done. A tick that finds the
// previous cycle still running is skipped. On cancellation Run waits for
// the in-flight cycle, including its enforcement, before returning.
func (g *Guard) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	launch := func() {
		if !g.busy.CompareAndSwap(false, true) {
			metrics.IncGuardSkip()
			g.log.Debug("previous guard cycle still running, skipping tick")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer g.busy.Store(false)
			g.cycle(ctx)
		}()
	}

	g.log.Info("guard started", "interval", g.interval)
	t := time.NewTicker(g.interval)
	defer t.Stop()
	launch()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			g.log.Info("guard stopped")
			return nil
		case <-t.C:
			launch()
		}
	}
}

type targets struct {
	rules    map[Target]Policy
	watched  map[Target]bool
	ports    []int
	files    []string
	handlers []func(Event)
}

func (g *Guard) targets() targets {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts := targets{
		rules:    make(map[Target]Policy, len(g.rules)),
		watched:  make(map[Target]bool, len(g.rules)+len(g.watches)),
		handlers: append([]func(Event)(nil), g.handlers...),
	}
	add := func(t Target) {
		if ts.watched[t] {
			return
		}
		ts.watched[t] = true
		if t.IsFile() {
			ts.files = append(ts.files, t.File)
		} else {
			ts.ports = append(ts.ports, t.Port)
		}
	}
	for t, p := range g.rules {
		ts.rules[t] = p
		add(t)
	}
	for t := range g.watches {
		add(t)
	}
	sort.Ints(ts.ports)
	sort.Strings(ts.files)
	return ts
}

func (g *Guard) observe(ctx context.Context, ts targets) (map[Target]census.Process, error) {
	current := make(map[Target]census.Process)
	if len(ts.ports) > 0 {
		procs, err := g.census.Scan(ctx, ts.ports)
		if err != nil {
			return nil, err
		}
		for port, p := range procs {
			if t := PortTarget(port); ts.watched[t] {
				current[t] = p
			}
		}
	}
	if len(ts.files) > 0 && g.files != nil {
		held, err := g.files.ScanFiles(ctx, ts.files)
		if err != nil {
			return nil, err
		}
		for path, ps := range held {
			// the lowest pid stands for the file, as the census does for ports
			if t := FileTarget(path); ts.watched[t] && len(ps) > 0 {
				current[t] = ps[0]
			}
		}
	}
	return current, nil
}

func (g *Guard) cycle(ctx context.Context) Report {
	metrics.IncGuardPoll()
	now := g.now()
	rep := Report{At: now}
	ts := g.targets()
	if len(ts.watched) == 0 {
		return rep
	}

	current, err := g.observe(ctx, ts)
	if err != nil {
		// keep the previous snapshot so a failed scan is not read as Removed
		g.log.Warn("census failed", "error", err)
		rep.Err = err
		return rep
	}

	next := make(map[Target]Observed, len(current))
	for _, t := range sortedTargets(current) {
		p := current[t]
		prev, seen := g.snapshot[t]
		switch {
		case !seen:
			next[t] = Observed{Target: t, Process: p, FirstSeen: now}
			rep.Events = append(rep.Events, Event{Kind: Appeared, Target: t, Process: p, At: now})
		case prev.Process.PID != p.PID || prev.Process.Name != p.Name:
			old := prev.Process
			next[t] = Observed{Target: t, Process: p, FirstSeen: now}
			rep.Events = append(rep.Events, Event{Kind: Changed, Target: t, Process: p, Previous: &old, At: now})
		default:
			next[t] = prev
		}
	}
	for _, t := range sortedTargets(g.snapshot) {
		if _, ok := current[t]; ok || !ts.watched[t] {
			continue
		}
		rep.Events = append(rep.Events, Event{Kind: Removed, Target: t, Process: g.snapshot[t].Process, At: now})
	}
	g.snapshot = next

	for _, port := range ts.ports {
		_, occupied := current[PortTarget(port)]
		metrics.SetPortOccupied(port, occupied)
	}

	// enforcement outlives cancellation so a started kill is never abandoned
	ectx := context.WithoutCancel(ctx)
	for i := range rep.Events {
		ev := &rep.Events[i]
		if p, ok := ts.rules[ev.Target]; ok {
			pol := p
			ev.Policy = &pol
		}
		g.handle(ectx, ev)
		metrics.IncGuardEvent(ev.Kind.String())
		for _, h := range ts.handlers {
			h(*ev)
		}
	}

	rep.Observed = make([]Observed, 0, len(next))
	for _, t := range sortedTargets(next) {
		rep.Observed = append(rep.Observed, next[t])
	}
	return rep
}

func (g *Guard) handle(ctx context.Context, ev *Event) {
	p := ev.Process
	switch ev.Kind {
	case Changed:
		g.log.Info("occupant changed", "target", ev.Target.String(), "pid", p.PID, "name", p.Name,
			"previous_pid", ev.Previous.PID, "previous_name", ev.Previous.Name)
		return
	case Removed:
		g.log.Info("occupant gone", "target", ev.Target.String(), "pid", p.PID, "name", p.Name)
		return
	}

	g.log.Info("new occupant", "target", ev.Target.String(), "pid", p.PID, "name", p.Name)
	if ev.Policy == nil {
		return
	}
	switch {
	case ev.Policy.Permits(p.Name):
		ev.Action = ActionAllowed
		g.log.Info("authorized occupant", "target", ev.Target.String(), "pid", p.PID, "name", p.Name)
		return
	case p.PID == g.self:
		ev.Action = ActionSelf
		g.log.Warn("refusing to stop ourselves", "target", ev.Target.String(), "pid", p.PID)
		return
	}

	g.log.Warn("unauthorized occupant, stopping", "target", ev.Target.String(), "pid", p.PID,
		"name", p.Name, "policy", ev.Policy.String())
	outcome, err := control.Stop(ctx, g.ctl, p.PID, g.grace)
	rec := history.Event{
		Source: "guard",
		Port:   ev.Target.Port,
		PID:    p.PID,
		Name:   p.Name,
		Detail: ev.Target.String(),
	}
	if err != nil {
		ev.Action = ActionFailed
		ev.Err = err
		rec.Type = history.EventGuardKillFailed
		rec.Detail = ev.Target.String() + ": " + err.Error()
		metrics.IncEnforcement(ev.Target.Kind(), string(ActionFailed))
		g.log.Error("failed to stop occupant", "target", ev.Target.String(), "pid", p.PID, "error", err)
	} else {
		ev.Action = ActionStopped
		ev.Outcome = outcome.String()
		rec.Type = history.EventGuardKill
		metrics.IncEnforcement(ev.Target.Kind(), outcome.String())
		g.log.Info("stopped occupant", "target", ev.Target.String(), "pid", p.PID, "outcome", outcome.String())
	}
	g.recorder.Record(ctx, rec)
}

func sortedTargets[V any](m map[Target]V) []Target {
	out := make([]Target, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].File < out[j].File
	})
	return out
}
