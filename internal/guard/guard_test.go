package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/portkill/internal/census"
	pkerrors "github.com/loykin/portkill/internal/errors"
	"github.com/loykin/portkill/internal/history"
)

type fakeCensus struct {
	mu    sync.Mutex
	procs map[int]census.Process
	files map[string][]census.Process
	err   error
	calls int
}

func (f *fakeCensus) set(procs map[int]census.Process) {
	f.mu.Lock()
	f.procs = procs
	f.mu.Unlock()
}

func (f *fakeCensus) Scan(_ context.Context, ports []int) (map[int]census.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[int]census.Process{}
	for _, p := range ports {
		if proc, ok := f.procs[p]; ok {
			out[p] = proc
		}
	}
	return out, nil
}

func (f *fakeCensus) ScanFiles(_ context.Context, paths []string) (map[string][]census.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string][]census.Process{}
	for _, p := range paths {
		if ps, ok := f.files[p]; ok {
			out[p] = ps
		}
	}
	return out, nil
}

// fakeControl exits every process on terminate.
type fakeControl struct {
	mu    sync.Mutex
	dead  map[int]bool
	terms []int
	fail  error
}

func (c *fakeControl) Terminate(pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terms = append(c.terms, pid)
	if c.fail != nil {
		return c.fail
	}
	if c.dead == nil {
		c.dead = map[int]bool{}
	}
	c.dead[pid] = true
	return nil
}

func (c *fakeControl) Kill(pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	if c.dead == nil {
		c.dead = map[int]bool{}
	}
	c.dead[pid] = true
	return nil
}

func (c *fakeControl) Alive(pid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead[pid]
}

func (c *fakeControl) terminated() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.terms...)
}

func proc(pid int, name string) census.Process { return census.Process{PID: pid, Name: name} }

func newGuard(fc *fakeCensus, ctl *fakeControl, opts ...Option) *Guard {
	opts = append([]Option{WithGrace(20 * time.Millisecond), WithFileCensus(fc)}, opts...)
	return New(fc, ctl, opts...)
}

func poll(t *testing.T, g *Guard) Report {
	t.Helper()
	rep, ok := g.Poll(context.Background())
	require.True(t, ok)
	return rep
}

func TestAllowOnlyPermitsNamedProcess(t *testing.T) {
	fc := &fakeCensus{procs: map[int]census.Process{3000: proc(100, "node")}}
	ctl := &fakeControl{}
	g := newGuard(fc, ctl)
	g.AddRule(PortTarget(3000), AllowOnlyPolicy("node"))

	rep := poll(t, g)
	require.Len(t, rep.Events, 1)
	assert.Equal(t, Appeared, rep.Events[0].Kind)
	assert.Equal(t, ActionAllowed, rep.Events[0].Action)
	assert.Empty(t, ctl.terminated())
}

func TestAllowOnlyStopsOtherProcess(t *testing.T) {
	fc := &fakeCensus{procs: map[int]census.Process{3000: proc(200, "python")}}
	ctl := &fakeControl{}
	mem := history.NewMemory()
	g := newGuard(fc, ctl, WithRecorder(history.NewRecorder(mem, nil)))
	g.AddRule(PortTarget(3000), AllowOnlyPolicy("node"))

	rep := poll(t, g)
	require.Len(t, rep.Events, 1)
	assert.Equal(t, ActionStopped, rep.Events[0].Action)
	assert.Equal(t, "terminated", rep.Events[0].Outcome)
	assert.Equal(t, []int{200}, ctl.terminated())

	ev := mem.Events()
	require.Len(t, ev, 1)
	assert.Equal(t, history.EventGuardKill, ev[0].Type)
	assert.Equal(t, 3000, ev[0].Port)
	assert.Equal(t, 200, ev[0].PID)
}

func TestKillAllStopsAnyName(t *testing.T) {
	for _, name := range []string{"node", "python", ""} {
		fc := &fakeCensus{procs: map[int]census.Process{4444: proc(300, name)}}
		ctl := &fakeControl{}
		g := newGuard(fc, ctl)
		g.AddRule(PortTarget(4444), KillAllPolicy())
		poll(t, g)
		assert.Equal(t, []int{300}, ctl.terminated(), "name %q", name)
	}
}

func TestChangedIsReportedNotEnforced(t *testing.T) {
	fc := &fakeCensus{procs: map[int]census.Process{3000: proc(100, "node")}}
	ctl := &fakeControl{}
	g := newGuard(fc, ctl)
	g.AddRule(PortTarget(3000), AllowOnlyPolicy("node"))
	poll(t, g)

	fc.set(map[int]census.Process{3000: proc(300, "python")})
	rep := poll(t, g)
	require.Len(t, rep.Events, 1)
	ev := rep.Events[0]
	assert.Equal(t, Changed, ev.Kind)
	require.NotNil(t, ev.Previous)
	assert.Equal(t, 100, ev.Previous.PID)
	assert.Equal(t, ActionNone, ev.Action)
	assert.Empty(t, ctl.terminated())
}

func TestRemovedThenReappearedIsEnforced(t *testing.T) {
	fc := &fakeCensus{procs: map[int]census.Process{3000: proc(100, "node")}}
	ctl := &fakeControl{}
	g := newGuard(fc, ctl)
	g.AddRule(PortTarget(3000), AllowOnlyPolicy("node"))
	poll(t, g)

	fc.set(nil)
	rep := poll(t, g)
	require.Len(t, rep.Events, 1)
	assert.Equal(t, Removed, rep.Events[0].Kind)
	assert.Empty(t, rep.Observed)

	fc.set(map[int]census.Process{3000: proc(200, "python")})
	rep = poll(t, g)
	require.Len(t, rep.Events, 1)
	assert.Equal(t, Appeared, rep.Events[0].Kind)
	assert.Equal(t, []int{200}, ctl.terminated())
}

func TestSteadyOccupantProducesNoEvents(t *testing.T) {
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	fc := &fakeCensus{procs: map[int]census.Process{3000: proc(100, "node")}}
	g := newGuard(fc, &fakeControl{}, WithClock(func() time.Time { return now }))
	g.Watch(PortTarget(3000))
	poll(t, g)

	now = now.Add(time.Minute)
	rep := poll(t, g)
	assert.Empty(t, rep.Events)
	require.Len(t, rep.Observed, 1)
	assert.Equal(t, now.Add(-time.Minute), rep.Observed[0].FirstSeen)
}

func TestWatchOnlyNeverEnforces(t *testing.T) {
	fc := &fakeCensus{procs: map[int]census.Process{8080: proc(100, "java")}}
	ctl := &fakeControl{}
	g := newGuard(fc, ctl)
	g.Watch(PortTarget(8080))

	rep := poll(t, g)
	require.Len(t, rep.Events, 1)
	assert.Nil(t, rep.Events[0].Policy)
	assert.Empty(t, ctl.terminated())
}

func TestCensusFailureKeepsSnapshot(t *testing.T) {
	fc := &fakeCensus{procs: map[int]census.Process{3000: proc(100, "node")}}
	g := newGuard(fc, &fakeControl{})
	g.Watch(PortTarget(3000))
	poll(t, g)

	fc.mu.Lock()
	fc.err = errors.New("netstat unavailable")
	fc.mu.Unlock()
	rep := poll(t, g)
	require.Error(t, rep.Err)
	assert.Empty(t, rep.Events)

	fc.mu.Lock()
	fc.err = nil
	fc.mu.Unlock()
	rep = poll(t, g)
	assert.Empty(t, rep.Events)
}

func TestFailedEnforcementIsRecorded(t *testing.T) {
	fc := &fakeCensus{procs: map[int]census.Process{4444: proc(300, "python")}}
	ctl := &fakeControl{fail: pkerrors.NewProcessError("operation not permitted", nil)}
	mem := history.NewMemory()
	g := newGuard(fc, ctl, WithRecorder(history.NewRecorder(mem, nil)))
	g.AddRule(PortTarget(4444), KillAllPolicy())

	rep := poll(t, g)
	require.Len(t, rep.Events, 1)
	assert.Equal(t, ActionFailed, rep.Events[0].Action)
	require.Error(t, rep.Events[0].Err)
	require.Len(t, mem.Events(), 1)
	assert.Equal(t, history.EventGuardKillFailed, mem.Events()[0].Type)
}

func TestFileTargets(t *testing.T) {
	fc := &fakeCensus{files: map[string][]census.Process{
		"/tmp/app.lock": {proc(50, "vim"), proc(60, "code")},
	}}
	ctl := &fakeControl{}
	g := newGuard(fc, ctl)
	g.AddRule(FileTarget("/tmp/app.lock"), AllowOnlyPolicy("code"))

	rep := poll(t, g)
	require.Len(t, rep.Events, 1)
	assert.Equal(t, "file", rep.Events[0].Target.Kind())
	assert.Equal(t, []int{50}, ctl.terminated())
	assert.Equal(t, 0, fc.calls, "no port census without port targets")
}

func TestOnEventAndSetRules(t *testing.T) {
	fc := &fakeCensus{procs: map[int]census.Process{3000: proc(100, "node"), 5000: proc(101, "flask")}}
	ctl := &fakeControl{}
	g := newGuard(fc, ctl)
	g.AddRule(PortTarget(3000), KillAllPolicy())
	g.SetRules(map[Target]Policy{PortTarget(5000): AllowOnlyPolicy("flask")})

	var got []Event
	g.OnEvent(func(e Event) { got = append(got, e) })
	poll(t, g)

	require.Len(t, got, 1)
	assert.Equal(t, 5000, got[0].Target.Port)
	assert.Empty(t, ctl.terminated())
	assert.Equal(t, map[Target]Policy{PortTarget(5000): AllowOnlyPolicy("flask")}, g.Rules())
}

// blockingCensus holds a scan open until released.
type blockingCensus struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCensus) Scan(ctx context.Context, _ []int) (map[int]census.Process, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return map[int]census.Process{}, nil
}

func TestPollSkipsWhileCensusInFlight(t *testing.T) {
	bc := &blockingCensus{entered: make(chan struct{}, 1), release: make(chan struct{})}
	g := New(bc, &fakeControl{})
	g.Watch(PortTarget(3000))

	done := make(chan bool)
	go func() {
		_, ok := g.Poll(context.Background())
		done <- ok
	}()
	<-bc.entered

	_, ok := g.Poll(context.Background())
	assert.False(t, ok, "second poll must be skipped")

	close(bc.release)
	assert.True(t, <-done)
	_, ok = g.Poll(context.Background())
	assert.True(t, ok)
}

func TestRunWaitsForInFlightCycle(t *testing.T) {
	bc := &blockingCensus{entered: make(chan struct{}, 1), release: make(chan struct{})}
	g := New(bc, &fakeControl{}, WithInterval(5*time.Millisecond))
	g.Watch(PortTarget(3000))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() { errc <- g.Run(ctx) }()
	<-bc.entered

	// ticks during the blocked scan are skipped rather than queued
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, g.busy.Load())
}

func TestPolicyFor(t *testing.T) {
	assert.Equal(t, KillAllPolicy(), PolicyFor(""))
	assert.Equal(t, AllowOnlyPolicy("node"), PolicyFor("node"))
	assert.False(t, KillAllPolicy().Permits("node"))
	assert.True(t, AllowOnlyPolicy("node").Permits("node"))
	assert.False(t, AllowOnlyPolicy("node").Permits("nodejs"))
	assert.Equal(t, "port 3000", PortTarget(3000).String())
}
