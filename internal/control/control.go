// Package control signals processes by pid.
package control

import (
	"context"
	"time"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

// DefaultGrace is how long Stop waits after a graceful terminate.
const DefaultGrace = 500 * time.Millisecond

const pollEvery = 25 * time.Millisecond

// Controller terminates processes. Both signalling methods return an error
// satisfying errors.IsNotFoundError when pid no longer exists.
type Controller interface {
	Terminate(pid int) error
	Kill(pid int) error
	Alive(pid int) bool
}

// Outcome reports how Stop ended a process.
type Outcome int

const (
	// Gone means the process had already exited.
	Gone Outcome = iota
	// Terminated means it exited within the grace period.
	Terminated
	// Killed means it had to be force-killed.
	Killed
)

func (o Outcome) String() string {
	switch o {
	case Terminated:
		return "terminated"
	case Killed:
		return "killed"
	default:
		return "gone"
	}
}

// System signals real OS processes.
type System struct{}

// Terminate asks pid to exit.
func (System) Terminate(pid int) error { return terminate(pid) }

// Kill forces pid to exit.
func (System) Kill(pid int) error { return kill(pid) }

// Alive reports whether pid still exists.
func (System) Alive(pid int) bool { return alive(pid) }

// Stop terminates pid, waits up to grace for it to exit and kills it if it
// is still alive. A terminate failure other than NotFound does not prevent
// the kill.
func Stop(ctx context.Context, c Controller, pid int, grace time.Duration) (Outcome, error) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	termErr := c.Terminate(pid)
	if pkerrors.IsNotFoundError(termErr) {
		return Gone, nil
	}
	if termErr == nil && waitExit(ctx, c, pid, grace) {
		return Terminated, nil
	}
	if err := c.Kill(pid); err != nil {
		if pkerrors.IsNotFoundError(err) {
			return Terminated, nil
		}
		if termErr != nil {
			errs := pkerrors.NewErrorCollection()
			errs.Add(termErr)
			errs.Add(err)
			return Killed, errs.ToError()
		}
		return Killed, err
	}
	return Killed, nil
}

func waitExit(ctx context.Context, c Controller, pid int, grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(pollEvery)
	defer tick.Stop()
	for {
		if !c.Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !c.Alive(pid)
		case <-tick.C:
		}
	}
}
