// Package process spawns child processes in their own process group and
// tracks their exit.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

// killWait bounds how long Stop waits for the reaper after SIGKILL.
const killWait = 200 * time.Millisecond

// Process is a started child. A single goroutine owns cmd.Wait.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	startedAt time.Time

	mu       sync.Mutex
	exitErr  error
	stopping bool
	closers  []io.Closer
	done     chan struct{} // closed once cmd.Wait returns
}

// Start spawns spec. On failure nothing is left running.
func Start(spec Spec) (*Process, error) {
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, err
	}
	p := &Process{spec: spec, cmd: cmd, done: make(chan struct{})}
	if err := p.configureOutput(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, pkerrors.NewProcessError(
			fmt.Sprintf("failed to start %q: %s", spec.Name, spec.Argv[0]), err)
	}
	p.startedAt = time.Now()
	go p.wait()
	return p, nil
}

func (p *Process) configureOutput() error {
	if p.spec.Log.Dir == "" && p.spec.Log.StdoutPath == "" && p.spec.Log.StderrPath == "" {
		// a nil Stdout/Stderr on exec.Cmd is already the null device
		return nil
	}
	if p.spec.Log.Dir != "" {
		if err := os.MkdirAll(p.spec.Log.Dir, 0o750); err != nil {
			return pkerrors.NewIOError("create log dir", err)
		}
	}
	outW, errW, err := p.spec.Log.Writers(p.spec.Name)
	if err != nil {
		return pkerrors.NewIOError("open log writers", err)
	}
	if outW != nil {
		p.cmd.Stdout = outW
		p.closers = append(p.closers, outW)
	}
	if errW != nil {
		p.cmd.Stderr = errW
		p.closers = append(p.closers, errW)
	}
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	p.closeWriters()
	close(p.done)
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

func (p *Process) Name() string { return p.spec.Name }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr is the cmd.Wait result; nil while running or after a clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// StopRequested reports whether Stop was called, so an exit can be told
// apart from a crash.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Stop sends SIGTERM to the process group, waits up to grace for the child
// to be reaped and then sends SIGKILL. Signal errors are returned but never
// skip the SIGKILL fallback.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	if p.Exited() {
		return nil
	}
	pid := p.PID()
	termErr := TerminateGroup(pid)
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	killErr := KillGroup(pid)
	select {
	case <-p.done:
	case <-time.After(killWait):
	}
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) && !p.Exited() {
		return pkerrors.NewProcessError(fmt.Sprintf("kill %q (pid %d)", p.spec.Name, pid), killErr)
	}
	if termErr != nil && !p.Exited() {
		return pkerrors.NewProcessError(fmt.Sprintf("terminate %q (pid %d)", p.spec.Name, pid), termErr)
	}
	return nil
}
