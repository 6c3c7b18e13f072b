package script

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/loykin/portkill/internal/census"
	"github.com/loykin/portkill/internal/control"
	"github.com/loykin/portkill/internal/guard"
)

// Engine executes compiled commands against the guard and process control.
// Immediate commands run in order; guardPort, onPort and guardFile only
// register targets, and once the script is done the guard loop runs until
// the context is cancelled.
type Engine struct {
	Guard   *guard.Guard
	Census  census.Census
	Files   census.FileCensus
	Control control.Controller
	Grace   time.Duration
	Ports   []int // reported by listPorts alongside guarded ports
	Out     io.Writer
	Log     *slog.Logger
}

func (e *Engine) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

func (e *Engine) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

func (e *Engine) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(e.out(), format+"\n", a...)
}

// Run compiles text, executes it and then guards any registered targets.
// A failing command is reported and the script continues.
func (e *Engine) Run(ctx context.Context, text string) error {
	cmds, err := Compile(text)
	if err != nil {
		return err
	}
	watching := false
	for _, c := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		registered, err := e.exec(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.printf("line %d: %s failed: %v", c.Line, c.Name, err)
			e.logger().Warn("script command failed", "line", c.Line, "command", c.String(), "error", err)
		}
		watching = watching || registered
	}
	if !watching || e.Guard == nil || e.Guard.Empty() {
		return nil
	}
	e.Guard.OnEvent(e.report)
	e.printf("monitoring guarded targets, press Ctrl+C to stop")
	return e.Guard.Run(ctx)
}

func (e *Engine) report(ev guard.Event) {
	p := ev.Process
	switch ev.Kind {
	case guard.Appeared:
		e.printf("NEW: %s: %s (PID %d)", ev.Target, p.Name, p.PID)
	case guard.Changed:
		e.printf("CHANGED: %s: %s (PID %d)", ev.Target, p.Name, p.PID)
	case guard.Removed:
		e.printf("REMOVED: %s: %s (PID %d)", ev.Target, p.Name, p.PID)
	}
	switch ev.Action {
	case guard.ActionStopped:
		e.printf("killed unauthorized process %d on %s", p.PID, ev.Target)
	case guard.ActionFailed:
		e.printf("failed to kill process %d: %v", p.PID, ev.Err)
	case guard.ActionAllowed:
		e.printf("authorized process %q (PID %d) on %s", p.Name, p.PID, ev.Target)
	}
}

func (e *Engine) grace() time.Duration {
	if e.Grace > 0 {
		return e.Grace
	}
	return control.DefaultGrace
}

// exec runs one command and reports whether it registered a guard target.
func (e *Engine) exec(ctx context.Context, c Command) (bool, error) {
	switch c.Name {
	case "guardPort":
		if e.Guard == nil {
			return false, fmt.Errorf("no guard configured")
		}
		p := guard.PolicyFor(c.Arg(1))
		e.Guard.AddRule(guard.PortTarget(c.Port(0)), p)
		e.printf("guarding port %d: %s", c.Port(0), p)
		return true, nil

	case "onPort":
		if e.Guard == nil {
			return false, fmt.Errorf("no guard configured")
		}
		e.Guard.Watch(guard.PortTarget(c.Port(0)))
		e.printf("registered handler for port %d", c.Port(0))
		return true, nil

	case "guardFile":
		if e.Guard == nil {
			return false, fmt.Errorf("no guard configured")
		}
		p := guard.PolicyFor(c.Arg(1))
		e.Guard.AddRule(guard.FileTarget(c.Arg(0)), p)
		e.printf("guarding file %s: %s", c.Arg(0), p)
		return true, nil

	case "kill":
		pid := c.Int(0)
		outcome, err := control.Stop(ctx, e.Control, pid, e.grace())
		if err != nil {
			return false, err
		}
		e.printf("process %d %s", pid, outcome)
		return false, nil

	case "clearPort", "getProcess":
		port := c.Port(0)
		found, err := e.Census.Scan(ctx, []int{port})
		if err != nil {
			return false, err
		}
		p, ok := found[port]
		if !ok {
			e.printf("port %d is free", port)
			return false, nil
		}
		if c.Name == "getProcess" {
			e.printf("port %d: %s (PID %d) %s", port, p.Name, p.PID, p.Cmdline)
			return false, nil
		}
		outcome, err := control.Stop(ctx, e.Control, p.PID, e.grace())
		if err != nil {
			return false, err
		}
		e.printf("cleared port %d: %s (PID %d) %s", port, p.Name, p.PID, outcome)
		return false, nil

	case "listPorts":
		ports := append([]int(nil), e.Ports...)
		if e.Guard != nil {
			for t := range e.Guard.Rules() {
				if !t.IsFile() {
					ports = append(ports, t.Port)
				}
			}
		}
		sort.Ints(ports)
		last := 0
		for _, p := range ports {
			if p != last {
				e.printf("  port %d", p)
			}
			last = p
		}
		return false, nil

	case "log":
		e.printf("LOG: %s", c.Arg(0))
		return false, nil

	case "wait":
		t := time.NewTimer(time.Duration(c.Int(0)) * time.Second)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-t.C:
			return false, nil
		}

	case "killFile", "listFileProcesses":
		if e.Files == nil {
			return false, fmt.Errorf("file scanning is not available")
		}
		path := c.Arg(0)
		held, err := e.Files.ScanFiles(ctx, []string{path})
		if err != nil {
			return false, err
		}
		procs := held[path]
		if len(procs) == 0 {
			e.printf("no processes have %s open", path)
			return false, nil
		}
		for _, p := range procs {
			if c.Name == "listFileProcesses" {
				e.printf("  %s (PID %d)", p.Name, p.PID)
				continue
			}
			if _, err := control.Stop(ctx, e.Control, p.PID, e.grace()); err != nil {
				e.printf("failed to kill %s (PID %d): %v", p.Name, p.PID, err)
				continue
			}
			e.printf("killed %s (PID %d)", p.Name, p.PID)
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown command %s", c.Name)
}

// Load reads a script file.
func Load(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script %s: %w", path, err)
	}
	return string(b), nil
}
