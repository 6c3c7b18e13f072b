package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/portkill"
	"github.com/loykin/portkill/internal/census"
	pkerrors "github.com/loykin/portkill/internal/errors"
	"github.com/loykin/portkill/internal/guard"
	"github.com/loykin/portkill/internal/script"
	"github.com/loykin/portkill/internal/watch"
)

func createGuardCommand(c command) *cobra.Command {
	f := &GuardFlags{}
	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Keep unwanted processes off ports",
		Long: `Watch ports and terminate any process that appears on one unless its name
matches the allowed name. Rules come from --port/--allow and from
guard.rules in the config file; edits to the config file are applied
while the guard runs.

Examples:
  portkill guard --port 3000                 # nothing may take port 3000
  portkill guard --port 3000 --allow node    # only node may hold port 3000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Guard(cmd, f)
		},
	}
	cmd.Flags().StringSliceVarP(&f.Ports, "port", "p", nil, "ports to guard (repeatable, ranges allowed)")
	cmd.Flags().StringVar(&f.Allow, "allow", "", "process name allowed on the guarded ports")
	cmd.Flags().DurationVar(&f.Interval, "interval", 0, "poll interval (default guard.interval)")
	cmd.Flags().BoolVar(&f.NoReload, "no-reload", false, "do not reload rules when the config file changes")
	return cmd
}

func (c command) Guard(cmd *cobra.Command, f *GuardFlags) error {
	ports, err := census.ParsePorts(f.Ports...)
	if err != nil {
		return err
	}
	s, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if f.Interval > 0 {
		s.app.Settings.Guard.Interval = f.Interval
	}
	g, err := s.app.Guard()
	if err != nil {
		return err
	}
	addFlagRules := func() {
		for _, p := range ports {
			g.AddRule(guard.PortTarget(p), guard.PolicyFor(f.Allow))
		}
	}
	addFlagRules()
	if g.Empty() {
		return pkerrors.NewConfigurationError("nothing to guard; pass --port or configure guard.rules", nil)
	}

	ctx := cmd.Context()
	if file := s.app.Settings.File; file != "" && !f.NoReload {
		apply := watch.GuardRules(g)
		w, err := watch.New(file, func(st *portkill.Settings) error {
			if err := apply(st); err != nil {
				return err
			}
			addFlagRules()
			return nil
		}, watch.WithLogger(s.log))
		if err != nil {
			s.log.Warn("config reload disabled", "error", err)
		} else {
			go func() { _ = w.Run(ctx) }()
		}
	}

	printRules(s.ui, g.Rules())
	g.OnEvent(func(ev guard.Event) { printGuardEvent(s.ui, ev) })
	s.ui.Subtle("Guarding, press Ctrl+C to stop")
	return g.Run(ctx)
}

func printRules(ui *UI, rules map[guard.Target]guard.Policy) {
	t := ui.NewTable("TARGET", "POLICY")
	for _, target := range sortTargets(rules) {
		t.AddRow(target.String(), rules[target].String())
	}
	t.Render()
}

func sortTargets(rules map[guard.Target]guard.Policy) []guard.Target {
	out := make([]guard.Target, 0, len(rules))
	for t := range rules {
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

func printGuardEvent(ui *UI, ev guard.Event) {
	p := ev.Process
	line := fmt.Sprintf("%s on %s: %s (PID %d)", ev.Kind, ev.Target, p.Name, p.PID)
	switch ev.Action {
	case guard.ActionStopped:
		ui.Warning(line + " " + ev.Outcome)
	case guard.ActionFailed:
		ui.Error(fmt.Sprintf("%s: %v", line, ev.Err))
	case guard.ActionAllowed:
		ui.Success(line + " allowed")
	case guard.ActionSelf:
		ui.Subtle(line + " is portkill itself")
	default:
		ui.Info(line)
	}
}

func createScriptCommand(c command) *cobra.Command {
	f := &ScriptFlags{}
	cmd := &cobra.Command{
		Use:   "script [SCRIPT]",
		Short: "Run a guard script",
		Long: `Run a script made of a fixed set of calls, from --file or inline:

  guardPort(port[, "name"])   kill anything but "name" that takes port
  onPort(port)                report changes on port
  guardFile("path"[, "name"]) same for processes holding a file open
  kill(pid)  clearPort(port)  getProcess(port)  killFile("path")
  listPorts()  listFileProcesses("path")  log("msg")  wait(seconds)

Statements are separated by newlines or ';'. Lines starting with // or #
are comments. If the script guards anything it keeps running until Ctrl+C.

Examples:
  portkill script 'guardPort(3000, "node"); log("guarding")'
  portkill script --file dev.pk`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Script(cmd, args, f)
		},
	}
	cmd.Flags().StringVarP(&f.File, "file", "f", "", "script file")
	return cmd
}

func (c command) Script(cmd *cobra.Command, args []string, f *ScriptFlags) error {
	var text string
	switch {
	case f.File != "" && len(args) > 0:
		return pkerrors.NewConfigurationError("pass either --file or an inline script, not both", nil)
	case f.File != "":
		b, err := script.Load(f.File)
		if err != nil {
			return pkerrors.NewIOError("load script", err)
		}
		text = b
	case len(args) == 1:
		text = args[0]
	default:
		return pkerrors.NewConfigurationError("no script given; pass --file or an inline script", nil)
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	g, err := s.app.Guard()
	if err != nil {
		return err
	}
	// the script decides what is guarded
	g.SetRules(nil)

	e := &script.Engine{
		Guard:   g,
		Census:  s.app.Census,
		Files:   s.app.Census,
		Control: s.app.Control,
		Grace:   s.app.Settings.Guard.Grace,
		Ports:   s.app.Settings.Guard.WatchedPorts(),
		Out:     cmd.OutOrStdout(),
		Log:     s.log,
	}
	if err := e.Run(cmd.Context(), text); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
