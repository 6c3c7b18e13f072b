package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/portkill"
	"github.com/loykin/portkill/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := buildRoot().ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// command carries the global flags into every subcommand.
type command struct {
	global *GlobalFlags
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	c := command{global: global}

	root := &cobra.Command{
		Use:   "portkill",
		Short: "Free, guard and orchestrate development ports",
		Long: `portkill finds the processes holding your development ports, kills or
guards them, remembers how to restart them, and starts a graph of local
services described in .port-kill.yaml.

Examples:
  portkill ports 3000-3010
  portkill kill --port 3000 --save
  portkill restart --port 3000
  portkill guard --port 3000 --allow node
  portkill up                       # start every service in dependency order
  portkill serve                    # supervise services and expose the HTTP API`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&global.ConfigPath, "config", "", "path to config.yaml (default <home>/config.yaml)")
	pf.StringVar(&global.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&global.LogFormat, "log-format", "", "log format: text or json")
	pf.BoolVar(&global.Plain, "plain", false, "disable colored output")

	root.AddCommand(
		createPortsCommand(c),
		createKillCommand(c),
		createResetCommand(c),
		createRestartCommand(c),
		createGuardCommand(c),
		createHistoryCommand(c),
		createScriptCommand(c),
		createLedgerCommand(c),
		createInitCommand(c),
		createUpCommand(c),
		createDownCommand(c),
		createStatusCommand(c),
		createRestartServiceCommand(c),
		createServeCommand(c),
	)
	return root
}

// session is an opened App plus the output helpers of one invocation.
type session struct {
	app *portkill.App
	log *slog.Logger
	ui  *UI
}

func (s *session) Close() {
	if err := s.app.Close(); err != nil {
		s.log.Warn("close failed", "error", err)
	}
}

func (c command) open(cmd *cobra.Command) (*session, error) {
	settings, err := portkill.LoadSettings(c.global.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.global.LogLevel != "" {
		settings.Log.Level = c.global.LogLevel
	}
	if c.global.LogFormat != "" {
		settings.Log.Format = c.global.LogFormat
	}
	log, err := logger.New(logger.Options{
		Level:  settings.Log.Level,
		Format: settings.Log.Format,
		Color:  !c.global.Plain && isTerminal(cmd.ErrOrStderr()),
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	app, err := portkill.Open(settings, log)
	if err != nil {
		return nil, err
	}
	return &session{app: app, log: log, ui: c.ui(cmd)}, nil
}

func (c command) ui(cmd *cobra.Command) *UI {
	plain := c.global.Plain || !isTerminal(cmd.OutOrStdout())
	return newUI(cmd.OutOrStdout(), cmd.ErrOrStderr(), plain)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && logger.IsTerminal(f)
}
