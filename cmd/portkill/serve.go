package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/portkill/internal/guard"
	"github.com/loykin/portkill/internal/orchestration"
	"github.com/loykin/portkill/internal/orchestrator"
	"github.com/loykin/portkill/internal/watch"
)

const shutdownTimeout = 10 * time.Second

func createServeCommand(c command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise services, run the guard and serve the HTTP API",
		Long: `Run in the foreground: supervise the service graph (when one is found),
enforce the configured guard rules and serve the HTTP API. Other
portkill commands can drive it with --api-url.

Examples:
  portkill serve
  portkill serve --up --listen 127.0.0.1:9000
  portkill serve --file dev.yaml --no-guard`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd, f)
		},
	}
	cmd.Flags().StringVarP(&f.File, "file", "f", "", "service graph file (default ./.port-kill.yaml if present)")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (default server.listen)")
	cmd.Flags().BoolVar(&f.Up, "up", false, "start every service on boot")
	cmd.Flags().BoolVar(&f.NoGuard, "no-guard", false, "do not run the guard")
	cmd.Flags().BoolVar(&f.NoReload, "no-reload", false, "do not reload guard rules when the config file changes")
	return cmd
}

func (c command) Serve(cmd *cobra.Command, f *ServeFlags) error {
	s, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	var wg sync.WaitGroup

	o, err := serveOrchestrator(s, f.File)
	if err != nil {
		return err
	}
	if o != nil && f.Up {
		rep, err := o.StartAll(ctx)
		if rep != nil {
			printStartReport(s.ui, rep.Started, rep.AlreadyRunning, rep.Failed, rep.Skipped)
		}
		if err != nil {
			s.log.Error("start-all failed", "error", err)
		}
	}

	var g *guard.Guard
	if !f.NoGuard {
		g, err = s.app.Guard()
		if err != nil {
			return err
		}
		g.OnEvent(func(ev guard.Event) { printGuardEvent(s.ui, ev) })
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Run(ctx)
		}()
		if file := s.app.Settings.File; file != "" && !f.NoReload {
			if w, err := watch.New(file, watch.GuardRules(g), watch.WithLogger(s.log)); err != nil {
				s.log.Warn("config reload disabled", "error", err)
			} else {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = w.Run(ctx)
				}()
			}
		}
	}

	addr := f.Listen
	if addr == "" {
		addr = s.app.Settings.Server.Listen
	}
	srv := s.app.NewHTTPServer(addr, o, g)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("portkill serving", "addr", addr, "services", o != nil, "guard", g != nil)
	s.ui.Success("Listening on http://" + addr)

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			runErr = err
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown failed", "error", err)
	}
	if o != nil {
		stopAll(s, o)
	}
	cancel()
	wg.Wait()
	return runErr
}

// serveOrchestrator loads the service graph. Without --file a missing
// default document only disables the service routes.
func serveOrchestrator(s *session, file string) (*orchestrator.Orchestrator, error) {
	if file == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if _, err := orchestration.FindDefault(wd); err != nil {
			s.log.Info("no service graph found, service routes disabled", "dir", wd)
			return nil, nil
		}
	}
	return openOrchestrator(s, file)
}
