package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/portkill/internal/graph"
	"github.com/loykin/portkill/internal/orchestration"
	"github.com/loykin/portkill/internal/orchestrator"
	"github.com/loykin/portkill/pkg/client"
)

// stopTimeout bounds StopAll once the foreground context is gone.
const stopTimeout = 30 * time.Second

func addServiceFlags(cmd *cobra.Command, f *ServiceFlags) {
	cmd.Flags().StringVarP(&f.File, "file", "f", "", "service graph file (default ./.port-kill.yaml)")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "drive a running 'portkill serve' at this URL instead")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 0, "API request timeout")
}

func (f *ServiceFlags) client() *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
}

func loadDocument(file string) (*orchestration.Document, error) {
	if file != "" {
		return orchestration.Load(file)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return orchestration.LoadDefault(wd)
}

func createInitCommand(c command) *cobra.Command {
	f := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample .port-kill.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := f.Path
			if path == "" {
				path = orchestration.DefaultFileNames[0]
			}
			if err := orchestration.WriteSample(path, f.Force); err != nil {
				return err
			}
			c.ui(cmd).Success("Wrote " + path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.Path, "path", "o", "", "output file (default ./.port-kill.yaml)")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}

func printStartReport(ui *UI, started, already []string, failed string, skipped []string) {
	for _, n := range started {
		ui.Success("started " + n)
	}
	for _, n := range already {
		ui.Subtle(n + " already running")
	}
	if failed != "" {
		ui.Error("failed " + failed)
	}
	if len(skipped) > 0 {
		ui.Warning("not started: " + strings.Join(skipped, ", "))
	}
}

func createUpCommand(c command) *cobra.Command {
	f := &ServiceFlags{}
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start every service in dependency order",
		Long: `Start all services of the service graph, dependencies first. Without
--api-url the services are supervised in the foreground and stopped on
Ctrl+C; output is written to <home>/logs/<service>.{stdout,stderr}.log.

Examples:
  portkill up
  portkill up --file dev.yaml
  portkill up --api-url http://127.0.0.1:7878`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Up(cmd, f)
		},
	}
	addServiceFlags(cmd, f)
	return cmd
}

func (c command) Up(cmd *cobra.Command, f *ServiceFlags) error {
	ctx := cmd.Context()
	if f.APIUrl != "" {
		rep, err := f.client().StartAll(ctx)
		if rep != nil {
			printStartReport(c.ui(cmd), rep.Started, rep.AlreadyRunning, rep.Failed, rep.Skipped)
		}
		return err
	}

	s, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	o, err := openOrchestrator(s, f.File)
	if err != nil {
		return err
	}

	rep, err := o.StartAll(ctx)
	if rep != nil {
		printStartReport(s.ui, rep.Started, rep.AlreadyRunning, rep.Failed, rep.Skipped)
	}
	if err != nil {
		s.ui.Warning("stopping the services started so far")
		stopAll(s, o)
		return err
	}
	s.ui.Subtle("Logs in " + s.app.Paths.Logs + ", press Ctrl+C to stop")
	<-ctx.Done()
	stopAll(s, o)
	return nil
}

func openOrchestrator(s *session, file string) (*orchestrator.Orchestrator, error) {
	if file != "" {
		return s.app.Orchestrator(file, "")
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return s.app.Orchestrator("", wd)
}

func stopAll(s *session, o *orchestrator.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := o.StopAll(ctx); err != nil {
		s.ui.Error(err.Error())
		return
	}
	s.ui.Success("all services stopped")
}

func createDownCommand(c command) *cobra.Command {
	f := &ServiceFlags{}
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop every service in reverse dependency order",
		Long: `Stop all services. With --api-url the running server stops them;
otherwise the processes holding each service's declared port are killed,
dependents before their dependencies.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Down(cmd, f)
		},
	}
	addServiceFlags(cmd, f)
	return cmd
}

func (c command) Down(cmd *cobra.Command, f *ServiceFlags) error {
	ctx := cmd.Context()
	if f.APIUrl != "" {
		if err := f.client().StopAll(ctx); err != nil {
			return err
		}
		c.ui(cmd).Success("all services stopped")
		return nil
	}

	doc, err := loadDocument(f.File)
	if err != nil {
		return err
	}
	order, err := graph.Resolve(doc.Graph())
	if err != nil {
		return err
	}
	s, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	var failed error
	for _, name := range graph.Reverse(order) {
		spec := doc.Services[name]
		if spec.Port == 0 {
			s.ui.Subtle(name + " has no port, skipped")
			continue
		}
		res, err := s.app.Kill(ctx, []int{spec.Port}, false)
		if err != nil {
			s.ui.Error(fmt.Sprintf("%s: %v", name, err))
			failed = err
			continue
		}
		if len(res) == 0 {
			s.ui.Subtle(fmt.Sprintf("%s not running (port %d free)", name, spec.Port))
			continue
		}
		s.ui.Success(fmt.Sprintf("stopped %s (PID %d) %s", name, res[0].PID, res[0].Outcome))
	}
	return failed
}

func createStatusCommand(c command) *cobra.Command {
	f := &ServiceFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every declared service",
		Long: `Show each service of the graph. With --api-url the server's supervision
table is shown; otherwise a service counts as running when a process
listens on its declared port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd, f)
		},
	}
	addServiceFlags(cmd, f)
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func (c command) Status(cmd *cobra.Command, f *ServiceFlags) error {
	ctx := cmd.Context()
	var rows []client.ServiceStatus
	ui := c.ui(cmd)

	if f.APIUrl != "" {
		list, err := f.client().Services(ctx)
		if err != nil {
			return err
		}
		rows = list
	} else {
		doc, err := loadDocument(f.File)
		if err != nil {
			return err
		}
		s, err := c.open(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ui = s.ui

		var ports []int
		for _, spec := range doc.Services {
			if spec.Port != 0 {
				ports = append(ports, spec.Port)
			}
		}
		procs, err := s.app.Ports(ctx, ports)
		if err != nil {
			return err
		}
		byPort := make(map[int]int, len(procs))
		for _, p := range procs {
			byPort[p.Port] = p.PID
		}
		for _, name := range doc.Names() {
			spec := doc.Services[name]
			pid, up := byPort[spec.Port]
			rows = append(rows, client.ServiceStatus{
				Name: name, Running: up && spec.Port != 0, PID: pid, Port: spec.Port, Command: spec.Command,
			})
		}
	}

	if f.JSON {
		return ui.JSON(rows)
	}
	t := ui.NewTable("SERVICE", "STATE", "PID", "PORT", "COMMAND")
	for _, r := range rows {
		state, pid, port := "stopped", "-", "-"
		if r.Running {
			state = "running"
		}
		if r.PID != 0 {
			pid = strconv.Itoa(r.PID)
		}
		if r.Port != 0 {
			port = strconv.Itoa(r.Port)
		}
		t.AddRow(r.Name, state, pid, port, truncate(r.Command, 60))
	}
	t.Render()
	return nil
}

func createRestartServiceCommand(c command) *cobra.Command {
	f := &ServiceFlags{}
	cmd := &cobra.Command{
		Use:   "restart-service NAME",
		Short: "Restart one service",
		Long: `Restart one service. With --api-url the running server restarts it.
Otherwise whatever holds the service's port is killed and the service,
with any missing dependencies, is supervised in the foreground until
Ctrl+C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RestartService(cmd, args[0], f)
		},
	}
	addServiceFlags(cmd, f)
	return cmd
}

func (c command) RestartService(cmd *cobra.Command, name string, f *ServiceFlags) error {
	ctx := cmd.Context()
	if f.APIUrl != "" {
		if err := f.client().RestartService(ctx, name); err != nil {
			return err
		}
		c.ui(cmd).Success("restarted " + name)
		return nil
	}

	s, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	o, err := openOrchestrator(s, f.File)
	if err != nil {
		return err
	}
	spec, err := o.Document().Service(name)
	if err != nil {
		return err
	}
	if spec.Port != 0 {
		if _, err := s.app.Kill(ctx, []int{spec.Port}, false); err != nil {
			return err
		}
	}
	if err := o.Start(ctx, name); err != nil {
		stopAll(s, o)
		return err
	}
	s.ui.Success("restarted " + name + ", press Ctrl+C to stop")
	<-ctx.Done()
	stopAll(s, o)
	return nil
}
