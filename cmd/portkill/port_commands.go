package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/portkill"
	"github.com/loykin/portkill/internal/census"
	pkerrors "github.com/loykin/portkill/internal/errors"
)

func createPortsCommand(c command) *cobra.Command {
	f := &PortFlags{}
	cmd := &cobra.Command{
		Use:   "ports [PORTS...]",
		Short: "List processes listening on ports",
		Long: `List the processes listening on the given ports. Ports may be single
numbers, inclusive ranges or comma-separated lists. Without ports the
configured guard ports are scanned, or 2000-6000 when none are configured.

Examples:
  portkill ports
  portkill ports 3000 8080
  portkill ports 3000-3010,5432 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ports(cmd, append(append([]string(nil), f.Ports...), args...), f)
		},
	}
	cmd.Flags().StringSliceVarP(&f.Ports, "port", "p", nil, "ports to scan (repeatable, ranges allowed)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func (c command) Ports(cmd *cobra.Command, specs []string, f *PortFlags) error {
	s, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ports, err := scanPorts(specs, s.app.Settings)
	if err != nil {
		return err
	}
	procs, err := s.app.Ports(cmd.Context(), ports)
	if err != nil {
		return err
	}
	if f.JSON {
		return s.ui.JSON(procs)
	}
	if len(procs) == 0 {
		s.ui.Info(fmt.Sprintf("No processes listening on %d scanned port(s)", len(ports)))
		return nil
	}
	printProcesses(s.ui, procs)
	return nil
}

func printProcesses(ui *UI, procs []portkill.Process) {
	t := ui.NewTable("PORT", "PID", "NAME", "MEM", "STARTED", "COMMAND")
	for _, p := range procs {
		started := "-"
		if !p.CreatedAt.IsZero() {
			started = p.CreatedAt.Format(time.DateTime)
		}
		t.AddRow(strconv.Itoa(p.Port), strconv.Itoa(p.PID), p.Name,
			fmt.Sprintf("%.1fMB", p.MemoryMB), started, truncate(p.Cmdline, 60))
	}
	t.Render()
}

// scanPorts parses specs, falling back to the configured guard ports and
// then to the default scan window.
func scanPorts(specs []string, s *portkill.Settings) ([]int, error) {
	if len(specs) > 0 {
		return census.ParsePorts(specs...)
	}
	if ports := s.Guard.WatchedPorts(); len(ports) > 0 {
		return ports, nil
	}
	return census.Range(census.DefaultStartPort, census.DefaultEndPort), nil
}

func requirePorts(specs []string) ([]int, error) {
	ports, err := census.ParsePorts(specs...)
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, pkerrors.NewConfigurationError("no ports given; use --port", nil)
	}
	return ports, nil
}

func createKillCommand(c command) *cobra.Command {
	f := &PortFlags{}
	cmd := &cobra.Command{
		Use:   "kill [PORTS...]",
		Short: "Kill the processes listening on ports",
		Long: `Terminate the processes holding the given ports, forcing them after the
grace period. With --save the command line and working directory of each
process is stored first so 'portkill restart' can bring it back.

Examples:
  portkill kill --port 3000
  portkill kill 3000-3005 --save`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill(cmd, append(append([]string(nil), f.Ports...), args...), f)
		},
	}
	cmd.Flags().StringSliceVarP(&f.Ports, "port", "p", nil, "ports to free (repeatable, ranges allowed)")
	cmd.Flags().BoolVar(&f.Save, "save", false, "save restart information before killing")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func (c command) Kill(cmd *cobra.Command, specs []string, f *PortFlags) error {
	ports, err := requirePorts(specs)
	if err != nil {
		return err
	}
	s, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return killPorts(cmd, s, ports, f)
}

func killPorts(cmd *cobra.Command, s *session, ports []int, f *PortFlags) error {
	res, err := s.app.Kill(cmd.Context(), ports, f.Save)
	if f.JSON {
		if jerr := s.ui.JSON(res); jerr != nil {
			return jerr
		}
		return err
	}
	if len(res) == 0 && err == nil {
		s.ui.Info("Nothing to kill: all ports are free")
		return nil
	}
	for _, r := range res {
		msg := fmt.Sprintf("port %d: %s (PID %d)", r.Port, r.Name, r.PID)
		if r.Error != "" {
			s.ui.Error(msg + ": " + r.Error)
			continue
		}
		msg += " " + r.Outcome
		if r.Saved {
			msg += ", restart info saved"
		}
		s.ui.Success(msg)
	}
	return err
}

func createResetCommand(c command) *cobra.Command {
	f := &PortFlags{}
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Free the common development ports",
		Long: `Kill whatever holds the common development ports:
3000, 5000, 8000, 5432, 3306, 6379, 27017, 8080 and 9000.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			return killPorts(cmd, s, census.CommonDevPorts, f)
		},
	}
	cmd.Flags().BoolVar(&f.Save, "save", false, "save restart information before killing")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createRestartCommand(c command) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the process saved for a port",
		Long: `Kill whatever holds the port and start the command saved for it in the
restart ledger, in its recorded working directory.

Examples:
  portkill kill --port 3000 --save
  portkill restart --port 3000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port <= 0 || port > 65535 {
				return pkerrors.NewConfigurationError("a valid --port is required", nil)
			}
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			pid, err := s.app.RestartPort(cmd.Context(), port)
			if err != nil {
				return err
			}
			s.ui.Success(fmt.Sprintf("Restarted port %d as PID %d", port, pid))
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to restart")
	return cmd
}

func createHistoryCommand(c command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent kills, restarts and service events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			events, err := s.app.History(cmd.Context(), f.Limit)
			if err != nil {
				return err
			}
			if f.JSON {
				return s.ui.JSON(events)
			}
			if len(events) == 0 {
				s.ui.Info("No history yet")
				return nil
			}
			t := s.ui.NewTable("TIME", "EVENT", "SOURCE", "PORT", "PID", "NAME", "DETAIL")
			for _, e := range events {
				port := "-"
				if e.Port != 0 {
					port = strconv.Itoa(e.Port)
				}
				t.AddRow(e.OccurredAt.Local().Format(time.DateTime), string(e.Type), e.Source,
					port, strconv.Itoa(e.PID), e.Name, truncate(e.Detail, 50))
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}
