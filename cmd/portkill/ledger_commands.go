package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

func createLedgerCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Manage saved restart information",
		Long: `The restart ledger keeps, per port, the command line, working directory
and selected environment of a process so it can be started again.`,
	}
	cmd.AddCommand(
		createLedgerListCommand(c),
		createLedgerRecordCommand(c),
		createLedgerRestartCommand(c),
		createLedgerClearCommand(c),
	)
	return cmd
}

func parsePortArg(arg string) (int, error) {
	p, err := strconv.Atoi(arg)
	if err != nil || p <= 0 || p > 65535 {
		return 0, pkerrors.NewConfigurationError(fmt.Sprintf("invalid port %q", arg), err)
	}
	return p, nil
}

func createLedgerListCommand(c command) *cobra.Command {
	f := &LedgerFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved restart information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			recs := s.app.Ledger.All()
			if f.JSON {
				return s.ui.JSON(recs)
			}
			if len(recs) == 0 {
				s.ui.Info("No restart information saved")
				return nil
			}
			t := s.ui.NewTable("PORT", "COMMAND", "DIRECTORY", "SAVED")
			for _, r := range recs {
				t.AddRow(strconv.Itoa(r.Port), truncate(strings.Join(r.Command, " "), 60),
					r.WorkingDirectory, r.LastUpdated.Local().Format(time.DateTime))
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createLedgerRecordCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "record PORT",
		Short: "Save how to restart the process on PORT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePortArg(args[0])
			if err != nil {
				return err
			}
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			r, err := s.app.Record(cmd.Context(), port)
			if err != nil {
				return err
			}
			s.ui.Success(fmt.Sprintf("Saved port %d: %s (in %s)", port, strings.Join(r.Command, " "), r.WorkingDirectory))
			return nil
		},
	}
}

func createLedgerRestartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart PORT",
		Short: "Start the saved command for PORT without killing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePortArg(args[0])
			if err != nil {
				return err
			}
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			pid, err := s.app.Ledger.Restart(cmd.Context(), port)
			if err != nil {
				return err
			}
			s.ui.Success(fmt.Sprintf("Started port %d as PID %d", port, pid))
			return nil
		},
	}
}

func createLedgerClearCommand(c command) *cobra.Command {
	f := &LedgerFlags{}
	cmd := &cobra.Command{
		Use:   "clear [PORT]",
		Short: "Forget saved restart information",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.All == (len(args) == 1) {
				return pkerrors.NewConfigurationError("pass either a PORT or --all", nil)
			}
			s, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if f.All {
				if err := s.app.Ledger.ClearAll(); err != nil {
					return err
				}
				s.ui.Success("Cleared all restart information")
				return nil
			}
			port, err := parsePortArg(args[0])
			if err != nil {
				return err
			}
			if err := s.app.Ledger.Clear(port); err != nil {
				return err
			}
			s.ui.Success(fmt.Sprintf("Cleared restart information for port %d", port))
			return nil
		},
	}
	cmd.Flags().BoolVar(&f.All, "all", false, "clear every port")
	return cmd
}
