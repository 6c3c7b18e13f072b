package main

import "time"

// GlobalFlags are the persistent flags of the root command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Plain      bool
}

type PortFlags struct {
	Ports []string
	Save  bool
	JSON  bool
}

// ServiceFlags select the service graph and, optionally, a running server
// to drive instead of supervising in the foreground.
type ServiceFlags struct {
	File       string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

type GuardFlags struct {
	Ports    []string
	Allow    string
	Interval time.Duration
	NoReload bool
}

type ScriptFlags struct {
	File string
}

type HistoryFlags struct {
	Limit int
	JSON  bool
}

type InitFlags struct {
	Path  string
	Force bool
}

type LedgerFlags struct {
	All  bool
	JSON bool
}

type ServeFlags struct {
	File     string
	Listen   string
	Up       bool
	NoGuard  bool
	NoReload bool
}
