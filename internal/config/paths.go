package config

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the state directory.
const HomeEnv = "PORTKILL_HOME"

// Paths is the on-disk state layout shared by the ledger, history and logs.
type Paths struct {
	Home    string
	Ledger  string
	History string
	Logs    string
	Config  string
}

func NewPaths(home string) Paths {
	return Paths{
		Home:    home,
		Ledger:  filepath.Join(home, "restart-history.json"),
		History: filepath.Join(home, "history.db"),
		Logs:    filepath.Join(home, "logs"),
		Config:  filepath.Join(home, "config.yaml"),
	}
}

// ResolveHome returns PORTKILL_HOME, else ~/.port-kill, else a directory
// under the system temp dir when no home directory can be determined.
func ResolveHome() string {
	if h := os.Getenv(HomeEnv); h != "" {
		return h
	}
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return filepath.Join(h, ".port-kill")
	}
	return filepath.Join(os.TempDir(), "port-kill")
}

// Ensure creates the state and log directories.
func (p Paths) Ensure() error {
	if err := os.MkdirAll(p.Home, 0o750); err != nil {
		return err
	}
	return os.MkdirAll(p.Logs, 0o750)
}
