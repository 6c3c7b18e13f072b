package client

import "time"

// ServiceStatus is one row of GET /api/services.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// StartReport is the body of POST /api/services/start-all. Error is set
// when the run stopped at Failed.
type StartReport struct {
	Started        []string `json:"started"`
	AlreadyRunning []string `json:"already_running"`
	Failed         string   `json:"failed,omitempty"`
	Skipped        []string `json:"skipped,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Rule is one guard rule.
type Rule struct {
	Port   int    `json:"port,omitempty"`
	File   string `json:"file,omitempty"`
	Allow  string `json:"allow,omitempty"`
	Policy string `json:"policy"`
}

// LedgerRecord is one restart recipe.
type LedgerRecord struct {
	Port             int               `json:"port"`
	Command          []string          `json:"command"`
	WorkingDirectory string            `json:"working_directory"`
	Env              map[string]string `json:"env_vars,omitempty"`
	LastUpdated      time.Time         `json:"last_restarted"`
}

// RestartResult is the body of POST /api/ledger/:port/restart.
type RestartResult struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
