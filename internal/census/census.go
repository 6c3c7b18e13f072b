// Package census takes snapshots of which processes hold TCP ports or files.
package census

import (
	"context"
	"time"
)

// Process is one observed occupant.
type Process struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port,omitempty"`
	Name      string    `json:"name"`
	Cmdline   string    `json:"cmdline,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	MemoryMB  float64   `json:"memory_mb,omitempty"`
}

// Census maps each occupied port among ports to its listening process.
// Free ports are absent from the result.
type Census interface {
	Scan(ctx context.Context, ports []int) (map[int]Process, error)
}

// FileCensus maps each held path among paths to the processes holding it,
// sorted by pid.
type FileCensus interface {
	ScanFiles(ctx context.Context, paths []string) (map[string][]Process, error)
}

// Func adapts a function to Census.
type Func func(ctx context.Context, ports []int) (map[int]Process, error)

func (f Func) Scan(ctx context.Context, ports []int) (map[int]Process, error) { return f(ctx, ports) }
