// Package detector probes whether a started service is ready.
package detector

import "context"

// Detector reports readiness. It must be safe for concurrent use.
type Detector interface {
	// Alive returns true when the probe succeeds.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the probe.
	Describe() string
}
