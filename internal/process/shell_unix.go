//go:build !windows

package process

import (
	"context"
	"os/exec"
)

// ShellCommand runs script through /bin/sh.
func ShellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}
