//go:build windows

package process

import (
	"context"
	"os/exec"
)

// ShellCommand runs script through cmd.exe.
func ShellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/c", script)
}
