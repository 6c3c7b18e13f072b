package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/portkill/internal/cmdline"
	"github.com/loykin/portkill/internal/process"
)

// CommandDetector runs a command that exits zero once the service is ready.
type CommandDetector struct {
	Command string
	Dir     string
	Env     []string
}

// shellMeta marks commands that need a shell to run.
const shellMeta = "|&;<>*?`$(){}[]~"

// buildShellAwareCommand avoids a shell unless the command uses shell syntax.
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, shellMeta) {
		return process.ShellCommand(ctx, cmdStr)
	}
	parts := cmdline.Split(cmdStr)
	if len(parts) == 0 {
		return process.ShellCommand(ctx, "exit 0")
	}
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// Alive runs the command once. A non-zero exit is "not ready" with a nil
// error; failing to run the command at all is an error.
func (d CommandDetector) Alive(ctx context.Context) (bool, error) {
	cmd := buildShellAwareCommand(ctx, d.Command)
	cmd.Dir = d.Dir
	if d.Env != nil {
		cmd.Env = d.Env
	}
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
