package process

import (
	"fmt"
	"os/exec"

	pkerrors "github.com/loykin/portkill/internal/errors"
	"github.com/loykin/portkill/internal/logger"
)

// Spec describes one process launch.
type Spec struct {
	Name     string        `json:"name"`
	Argv     []string      `json:"argv"`     // program followed by its arguments
	Dir      string        `json:"dir"`      // optional working dir
	Env      []string      `json:"env"`      // full environment, "K=V"; nil inherits ours
	Log      logger.Config `json:"log"`      // stdout/stderr destinations; empty discards
	Detached bool          `json:"detached"` // new session instead of a new process group
}

// BuildCommand constructs the *exec.Cmd for s without invoking a shell.
func (s *Spec) BuildCommand() (*exec.Cmd, error) {
	if len(s.Argv) == 0 || s.Argv[0] == "" {
		return nil, pkerrors.NewConfigurationError(fmt.Sprintf("empty command for %q", s.Name), nil)
	}
	// #nosec G204
	cmd := exec.Command(s.Argv[0], s.Argv[1:]...)
	if s.Dir != "" {
		cmd.Dir = s.Dir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd, s.Detached)
	return cmd, nil
}
