package process

import (
	"fmt"

	pkerrors "github.com/loykin/portkill/internal/errors"
	"github.com/loykin/portkill/internal/logger"
)

// StartDetached spawns spec in a new session with stdio on the null device
// and returns its pid. A background goroutine reaps it if it exits while we
// are still running; after we exit it is reparented to init.
func StartDetached(spec Spec) (int, error) {
	spec.Detached = true
	spec.Log = logger.Config{}
	cmd, err := spec.BuildCommand()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, pkerrors.NewProcessError(fmt.Sprintf("failed to start %s", spec.Argv[0]), err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
