//go:build !windows

package control

import (
	"errors"
	"fmt"
	"syscall"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

func terminate(pid int) error { return signal(pid, syscall.SIGTERM) }

func kill(pid int) error { return signal(pid, syscall.SIGKILL) }

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return pkerrors.NewProcessError(fmt.Sprintf("invalid pid %d", pid), nil)
	}
	err := syscall.Kill(pid, sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		return fmt.Errorf("pid %d: %w", pid, pkerrors.ErrProcessNotFound)
	default:
		return pkerrors.NewProcessError(fmt.Sprintf("send %s to pid %d", sig, pid), err)
	}
}
