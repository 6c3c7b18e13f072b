//go:build windows

package control

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

const processQueryLimitedInformation = 0x1000

func terminate(pid int) error {
	if !alive(pid) {
		return fmt.Errorf("pid %d: %w", pid, pkerrors.ErrProcessNotFound)
	}
	out, err := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T").CombinedOutput()
	if err != nil {
		return pkerrors.NewProcessError(fmt.Sprintf("taskkill pid %d: %s", pid, out), err)
	}
	return nil
}

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil || !alive(pid) {
		return fmt.Errorf("pid %d: %w", pid, pkerrors.ErrProcessNotFound)
	}
	if err := p.Kill(); err != nil {
		return pkerrors.NewProcessError(fmt.Sprintf("kill pid %d", pid), err)
	}
	return nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}
