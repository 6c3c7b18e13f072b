//go:build windows

package process

import (
	"os"
	"os/exec"
	"strconv"
)

// TerminateGroup asks the process tree rooted at pid to exit.
func TerminateGroup(pid int) error {
	// #nosec G204
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T").Run()
}

// KillGroup forcibly ends the process tree rooted at pid.
func KillGroup(pid int) error {
	// #nosec G204
	if err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run(); err != nil {
		p, ferr := os.FindProcess(pid)
		if ferr != nil {
			return err
		}
		return p.Kill()
	}
	return nil
}
