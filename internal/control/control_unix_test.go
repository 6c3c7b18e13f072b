//go:build !windows

package control

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystem_StopSleep(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()

	pid := cmd.Process.Pid
	assert.True(t, System{}.Alive(pid))

	// Stop polls Alive, which stays true for a zombie until Wait reaps it.
	out, err := Stop(context.Background(), System{}, pid, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, []Outcome{Terminated, Killed}, out)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("sleep was not stopped")
	}
}

func TestSystem_IgnoresSIGTERM(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "trap '' TERM; sleep 30")
	require.NoError(t, cmd.Start())
	go func() { _ = cmd.Wait() }()
	time.Sleep(100 * time.Millisecond)

	out, err := Stop(context.Background(), System{}, cmd.Process.Pid, 150*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Killed, out)
}
