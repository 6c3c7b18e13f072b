package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

// fakeController simulates a process that may ignore SIGTERM.
type fakeController struct {
	mu          sync.Mutex
	alive       map[int]bool
	ignoresTerm bool
	termErr     error
	terms       []int
	kills       []int
}

func (f *fakeController) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms = append(f.terms, pid)
	if !f.alive[pid] {
		return pkerrors.ErrProcessNotFound
	}
	if f.termErr != nil {
		return f.termErr
	}
	if !f.ignoresTerm {
		f.alive[pid] = false
	}
	return nil
}

func (f *fakeController) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, pid)
	if !f.alive[pid] {
		return pkerrors.ErrProcessNotFound
	}
	f.alive[pid] = false
	return nil
}

func (f *fakeController) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func TestStop_Graceful(t *testing.T) {
	f := &fakeController{alive: map[int]bool{10: true}}
	out, err := Stop(context.Background(), f, 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Terminated, out)
	assert.Empty(t, f.kills)
}

func TestStop_ForceAfterGrace(t *testing.T) {
	f := &fakeController{alive: map[int]bool{10: true}, ignoresTerm: true}
	start := time.Now()
	out, err := Stop(context.Background(), f, 10, 60*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Killed, out)
	assert.Equal(t, []int{10}, f.kills)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestStop_AlreadyGone(t *testing.T) {
	f := &fakeController{alive: map[int]bool{}}
	out, err := Stop(context.Background(), f, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, Gone, out)
	assert.Empty(t, f.kills)
}

func TestStop_TerminateErrorStillKills(t *testing.T) {
	f := &fakeController{
		alive:   map[int]bool{10: true},
		termErr: pkerrors.NewProcessError("permission denied", nil),
	}
	out, err := Stop(context.Background(), f, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Killed, out)
	assert.Equal(t, []int{10}, f.kills)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "gone", Gone.String())
	assert.Equal(t, "terminated", Terminated.String())
	assert.Equal(t, "killed", Killed.String())
}

func TestSystem_DeadPidIsNotFound(t *testing.T) {
	var s System
	// pids this large are never allocated on the platforms we run on
	const dead = 1 << 30
	assert.False(t, s.Alive(dead))
	err := s.Terminate(dead)
	require.Error(t, err)
	assert.True(t, pkerrors.IsNotFoundError(err))
	assert.True(t, errors.Is(err, pkerrors.ErrProcessNotFound))
}
