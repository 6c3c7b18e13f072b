package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ calls int }

func (f *failingSink) Send(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

func TestMemoryRecentNewestFirst(t *testing.T) {
	m := NewMemory()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, m.Send(ctx, Event{Type: EventGuardKill, OccurredAt: base, Port: 3000}))
	require.NoError(t, m.Send(ctx, Event{Type: EventKill, OccurredAt: base.Add(time.Second), Port: 4000}))
	require.NoError(t, m.Send(ctx, Event{Type: EventServiceStart, OccurredAt: base.Add(time.Second), Name: "api"}))

	got, err := m.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, EventServiceStart, got[0].Type)
	assert.Equal(t, EventKill, got[1].Type)

	all, _ := m.Recent(ctx, 0)
	assert.Len(t, all, 3)
	assert.Equal(t, EventGuardKill, m.Events()[0].Type)
}

func TestRecorderStampsAndSwallowsErrors(t *testing.T) {
	m := NewMemory()
	NewRecorder(m, nil).Record(context.Background(), Event{Type: EventKill, PID: 7})
	ev := m.Events()
	require.Len(t, ev, 1)
	assert.False(t, ev[0].OccurredAt.IsZero())

	var buf bytes.Buffer
	f := &failingSink{}
	r := NewRecorder(f, slog.New(slog.NewTextHandler(&buf, nil)))
	r.Record(context.Background(), Event{Type: EventGuardKillFailed})
	assert.Equal(t, 1, f.calls)
	assert.Contains(t, buf.String(), "history sink failed")

	var nilRec *Recorder
	nilRec.Record(context.Background(), Event{Type: EventKill})
	(&Recorder{}).Record(context.Background(), Event{Type: EventKill})
}

func TestRecorderIgnoresCancelledCaller(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewRecorder(m, nil).Record(ctx, Event{Type: EventServiceStop})
	assert.Len(t, m.Events(), 1)
}

type stuckSink struct{}

func (stuckSink) Send(ctx context.Context, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRecorderBoundsSlowSink(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(stuckSink{}, slog.New(slog.NewTextHandler(&buf, nil)))
	r.Timeout = 50 * time.Millisecond

	began := time.Now()
	r.Record(context.Background(), Event{Type: EventGuardKill, Port: 3000})
	assert.Less(t, time.Since(began), time.Second)
	assert.Contains(t, buf.String(), "deadline exceeded")
}

func TestMulti(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	f := &failingSink{}
	err := Multi{a, f, b}.Send(context.Background(), Event{Type: EventKill})
	require.Error(t, err)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}
