package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusrelay/internal/eventbus"
	logx "statusrelay/pkg/logx"
)

func TestAddScheduleValidation(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }

	assert.ErrorIs(t, s.AddSchedule(" ", "5m", 0, noop), ErrNameRequired)
	assert.Error(t, s.AddSchedule("poll", "garbage", 0, noop))
	assert.Error(t, s.AddSchedule("poll", "61 * * * *", 0, noop))
	assert.Error(t, s.AddSchedule("poll", "5m", 0, nil))

	require.NoError(t, s.AddSchedule("poll", "5m", time.Minute, noop))
	require.NoError(t, s.AddSchedule("poll", "*/10 * * * *", 0, noop))
	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "*/10 * * * *", snap.Schedules[0].Spec)

	assert.True(t, s.Remove("poll"))
	assert.False(t, s.Remove("poll"))
}

func TestRunNowPublishesEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{DefaultTimeout: time.Second}, logx.Nop(), bus)
	boom := errors.New("boom")
	var sawDeadline atomic.Bool
	require.NoError(t, s.AddSchedule("ok", "1h", 0, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		return nil
	}))
	require.NoError(t, s.AddSchedule("bad", "1h", 0, func(context.Context) error { return boom }))

	require.NoError(t, s.RunNow(context.Background(), "ok"))
	assert.True(t, sawDeadline.Load())
	assert.ErrorIs(t, s.RunNow(context.Background(), "bad"), boom)
	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrNotFound)

	var types []string
	for len(types) < 4 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{EventStarted, EventFinished, EventStarted, EventFailed}, types)

	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.Runs)
	assert.EqualValues(t, 1, snap.Failed)
	assert.Equal(t, "boom", snap.Schedules[1].LastError)
}

func TestRunSkipsWhileInFlight(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.AddSchedule("slow", "1h", 0, func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	require.NoError(t, s.RunNow(context.Background(), "slow"))
	assert.EqualValues(t, 1, s.Snapshot().Skipped)

	close(release)
	require.NoError(t, <-done)
}

func TestStartTriggersAndStopCancels(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop(), nil)
	var runs atomic.Int32
	require.NoError(t, s.AddSchedule("tick", "1s", 0, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, "UTC", snap.Timezone)
	assert.False(t, snap.Schedules[0].Next.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	n := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
}

func TestIntervalSpreadDelaysFirstRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(10*time.Second, now)
	assert.Less(t, jitter, 10*time.Second)
	first := sched.Next(now)
	assert.Equal(t, now.Add(10*time.Second+jitter), first)
	assert.Equal(t, first.Add(10*time.Second).Truncate(time.Second), sched.Next(first).Truncate(time.Second))
}
