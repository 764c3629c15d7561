package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svitlobot/internal/eventbus"
	logx "svitlobot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4}, nil)

	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "ping", Run: func(context.Context) error {
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	require.Eventually(t, func() bool { return s.Snapshot().Completed == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)

	tests := []struct {
		name string
		task Task
		want error
	}{
		{"nil run", Task{Name: "x"}, ErrInvalid},
		{"blank name", Task{Name: "  ", Run: func(context.Context) error { return nil }}, ErrInvalid},
		{"not started", Task{Name: "x", Run: func(context.Context) error { return nil }}, ErrStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.Enqueue(tt.task), tt.want)
		})
	}

	disabled := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, disabled.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrDisabled)
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, bus)

	release := make(chan struct{})
	started := make(chan struct{})
	block := func(context.Context) error {
		close(started)
		<-release
		return nil
	}
	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: block}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }}), ErrQueueFull)
	close(release)

	assert.Equal(t, uint64(1), s.Snapshot().DroppedQueueFull)
	select {
	case ev := <-events:
		assert.Equal(t, eventbus.TypeTaskDropped, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected drop event")
	}
}

func TestPanicAndErrorDoNotKillWorker(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 8}, nil)

	require.NoError(t, s.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("boom") }}))
	require.NoError(t, s.Enqueue(Task{Name: "fails", Run: func(context.Context) error { return errors.New("nope") }}))

	var ran atomic.Bool
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}))

	require.Eventually(t, ran.Load, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Snapshot().Failed == 2 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 3 }, 2*time.Second, 5*time.Millisecond)
	h := s.Snapshot().History
	assert.Contains(t, h[0].Error, "panic: boom")
	assert.Equal(t, "nope", h[1].Error)
	assert.Empty(t, h[2].Error)
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 2, DefaultTimeout: 20 * time.Millisecond}, nil)

	require.NoError(t, s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.Eventually(t, func() bool { return s.Snapshot().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, s.Snapshot().History[0].Error, context.DeadlineExceeded.Error())
}

func TestStaleTasksAreDropped(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, MaxQueueDelay: 10 * time.Millisecond}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	var ran atomic.Bool
	require.NoError(t, s.Enqueue(Task{Name: "late", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}))
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return s.Snapshot().DroppedStale == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, ran.Load())
}

func TestGroupLimitLeavesRoomForOtherWork(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 3, QueueSize: 8, GroupLimits: map[string]int{"announce": 1}}, nil)

	var running, peak atomic.Int32
	gate := make(chan struct{})
	fanout := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		running.Add(-1)
		return nil
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(Task{Name: "announce.update", Group: "announce", Run: fanout}))
	}

	reminded := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "job:reminder", Run: func(context.Context) error {
		close(reminded)
		return nil
	}}))
	select {
	case <-reminded:
	case <-time.After(2 * time.Second):
		t.Fatal("ungrouped task starved")
	}

	close(gate)
	require.Eventually(t, func() bool { return s.Snapshot().Completed == 4 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), peak.Load())
	assert.NotZero(t, s.Snapshot().GroupDeferred)
}

func TestApplyResizeKeepsQueuedTasks(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4}, nil)

	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow task did not start")
	}

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(Task{Name: "queued", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Apply(ctx, Config{Enabled: true, Workers: 2, QueueSize: 4})

	require.Eventually(t, func() bool { return ran.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Workers)
	assert.Zero(t, snap.DroppedQueueFull)
	assert.Equal(t, uint64(1), snap.Failed)
}

func TestGroupSetAcquire(t *testing.T) {
	t.Parallel()
	g := newGroupSet(map[string]int{"a": 1, "": 3, "b": 0})

	rel, ok := g.acquire("a")
	require.True(t, ok)
	_, ok = g.acquire("a")
	assert.False(t, ok)
	rel()
	_, ok = g.acquire("a")
	assert.True(t, ok)

	for i := 0; i < 5; i++ {
		_, ok = g.acquire("b")
		assert.True(t, ok, "unlimited group")
	}
	_, ok = (*groupSet)(nil).acquire("a")
	assert.True(t, ok)
}
