package async

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanidx/internal/reconcile"
)

func countingPass(n *atomic.Int32) PassFunc {
	return func(ctx context.Context) (*reconcile.PassResult, error) {
		n.Add(1)
		return &reconcile.PassResult{Claimed: 1}, nil
	}
}

func TestNewLoop(t *testing.T) {
	// Given/When: a loop that was never started
	l := NewLoop(LoopConfig{}, countingPass(new(atomic.Int32)))

	// Then
	require.NotNil(t, l)
	assert.NotNil(t, l.Progress())
	assert.False(t, l.IsRunning())
	l.Stop()
}

func TestLoop_RunsPassAtStart(t *testing.T) {
	// Given: a long interval so only the initial pass can run
	var n atomic.Int32
	l := NewLoop(LoopConfig{Interval: time.Hour}, countingPass(&n))

	// When
	l.Start(context.Background())
	defer l.Stop()

	// Then
	assert.True(t, l.IsRunning())
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return l.Progress().Snapshot().Passes == 1 }, time.Second, 5*time.Millisecond)
}

func TestLoop_TriggerRunsAnotherPass(t *testing.T) {
	var n atomic.Int32
	l := NewLoop(LoopConfig{Interval: time.Hour}, countingPass(&n))
	l.Start(context.Background())
	defer l.Stop()
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)

	l.Trigger()

	require.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestLoop_TicksOnInterval(t *testing.T) {
	var n atomic.Int32
	l := NewLoop(LoopConfig{Interval: 10 * time.Millisecond}, countingPass(&n))

	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestLoop_FailedPassKeepsLooping(t *testing.T) {
	// Given: a pass that fails once and then succeeds
	var n atomic.Int32
	pass := func(ctx context.Context) (*reconcile.PassResult, error) {
		if n.Add(1) == 1 {
			return &reconcile.PassResult{}, fmt.Errorf("list drift: database is locked")
		}
		return &reconcile.PassResult{}, nil
	}
	l := NewLoop(LoopConfig{Interval: 10 * time.Millisecond}, pass)

	// When
	l.Start(context.Background())
	require.Eventually(t, func() bool { return n.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	l.Stop()

	// Then
	snap := l.Progress().Snapshot()
	assert.Equal(t, 1, snap.FailedPasses)
	assert.Equal(t, string(StateStopped), snap.State)
	assert.NoError(t, l.Wait())
}

func TestLoop_AfterPassRunsEveryPass(t *testing.T) {
	var n, after atomic.Int32
	l := NewLoop(LoopConfig{
		Interval:  time.Hour,
		AfterPass: func(context.Context) { after.Add(1) },
	}, countingPass(&n))

	l.Start(context.Background())
	defer l.Stop()
	l.Trigger()

	require.Eventually(t, func() bool { return after.Load() == n.Load() && n.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestLoop_StopCancelsRunningPass(t *testing.T) {
	// Given: a pass that blocks until its context ends
	entered := make(chan struct{})
	pass := func(ctx context.Context) (*reconcile.PassResult, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	l := NewLoop(LoopConfig{Interval: time.Hour}, pass)
	l.Start(context.Background())
	<-entered

	// When
	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	// Then
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, l.IsRunning())
	assert.ErrorIs(t, l.Wait(), context.Canceled)
}

func TestLoop_ParentContextStopsLoop(t *testing.T) {
	var n atomic.Int32
	l := NewLoop(LoopConfig{Interval: time.Hour}, countingPass(&n))
	ctx, cancel := context.WithCancel(context.Background())

	l.Start(ctx)
	cancel()

	assert.NoError(t, l.Wait())
	assert.False(t, l.IsRunning())
}

func TestLoop_StartTwiceIsNoop(t *testing.T) {
	var n atomic.Int32
	l := NewLoop(LoopConfig{Interval: time.Hour}, countingPass(&n))

	l.Start(context.Background())
	l.Start(context.Background())
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	l.Stop()

	assert.Equal(t, int32(1), n.Load())
}
