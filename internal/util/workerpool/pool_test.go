package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 2, QueueSize: 8})
	defer pool.Stop(time.Second)

	var ran int32
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(Task{Fn: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}}))
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 4 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return pool.Stats().CompletedTasks == 4 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_DeduplicatesByKey(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 2, QueueSize: 8})
	defer pool.Stop(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Key: "n2", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	assert.True(t, pool.InFlight("n2"))
	err := pool.Submit(Task{Key: "n2", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, pool.Submit(Task{Key: "n3", Fn: func(context.Context) error { return nil }}))

	close(release)
	assert.Eventually(t, func() bool { return !pool.InFlight("n2") }, time.Second, 5*time.Millisecond)
	assert.NoError(t, pool.Submit(Task{Key: "n2", Fn: func(context.Context) error { return nil }}))
}

func TestWorkerPool_TryClaim(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer pool.Stop(time.Second)

	require.True(t, pool.TryClaim("n2"))
	assert.False(t, pool.TryClaim("n2"))
	assert.False(t, pool.TryClaim(""), "the empty key cannot be claimed")
	assert.True(t, pool.InFlight("n2"))

	err := pool.Submit(Task{Key: "n2", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrDuplicate)

	pool.Release("n2")
	assert.False(t, pool.InFlight("n2"))
	assert.NoError(t, pool.Submit(Task{Key: "n2", Fn: func(context.Context) error { return nil }}))
	assert.Eventually(t, func() bool { return !pool.InFlight("n2") }, time.Second, 5*time.Millisecond)
	assert.True(t, pool.TryClaim("n2"), "a finished task leaves the key free")
	pool.Release("n2")
}

func TestWorkerPool_FailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer pool.Stop(time.Second)

	require.NoError(t, pool.Submit(Task{Key: "a", Fn: func(context.Context) error { return errors.New("boom") }}))
	require.NoError(t, pool.Submit(Task{Key: "b", Fn: func(context.Context) error { panic("bad") }}))

	assert.Eventually(t, func() bool { return pool.Stats().FailedTasks == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !pool.InFlight("b") }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_Stopped(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(Task{Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)
}
