package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_RunsJobWithBaseContext(t *testing.T) {
	type key struct{}
	base := context.WithValue(context.Background(), key{}, "base")

	r := New(nil, base)
	var runs atomic.Int32
	var sawBase atomic.Bool
	require.NoError(t, r.Add("tick", "@every 1s", func(ctx context.Context) {
		sawBase.Store(ctx.Value(key{}) == "base")
		runs.Add(1)
	}))
	assert.Equal(t, 1, r.Jobs())

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.True(t, sawBase.Load())
}

func TestRunner_RejectsBadSpec(t *testing.T) {
	r := New(nil, nil)
	err := r.Add("broken", "every now and then", func(context.Context) {})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, 0, r.Jobs())
}

func TestRunner_RecoversPanickingJob(t *testing.T) {
	r := New(nil, nil)
	var after atomic.Int32
	require.NoError(t, r.Add("panics", "@every 1s", func(context.Context) { panic("boom") }))
	require.NoError(t, r.Add("healthy", "@every 1s", func(context.Context) { after.Add(1) }))

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool { return after.Load() >= 2 }, 4*time.Second, 20*time.Millisecond)
}

func TestRunner_StopWaitsForRunningJob(t *testing.T) {
	r := New(nil, nil)
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, r.Add("slow", "@every 1s", func(context.Context) {
		select {
		case <-started:
			return
		default:
			close(started)
		}
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
	}))

	r.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	r.Stop()
	assert.True(t, finished.Load())
}
