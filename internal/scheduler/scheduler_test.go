package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNew_RejectsInvalidCron(t *testing.T) {
	_, err := New(Options{Cron: "every day at two"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNextRun_DailyAtTwo(t *testing.T) {
	s, err := New(Options{Cron: "0 2 * * *"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	now := time.Date(2025, 3, 10, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC), s.NextRun(now))
	assert.Equal(t, time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC), s.NextRun(now.Add(time.Hour)))
}

func TestRun_RunsOnStartAndStopsWithContext(t *testing.T) {
	s, err := New(Options{Cron: "0 2 * * *", RunOnStart: true}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.Run(ctx, func(context.Context) error {
			ran <- struct{}{}
			return errors.New("source unreachable")
		})
	}()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run on start")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRun_WaitsForStartupRunBeforeReturning(t *testing.T) {
	s, err := New(Options{Cron: "0 2 * * *", RunOnStart: true}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var finished atomic.Bool
	done := make(chan error, 1)

	go func() {
		done <- s.Run(ctx, func(jobCtx context.Context) error {
			close(started)
			<-jobCtx.Done()
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return jobCtx.Err()
		})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run on start")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.True(t, finished.Load(), "Run returned while the startup run was still going")
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
