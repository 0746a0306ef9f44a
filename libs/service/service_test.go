package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/libs/log"
)

type testService struct {
	started bool
	stopped bool
	mtx     sync.Mutex
	fail    error
	*BaseService
}

func (t *testService) OnStop() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.stopped = true
}

func (t *testService) OnStart(context.Context) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.started = true
	return nil
}

func (t *testService) isStopped() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.stopped
}

func newTestService(fail error) *testService {
	ts := &testService{fail: fail}
	ts.BaseService = NewBaseService(log.NewNopLogger(), "test-service", ts)
	return ts
}

func TestBaseService(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("Wait", func(t *testing.T) {
		ts := newTestService(nil)
		require.NoError(t, ts.Start(ctx))
		require.True(t, ts.IsRunning())

		waitFinished := make(chan struct{})
		go func() {
			ts.Wait()
			close(waitFinished)
		}()

		ts.Stop()

		select {
		case <-waitFinished:
		case <-time.After(100 * time.Millisecond):
			t.Fatal("expected Wait() to finish within 100 ms.")
		}
		require.False(t, ts.IsRunning())
		require.True(t, ts.isStopped())
	})

	t.Run("ManualStop", func(t *testing.T) {
		ts := newTestService(nil)
		require.False(t, ts.IsRunning())
		require.NoError(t, ts.Start(ctx))
		require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStarted)

		ts.Stop()
		require.False(t, ts.IsRunning())
		ts.Stop()
	})

	t.Run("ContextCancel", func(t *testing.T) {
		srvCtx, srvCancel := context.WithCancel(ctx)
		ts := newTestService(nil)
		require.NoError(t, ts.Start(srvCtx))

		srvCancel()
		ts.Wait()

		require.Eventually(t, ts.isStopped, time.Second, 5*time.Millisecond)
	})

	t.Run("FailedStart", func(t *testing.T) {
		boom := errors.New("boom")
		ts := newTestService(boom)
		require.ErrorIs(t, ts.Start(ctx), boom)
		require.False(t, ts.IsRunning())
	})
}
