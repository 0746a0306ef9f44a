package blocksync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/libs/log"
)

type recorder struct {
	mtx     sync.Mutex
	events  []Event
	started chan struct{}
	release chan struct{}
}

func newRecorder() *recorder {
	return &recorder{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *recorder) handle(ctx context.Context, ev Event) error {
	r.mtx.Lock()
	r.events = append(r.events, ev)
	first := len(r.events) == 1
	r.mtx.Unlock()
	if first {
		close(r.started)
		<-r.release
	}
	return nil
}

func (r *recorder) recorded() []Event {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]Event(nil), r.events...)
}

func startRoutine(t *testing.T, rt *Routine) {
	t.Helper()
	go rt.start(context.Background())
	select {
	case <-rt.ready():
	case <-time.After(time.Second):
		t.Fatal("routine did not start")
	}
}

func TestRoutinePriority(t *testing.T) {
	defer leaktest.Check(t)()

	rec := newRecorder()
	rt := newRoutine("test", rec.handle, 16, log.NewNopLogger(), NopMetrics())
	startRoutine(t, rt)

	require.True(t, rt.send(evTick{}))
	<-rec.started

	require.True(t, rt.send(evServe{peer: "low"}))
	require.True(t, rt.send(evMessage{peer: "normal-1"}))
	require.True(t, rt.send(evPeerRemoved{peer: "high"}))
	require.True(t, rt.send(evMessage{peer: "normal-2"}))
	close(rec.release)

	require.Eventually(t, func() bool { return len(rec.recorded()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Event{
		evTick{},
		evPeerRemoved{peer: "high"},
		evMessage{peer: "normal-1"},
		evMessage{peer: "normal-2"},
		evServe{peer: "low"},
	}, rec.recorded())

	rt.stop()
	assert.NoError(t, <-rt.final())
	assert.False(t, rt.send(evTick{}))
}

func TestRoutineShedsLowPriority(t *testing.T) {
	defer leaktest.Check(t)()

	rec := newRecorder()
	rt := newRoutine("test", rec.handle, 2, log.NewNopLogger(), NopMetrics())
	startRoutine(t, rt)

	require.True(t, rt.send(evTick{}))
	<-rec.started

	assert.True(t, rt.send(evServe{peer: "a"}))
	assert.True(t, rt.send(evServe{peer: "b"}))
	assert.False(t, rt.send(evServe{peer: "c"}))
	// the bound is soft for everything else
	assert.True(t, rt.send(evMessage{peer: "d"}))

	close(rec.release)
	require.Eventually(t, func() bool { return len(rec.recorded()) == 4 }, time.Second, 5*time.Millisecond)
	rt.stop()
	assert.NoError(t, <-rt.final())
}

func TestRoutineHandlerError(t *testing.T) {
	defer leaktest.Check(t)()

	boom := errors.New("boom")
	rt := newRoutine("test", func(context.Context, Event) error { return boom }, 4, log.NewNopLogger(), NopMetrics())
	startRoutine(t, rt)

	require.True(t, rt.send(evTick{}))
	assert.ErrorIs(t, <-rt.final(), boom)
	require.Eventually(t, func() bool { return !rt.isRunning() }, time.Second, 5*time.Millisecond)
	assert.False(t, rt.send(evTick{}))
}
