package blocksync

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/tendermint/chainsync/libs/log"
)

type handleFunc = func(ctx context.Context, event Event) error

const historySize = 25

// item orders events by priority, then by arrival.
type item struct {
	event Event
	seq   uint64
}

func (i *item) Compare(other queue.Item) int {
	o := other.(*item)
	ip, op := i.event.Priority(), o.event.Priority()
	switch {
	case ip > op:
		return -1
	case ip < op:
		return 1
	case i.seq < o.seq:
		return -1
	case i.seq > o.seq:
		return 1
	default:
		return 0
	}
}

// Routine models a finite state machine as a serialized stream of events
// processed by a handle function. Events sent with send are handled one at
// a time in priority order. A handler error, or stop, ends the routine and
// is delivered on final.
type Routine struct {
	name     string
	handle   handleFunc
	queue    *queue.PriorityQueue
	capacity int
	seq      uint64
	history  []Event
	fin      chan error
	rdy      chan struct{}
	running  *uint32
	logger   log.Logger
	metrics  *Metrics
}

func newRoutine(name string, handle handleFunc, bufferSize int, logger log.Logger, metrics *Metrics) *Routine {
	return &Routine{
		name:     name,
		handle:   handle,
		queue:    queue.NewPriorityQueue(bufferSize, true),
		capacity: bufferSize,
		history:  make([]Event, 0, historySize),
		rdy:      make(chan struct{}, 1),
		fin:      make(chan error, 1),
		running:  new(uint32),
		logger:   logger,
		metrics:  metrics,
	}
}

func (rt *Routine) start(ctx context.Context) {
	rt.logger.Info("routine start", "msg", log.NewLazySprintf("%s: run", rt.name))
	running := atomic.CompareAndSwapUint32(rt.running, uint32(0), uint32(1))
	if !running {
		panic(fmt.Sprintf("%s is already running", rt.name))
	}
	close(rt.rdy)
	defer func() {
		if r := recover(); r != nil {
			var (
				b strings.Builder
				j int
			)
			for i := len(rt.history) - 1; i >= 0; i-- {
				fmt.Fprintf(&b, "%d: %T %+v\n", j, rt.history[i], rt.history[i])
				j++
			}
			panic(fmt.Sprintf("%v\nlast events:\n%v", r, b.String()))
		}
		stopped := atomic.CompareAndSwapUint32(rt.running, uint32(1), uint32(0))
		if !stopped {
			panic(fmt.Sprintf("%s is failed to stop", rt.name))
		}
	}()

	for {
		items, err := rt.queue.Get(1)
		if err == queue.ErrDisposed {
			rt.terminate(nil)
			return
		} else if err != nil {
			rt.terminate(err)
			return
		}
		event := items[0].(*item).event
		err = rt.handle(ctx, event)
		rt.metrics.EventsHandled.With("routine", rt.name).Add(1)
		if err != nil {
			rt.logger.Error("routine failed", "routine", rt.name, "event", fmt.Sprintf("%T", event), "err", err)
			rt.terminate(err)
			return
		}

		// ticks would push everything else out of the history
		if _, ok := event.(evTick); !ok {
			rt.history = append(rt.history, event)
			if len(rt.history) > historySize {
				rt.history = rt.history[1:]
			}
		}
	}
}

// send queues event. Low priority events are shed once the queue holds
// capacity events; nothing is accepted after stop.
func (rt *Routine) send(event Event) bool {
	if !rt.isRunning() {
		return false
	}
	if event.Priority() == (priorityLow{}).Priority() && int(rt.queue.Len()) >= rt.capacity {
		rt.metrics.EventsShed.With("routine", rt.name).Add(1)
		rt.logger.Debug("routine send", "msg", log.NewLazySprintf("%s: shed %T, queue is full", rt.name, event))
		return false
	}
	err := rt.queue.Put(&item{event: event, seq: atomic.AddUint64(&rt.seq, 1)})
	if err != nil {
		rt.metrics.EventsShed.With("routine", rt.name).Add(1)
		rt.logger.Error(fmt.Sprintf("%s: send failed, queue was stopped", rt.name))
		return false
	}
	rt.metrics.EventsSent.With("routine", rt.name).Add(1)
	return true
}

func (rt *Routine) isRunning() bool {
	return atomic.LoadUint32(rt.running) == 1
}

func (rt *Routine) ready() <-chan struct{} {
	return rt.rdy
}

func (rt *Routine) stop() {
	if rt.queue.Disposed() {
		return
	}
	rt.logger.Info("routine stop", "msg", log.NewLazySprintf("%s: stop", rt.name))
	rt.queue.Dispose()
}

func (rt *Routine) final() <-chan error {
	return rt.fin
}

func (rt *Routine) terminate(reason error) {
	rt.queue.Dispose()
	rt.fin <- reason
}
