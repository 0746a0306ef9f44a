package service

import (
	"context"
	"errors"
	"sync"

	"github.com/tendermint/chainsync/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service (without resetting it).
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a service that can be started and stopped.
type Service interface {
	// Start is called to start the service, which should run until
	// the context terminates. If the service is already running, Start
	// must report an error.
	Start(context.Context) error

	// Stop the service. Stopping a service cancels the context it
	// was started with.
	Stop()

	// IsRunning reports whether the service is running.
	IsRunning() bool

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that the
// BaseService implementation wraps.
type Implementation interface {
	// Called by the Services Start Method
	OnStart(context.Context) error

	// Called when the service's context is canceled.
	OnStop()
}

/*
BaseService carries the start/stop bookkeeping of a long running
component. A service is started once; OnStart runs with a context that is
canceled when Stop is called or when the parent context ends, after which
OnStop runs exactly once.

Typical usage:

	type Reactor struct {
		*service.BaseService
		// private fields
	}

	func NewReactor(logger log.Logger) *Reactor {
		r := &Reactor{}
		r.BaseService = service.NewBaseService(logger, "Reactor", r)
		return r
	}

	func (r *Reactor) OnStart(ctx context.Context) error {
		go r.run(ctx)
		return nil
	}

	func (r *Reactor) OnStop() {}
*/
type BaseService struct {
	logger log.Logger
	name   string

	mtx     sync.Mutex
	quit    <-chan struct{}
	cancel  context.CancelFunc
	started bool
	stopped bool

	// The "subclass" of BaseService
	impl Implementation
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	return &BaseService{
		logger: logger,
		name:   name,
		impl:   impl,
	}
}

// Start starts the Service and calls its OnStart method. An error will be
// returned if the service is already running or stopped.
func (bs *BaseService) Start(ctx context.Context) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.quit != nil {
		return ErrAlreadyStarted
	}
	if bs.stopped {
		return ErrAlreadyStopped
	}

	srvCtx, cancel := context.WithCancel(context.Background())

	bs.cancel = cancel
	bs.quit = srvCtx.Done()

	bs.logger.Info("starting service", "service", bs.name)

	if err := bs.impl.OnStart(srvCtx); err != nil {
		cancel()
		bs.quit = nil
		return err
	}
	bs.started = true

	go func(ctx context.Context) {
		select {
		case <-srvCtx.Done():
			// this means stop was called manually
			return
		case <-ctx.Done():
			bs.Stop()
		}

		bs.logger.Info("stopped service", "service", bs.name)
	}(ctx)

	return nil
}

// Stop manually terminates the service by calling OnStop method from
// the implementation and releases all resources related to the
// service.
func (bs *BaseService) Stop() {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if !bs.started || bs.stopped {
		return
	}

	bs.logger.Info("stopping service", "service", bs.name)
	bs.impl.OnStop()
	bs.cancel()
	bs.stopped = true
}

// IsRunning implements Service by returning true or false depending on the
// service's state.
func (bs *BaseService) IsRunning() bool {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	return bs.started && !bs.stopped
}

func (bs *BaseService) getWait() <-chan struct{} {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.quit == nil {
		out := make(chan struct{})
		close(out)
		return out
	}

	return bs.quit
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.getWait() }

// String provides a human-friendly representation of the service.
func (bs *BaseService) String() string { return bs.name }
