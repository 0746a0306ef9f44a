package p2p

import (
	"errors"
	"sync"

	"github.com/tendermint/chainsync/internal/wire"
)

var (
	// ErrQueueFull is returned by Send when a peer is not draining its
	// outbound queue fast enough.
	ErrQueueFull = errors.New("send queue full")
	// ErrPeerClosed is returned when sending to a peer that is going away.
	ErrPeerClosed = errors.New("peer closed")
)

// sendQueue is a bounded FIFO of outbound messages for one peer. Enqueueing
// never blocks.
type sendQueue struct {
	queueCh   chan wire.Message
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newSendQueue(size int) *sendQueue {
	return &sendQueue{
		queueCh: make(chan wire.Message, size),
		closeCh: make(chan struct{}),
	}
}

func (q *sendQueue) enqueue(msg wire.Message) error {
	select {
	case <-q.closeCh:
		return ErrPeerClosed
	default:
	}
	select {
	case q.queueCh <- msg:
		return nil
	case <-q.closeCh:
		return ErrPeerClosed
	default:
		return ErrQueueFull
	}
}

func (q *sendQueue) dequeue() <-chan wire.Message { return q.queueCh }

// close stops the queue. The dequeue channel is never closed, so readers
// must also select on closed().
func (q *sendQueue) close() { q.closeOnce.Do(func() { close(q.closeCh) }) }

func (q *sendQueue) closed() <-chan struct{} { return q.closeCh }
