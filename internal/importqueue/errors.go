package importqueue

import (
	"errors"
	"fmt"

	"github.com/tendermint/chainsync/types"
)

var (
	ErrQueueFull = errors.New("import queue is full")
	ErrKnownBad  = errors.New("block descends from a known bad block")
)

// VerificationError is returned for blocks failing the structural checks
// done before queueing. The block never enters the queue.
type VerificationError struct {
	Hash   types.Hash
	Number uint64
	Err    error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("block #%d %v failed verification: %v", e.Number, e.Hash.Short(), e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

var (
	errFutureBlock = errors.New("timestamp too far in the future")
	errNilBlock    = errors.New("nil block")
)
