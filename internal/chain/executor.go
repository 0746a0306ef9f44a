package chain

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/tendermint/chainsync/types"
)

// Executor applies a block on top of the state of its parent and returns
// the resulting state root. It is provided by the embedding application.
type Executor interface {
	ValidateStateTransition(ctx context.Context, block *types.Block, parentStateRoot types.Hash) (types.Hash, error)
}

// Announcer is told about every new canonical head.
type Announcer interface {
	AnnounceNewHead(hash types.Hash, number uint64, weight *uint256.Int)
}

// NopExecutor accepts every block and reports the state root the block
// claims.
type NopExecutor struct{}

var _ Executor = NopExecutor{}

func (NopExecutor) ValidateStateTransition(_ context.Context, block *types.Block, _ types.Hash) (types.Hash, error) {
	return block.Header.StateRoot, nil
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, block *types.Block, parentStateRoot types.Hash) (types.Hash, error)

func (f ExecutorFunc) ValidateStateTransition(ctx context.Context, block *types.Block, parentStateRoot types.Hash) (types.Hash, error) {
	return f(ctx, block, parentStateRoot)
}

// AnnouncerFunc adapts a function to Announcer.
type AnnouncerFunc func(hash types.Hash, number uint64, weight *uint256.Int)

func (f AnnouncerFunc) AnnounceNewHead(hash types.Hash, number uint64, weight *uint256.Int) {
	f(hash, number, weight)
}
