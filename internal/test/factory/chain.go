// Package factory builds chains of unsealed blocks for tests.
package factory

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/tendermint/chainsync/types"
)

// GenesisTime is the timestamp of every test genesis.
var GenesisTime = time.Unix(1600000000, 0).UTC()

// Genesis returns a genesis block with the given difficulty.
func Genesis(difficulty uint64) *types.Block {
	doc := &types.GenesisDoc{
		GenesisTime: GenesisTime,
		ChainID:     "test-chain",
		Difficulty:  difficulty,
	}
	return doc.Block()
}

// Extend builds n blocks on top of parent, each with the given difficulty.
// Branches built from the same parent with different salts never share a
// hash.
func Extend(parent *types.Block, n int, difficulty uint64, salt string) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	prev := parent
	for i := 0; i < n; i++ {
		number := prev.Number() + 1
		header := &types.BlockHeader{
			ParentHash: prev.Hash(),
			StateRoot:  prev.Header.StateRoot,
			Number:     number,
			Difficulty: uint256.NewInt(difficulty),
			Time:       prev.Header.Time + 10,
			Extra:      []byte(salt),
		}
		body := &types.Body{Txs: []types.Tx{types.Tx(fmt.Sprintf("%s-tx-%d", salt, number))}}
		b := types.NewBlockWithRoots(header, body)
		blocks = append(blocks, b)
		prev = b
	}
	return blocks
}

// Headers returns the headers of blocks.
func Headers(blocks []*types.Block) []*types.BlockHeader {
	out := make([]*types.BlockHeader, len(blocks))
	for i, b := range blocks {
		out[i] = b.Header
	}
	return out
}

// Bodies returns the bodies of blocks.
func Bodies(blocks []*types.Block) []*types.Body {
	out := make([]*types.Body, len(blocks))
	for i, b := range blocks {
		out[i] = b.Body()
	}
	return out
}

// Canonical maps block numbers to hashes, satisfying the chain readers used
// by the sync code.
type Canonical map[uint64]types.Hash

// NewCanonical indexes blocks by number.
func NewCanonical(blocks ...*types.Block) Canonical {
	c := make(Canonical, len(blocks))
	for _, b := range blocks {
		c[b.Number()] = b.Hash()
	}
	return c
}

func (c Canonical) CanonicalHash(number uint64) (types.Hash, bool) {
	h, ok := c[number]
	return h, ok
}
