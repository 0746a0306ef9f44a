package store

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/types"
)

func metaFor(b *types.Block, weight uint64) *BlockMeta {
	return &BlockMeta{
		Hash:        b.Hash(),
		Header:      b.Header,
		TotalWeight: uint256.NewInt(weight),
		NumTxs:      uint64(len(b.Txs)),
	}
}

func TestSaveAndLoad(t *testing.T) {
	bs := NewBlockStore(dbm.NewMemDB())
	gen := factory.Genesis(1)
	blocks := append([]*types.Block{gen}, factory.Extend(gen, 3, 2, "main")...)

	_, ok := bs.Head()
	require.False(t, ok)
	require.Nil(t, bs.LoadBlock(gen.Hash()))
	require.Nil(t, bs.LoadBlockMeta(gen.Hash()))

	batch := bs.NewBatch()
	for i, b := range blocks {
		batch.SaveBlock(b, metaFor(b, uint64(1+2*i)))
		batch.SetCanonical(b.Number(), b.Hash())
	}
	batch.SetHead(blocks[3].Hash())
	require.NoError(t, batch.Write())

	head, ok := bs.Head()
	require.True(t, ok)
	require.Equal(t, blocks[3].Hash(), head)
	require.EqualValues(t, 3, bs.Height())

	for i, b := range blocks {
		require.True(t, bs.HasBlock(b.Hash()))

		loaded := bs.LoadBlock(b.Hash())
		require.NotNil(t, loaded)
		assert.Equal(t, b.Hash(), loaded.Hash())
		assert.Equal(t, len(b.Txs), len(loaded.Txs))
		require.NoError(t, loaded.ValidateBasic())

		meta := bs.LoadBlockMeta(b.Hash())
		require.NotNil(t, meta)
		assert.Equal(t, b.Hash(), meta.Header.Hash())
		assert.Equal(t, uint256.NewInt(uint64(1+2*i)), meta.TotalWeight)
		assert.Equal(t, b.Number(), meta.Number())

		hash, ok := bs.CanonicalHash(b.Number())
		require.True(t, ok)
		assert.Equal(t, b.Hash(), hash)
		assert.Equal(t, b.Hash(), bs.LoadCanonicalMeta(b.Number()).Hash)
	}
	_, ok = bs.CanonicalHash(4)
	require.False(t, ok)
}

func TestTipsAndDelete(t *testing.T) {
	bs := NewBlockStore(dbm.NewMemDB())
	gen := factory.Genesis(1)
	a := factory.Extend(gen, 1, 2, "a")[0]
	b := factory.Extend(gen, 1, 3, "b")[0]

	batch := bs.NewBatch()
	batch.SaveBlock(a, metaFor(a, 3))
	batch.SaveBlock(b, metaFor(b, 4))
	batch.SetTip(a.Hash())
	batch.SetTip(b.Hash())
	require.NoError(t, batch.Write())
	require.ElementsMatch(t, []types.Hash{a.Hash(), b.Hash()}, bs.Tips())

	batch = bs.NewBatch()
	batch.DeleteTip(b.Hash())
	batch.DeleteBlock(a.Hash())
	require.NoError(t, batch.Write())

	require.Empty(t, bs.Tips())
	require.False(t, bs.HasBlock(a.Hash()))
	require.True(t, bs.HasBlock(b.Hash()))
}

func TestDiscardedBatch(t *testing.T) {
	bs := NewBlockStore(dbm.NewMemDB())
	gen := factory.Genesis(1)

	batch := bs.NewBatch()
	batch.SaveBlock(gen, metaFor(gen, 1))
	batch.Discard()
	require.False(t, bs.HasBlock(gen.Hash()))
}

func TestKeyEncoding(t *testing.T) {
	hash := types.Keccak256([]byte("x"))
	got, err := decodeHashKey(tipKey(hash), prefixTip)
	require.NoError(t, err)
	require.Equal(t, hash, got)

	_, err = decodeHashKey(blockKey(hash), prefixTip)
	require.Error(t, err)

	n, err := decodeCanonicalKey(canonicalKey(42))
	require.NoError(t, err)
	require.EqualValues(t, 42, n)

	// canonical keys sort by number
	require.Less(t, string(canonicalKey(9)), string(canonicalKey(10)))
}

func TestStorageError(t *testing.T) {
	err := error(&Error{Op: "write batch", Err: errors.New("disk full")})
	require.True(t, IsStorageError(err))
	require.True(t, IsStorageError(errors.Join(errors.New("commit"), err)))
	require.False(t, IsStorageError(errors.New("other")))
}
