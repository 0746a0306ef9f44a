package store

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/orderedcode"
	"github.com/holiman/uint256"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/types"
)

/*
BlockStore is a simple low level store for blocks.

There are five types of information stored:
  - Block:      the full block, keyed by hash
  - BlockMeta:  the header and the cumulative weight, keyed by hash
  - Canonical:  the number to hash index of the canonical chain
  - Tip:        the registry of non-canonical branch tips
  - Head:       the hash of the canonical head

Blocks of every branch are stored; only the canonical index decides which
of them form the chain. The index is contiguous from genesis to head.

// NOTE: BlockStore methods will panic if they encounter errors
// deserializing loaded data, indicating probable corruption on disk.
*/
type BlockStore struct {
	db dbm.DB
}

// BlockMeta is what the chain needs to know about a stored block without
// loading its body.
type BlockMeta struct {
	Hash        types.Hash
	Header      *types.BlockHeader
	TotalWeight *uint256.Int
	NumTxs      uint64
}

// Number returns the block number.
func (m *BlockMeta) Number() uint64 { return m.Header.Number }

// Error is a failed write. Storage errors are fatal to the chain.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// IsStorageError reports whether err came from the store.
func IsStorageError(err error) bool {
	var serr *Error
	return errors.As(err, &serr)
}

// NewBlockStore returns a new BlockStore with the given DB.
func NewBlockStore(db dbm.DB) *BlockStore {
	return &BlockStore{db}
}

// HasBlock reports whether a block with hash is stored, on any branch.
func (bs *BlockStore) HasBlock(hash types.Hash) bool {
	ok, err := bs.db.Has(blockMetaKey(hash))
	if err != nil {
		panic(err)
	}
	return ok
}

// LoadBlock returns the block with the given hash, nil if it is unknown.
func (bs *BlockStore) LoadBlock(hash types.Hash) *types.Block {
	bz, err := bs.db.Get(blockKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	block, err := types.DecodeBlock(bz)
	if err != nil {
		panic(fmt.Errorf("error reading block %v: %w", hash, err))
	}
	return block
}

// LoadBlockMeta returns the meta of the block with the given hash, nil if it
// is unknown.
func (bs *BlockStore) LoadBlockMeta(hash types.Hash) *BlockMeta {
	bz, err := bs.db.Get(blockMetaKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	meta := new(BlockMeta)
	if err := rlp.DecodeBytes(bz, meta); err != nil {
		panic(fmt.Errorf("error reading block meta %v: %w", hash, err))
	}
	return meta
}

// LoadHeader returns the header of the block with the given hash.
func (bs *BlockStore) LoadHeader(hash types.Hash) *types.BlockHeader {
	meta := bs.LoadBlockMeta(hash)
	if meta == nil {
		return nil
	}
	return meta.Header
}

// CanonicalHash returns the hash of the canonical block at number.
func (bs *BlockStore) CanonicalHash(number uint64) (types.Hash, bool) {
	bz, err := bs.db.Get(canonicalKey(number))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return types.Hash{}, false
	}
	return types.BytesToHash(bz), true
}

// LoadCanonicalMeta returns the meta of the canonical block at number.
func (bs *BlockStore) LoadCanonicalMeta(number uint64) *BlockMeta {
	hash, ok := bs.CanonicalHash(number)
	if !ok {
		return nil
	}
	return bs.LoadBlockMeta(hash)
}

// Head returns the hash of the canonical head.
func (bs *BlockStore) Head() (types.Hash, bool) {
	bz, err := bs.db.Get(headKey())
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return types.Hash{}, false
	}
	return types.BytesToHash(bz), true
}

// Height returns the number of the highest canonical index entry, or 0 for
// empty block stores.
func (bs *BlockStore) Height() uint64 {
	iter, err := bs.db.ReverseIterator(canonicalKey(0), canonicalKey(1<<63-1))
	if err != nil {
		panic(err)
	}
	defer iter.Close()

	if iter.Valid() {
		number, err := decodeCanonicalKey(iter.Key())
		if err == nil {
			return number
		}
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return 0
}

// Tips returns the registered non-canonical branch tips.
func (bs *BlockStore) Tips() []types.Hash {
	start, end := prefixRange(prefixTip)
	iter, err := bs.db.Iterator(start, end)
	if err != nil {
		panic(err)
	}
	defer iter.Close()

	var tips []types.Hash
	for ; iter.Valid(); iter.Next() {
		hash, err := decodeHashKey(iter.Key(), prefixTip)
		if err != nil {
			panic(err)
		}
		tips = append(tips, hash)
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return tips
}

// NewBatch starts an atomic set of changes.
func (bs *BlockStore) NewBatch() *Batch {
	return &Batch{batch: bs.db.NewBatch()}
}

func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

// Batch collects store changes that are written together. The first failed
// operation is kept and reported by Write.
type Batch struct {
	batch dbm.Batch
	err   error
}

func (b *Batch) set(op string, key, value []byte) {
	if b.err != nil {
		return
	}
	if err := b.batch.Set(key, value); err != nil {
		b.err = &Error{Op: op, Err: err}
	}
}

func (b *Batch) delete(op string, key []byte) {
	if b.err != nil {
		return
	}
	if err := b.batch.Delete(key); err != nil {
		b.err = &Error{Op: op, Err: err}
	}
}

// SaveBlock stores block and its meta.
func (b *Batch) SaveBlock(block *types.Block, meta *BlockMeta) {
	bz, err := types.EncodeBlock(block)
	if err != nil {
		panic(fmt.Errorf("unable to encode block: %w", err))
	}
	b.set("save block", blockKey(meta.Hash), bz)
	b.set("save block meta", blockMetaKey(meta.Hash), mustEncode(meta))
}

// DeleteBlock removes a stored block and its meta.
func (b *Batch) DeleteBlock(hash types.Hash) {
	b.delete("delete block", blockKey(hash))
	b.delete("delete block meta", blockMetaKey(hash))
	b.delete("delete tip", tipKey(hash))
}

// SetCanonical points the canonical index at number to hash.
func (b *Batch) SetCanonical(number uint64, hash types.Hash) {
	b.set("set canonical", canonicalKey(number), hash.Bytes())
}

// DeleteCanonical removes the canonical index entry at number.
func (b *Batch) DeleteCanonical(number uint64) {
	b.delete("delete canonical", canonicalKey(number))
}

// SetTip registers hash as a branch tip.
func (b *Batch) SetTip(hash types.Hash) {
	b.set("set tip", tipKey(hash), []byte{1})
}

// DeleteTip unregisters a branch tip.
func (b *Batch) DeleteTip(hash types.Hash) {
	b.delete("delete tip", tipKey(hash))
}

// SetHead records the canonical head.
func (b *Batch) SetHead(hash types.Hash) {
	b.set("set head", headKey(), hash.Bytes())
}

// Write flushes the batch to disk with fsync and releases it.
func (b *Batch) Write() error {
	defer b.batch.Close()
	if b.err != nil {
		return b.err
	}
	if err := b.batch.WriteSync(); err != nil {
		return &Error{Op: "write batch", Err: err}
	}
	return nil
}

// Discard releases the batch without writing.
func (b *Batch) Discard() {
	_ = b.batch.Close()
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes
const (
	prefixBlock     = int64(0)
	prefixBlockMeta = int64(1)
	prefixCanonical = int64(2)
	prefixTip       = int64(3)
	prefixHead      = int64(4)
)

func blockKey(hash types.Hash) []byte {
	return hashKey(prefixBlock, hash)
}

func blockMetaKey(hash types.Hash) []byte {
	return hashKey(prefixBlockMeta, hash)
}

func tipKey(hash types.Hash) []byte {
	return hashKey(prefixTip, hash)
}

func hashKey(prefix int64, hash types.Hash) []byte {
	key, err := orderedcode.Append(nil, prefix, string(hash.Bytes()))
	if err != nil {
		panic(err)
	}
	return key
}

func decodeHashKey(key []byte, want int64) (types.Hash, error) {
	var (
		prefix int64
		hash   string
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &hash)
	if err != nil {
		return types.Hash{}, err
	}
	if len(remaining) != 0 {
		return types.Hash{}, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != want {
		return types.Hash{}, fmt.Errorf("incorrect prefix. Expected %v, got %v", want, prefix)
	}
	return types.BytesToHash([]byte(hash)), nil
}

func canonicalKey(number uint64) []byte {
	key, err := orderedcode.Append(nil, prefixCanonical, int64(number))
	if err != nil {
		panic(err)
	}
	return key
}

func decodeCanonicalKey(key []byte) (uint64, error) {
	var prefix, number int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &number)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixCanonical {
		return 0, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixCanonical, prefix)
	}
	return uint64(number), nil
}

func headKey() []byte {
	key, err := orderedcode.Append(nil, prefixHead)
	if err != nil {
		panic(err)
	}
	return key
}

// prefixRange returns the key range holding every key under prefix.
func prefixRange(prefix int64) (start, end []byte) {
	start, err := orderedcode.Append(nil, prefix)
	if err != nil {
		panic(err)
	}
	end, err = orderedcode.Append(nil, prefix+1)
	if err != nil {
		panic(err)
	}
	return start, end
}

//-----------------------------------------------------------------------------

// mustEncode RLP encodes v and panics if it fails
func mustEncode(v interface{}) []byte {
	bz, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic(fmt.Errorf("unable to encode: %w", err))
	}
	return bz
}
