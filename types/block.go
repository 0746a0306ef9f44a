package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Tx is an opaque transaction. Sync never inspects transactions.
type Tx []byte

// Body is the part of a block fetched separately from its header.
type Body struct {
	Txs    []Tx
	Uncles []*BlockHeader
}

// Block is a header plus its body.
type Block struct {
	Header *BlockHeader
	Txs    []Tx
	Uncles []*BlockHeader
}

// NewBlock assembles a block from a header and a body. The header's roots
// are not checked, see ValidateBasic.
func NewBlock(header *BlockHeader, body *Body) *Block {
	b := &Block{Header: header}
	if body != nil {
		b.Txs = body.Txs
		b.Uncles = body.Uncles
	}
	return b
}

// NewBlockWithRoots builds a header template's roots from the body and
// returns the resulting block. It is used when producing blocks.
func NewBlockWithRoots(header *BlockHeader, body *Body) *Block {
	h := header.Copy()
	var txs []Tx
	var uncles []*BlockHeader
	if body != nil {
		txs, uncles = body.Txs, body.Uncles
	}
	h.TxRoot = DeriveTxRoot(txs)
	h.UncleHash = DeriveUncleHash(uncles)
	return &Block{Header: h, Txs: txs, Uncles: uncles}
}

func (b *Block) Hash() Hash               { return b.Header.Hash() }
func (b *Block) Number() uint64           { return b.Header.Number }
func (b *Block) ParentHash() Hash         { return b.Header.ParentHash }
func (b *Block) Difficulty() *uint256.Int { return b.Header.Weight() }

// Body returns the body of the block.
func (b *Block) Body() *Body {
	return &Body{Txs: b.Txs, Uncles: b.Uncles}
}

// ValidateBasic checks the header and that the body matches the roots the
// header commits to.
func (b *Block) ValidateBasic() error {
	if b.Header == nil {
		return fmt.Errorf("nil header")
	}
	if err := b.Header.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	return b.Body().Matches(b.Header)
}

// Matches reports whether the body hashes to the roots in h.
func (body *Body) Matches(h *BlockHeader) error {
	if root := DeriveTxRoot(body.Txs); root != h.TxRoot {
		return fmt.Errorf("tx root mismatch: have %v, want %v", root, h.TxRoot)
	}
	if uh := DeriveUncleHash(body.Uncles); uh != h.UncleHash {
		return fmt.Errorf("uncle hash mismatch: have %v, want %v", uh, h.UncleHash)
	}
	return nil
}

// DeriveTxRoot commits to an ordered transaction list.
func DeriveTxRoot(txs []Tx) Hash {
	if txs == nil {
		txs = []Tx{}
	}
	return rlpHash(txs)
}

// DeriveUncleHash commits to an ordered uncle list.
func DeriveUncleHash(uncles []*BlockHeader) Hash {
	if uncles == nil {
		uncles = []*BlockHeader{}
	}
	return rlpHash(uncles)
}

func rlpHash(v interface{}) Hash {
	bz, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic(err)
	}
	return Keccak256(bz)
}

func (b *Block) String() string {
	return fmt.Sprintf("Block{%v txs:%d uncles:%d}", b.Header, len(b.Txs), len(b.Uncles))
}

// EncodeBlock returns the RLP encoding of b.
func EncodeBlock(b *Block) ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

// DecodeBlock decodes an RLP encoded block.
func DecodeBlock(bz []byte) (*Block, error) {
	b := new(Block)
	if err := rlp.DecodeBytes(bz, b); err != nil {
		return nil, err
	}
	if b.Header == nil {
		return nil, fmt.Errorf("block without header")
	}
	return b, nil
}
