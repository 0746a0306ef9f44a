package types

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

const (
	// MaxExtraDataSize bounds the opaque extra-data blob of a header.
	MaxExtraDataSize = 64
	// MaxSignatureSize bounds the signer seal of a header.
	MaxSignatureSize = 96
)

// BlockHeader is the hash-linked part of a block. A header is never mutated
// after it has been decoded or sealed.
type BlockHeader struct {
	ParentHash Hash
	UncleHash  Hash
	StateRoot  Hash
	TxRoot     Hash
	Number     uint64
	Difficulty *uint256.Int
	Time       uint64
	Extra      []byte

	// seal fields
	MixDigest Hash
	Nonce     uint64
	Signature []byte
}

// Hash returns the keccak-256 hash of the RLP encoding of the header.
func (h *BlockHeader) Hash() Hash {
	bz, err := rlp.EncodeToBytes(h)
	if err != nil {
		panic(fmt.Errorf("encoding header %d: %w", h.Number, err))
	}
	return Keccak256(bz)
}

// SealHash returns the hash of the header without its seal fields. It is the
// message that seal engines sign or grind on.
func (h *BlockHeader) SealHash() Hash {
	bz, err := rlp.EncodeToBytes([]interface{}{
		h.ParentHash,
		h.UncleHash,
		h.StateRoot,
		h.TxRoot,
		h.Number,
		h.difficulty(),
		h.Time,
		h.Extra,
	})
	if err != nil {
		panic(fmt.Errorf("encoding seal of header %d: %w", h.Number, err))
	}
	return Keccak256(bz)
}

func (h *BlockHeader) difficulty() *uint256.Int {
	if h.Difficulty == nil {
		return new(uint256.Int)
	}
	return h.Difficulty
}

// Weight returns the difficulty the header contributes to its chain.
func (h *BlockHeader) Weight() *uint256.Int {
	return new(uint256.Int).Set(h.difficulty())
}

// Copy returns a deep copy of the header.
func (h *BlockHeader) Copy() *BlockHeader {
	cpy := *h
	cpy.Difficulty = h.Weight()
	if h.Extra != nil {
		cpy.Extra = append([]byte(nil), h.Extra...)
	}
	if h.Signature != nil {
		cpy.Signature = append([]byte(nil), h.Signature...)
	}
	return &cpy
}

// ValidateBasic performs checks that need nothing but the header itself.
func (h *BlockHeader) ValidateBasic() error {
	if h.Difficulty == nil || h.Difficulty.IsZero() {
		return errors.New("zero difficulty")
	}
	if len(h.Extra) > MaxExtraDataSize {
		return fmt.Errorf("extra data too long: %d > %d", len(h.Extra), MaxExtraDataSize)
	}
	if len(h.Signature) > MaxSignatureSize {
		return fmt.Errorf("signature too long: %d > %d", len(h.Signature), MaxSignatureSize)
	}
	if h.Number > 0 && h.ParentHash.IsZero() {
		return errors.New("missing parent hash")
	}
	return nil
}

func (h *BlockHeader) String() string {
	if h == nil {
		return "nil-Header"
	}
	return fmt.Sprintf("Header{#%d %v parent:%v diff:%v}", h.Number, h.Hash().Short(), h.ParentHash.Short(), h.difficulty())
}

// EncodeHeader returns the RLP encoding of h.
func EncodeHeader(h *BlockHeader) ([]byte, error) {
	return rlp.EncodeToBytes(h)
}

// DecodeHeader decodes an RLP encoded header.
func DecodeHeader(bz []byte) (*BlockHeader, error) {
	h := new(BlockHeader)
	if err := rlp.DecodeBytes(bz, h); err != nil {
		return nil, err
	}
	return h, nil
}
