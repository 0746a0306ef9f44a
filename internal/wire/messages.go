package wire

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/tendermint/chainsync/types"
)

// ProtocolVersion is the version advertised in Status. Peers speaking
// another version are refused.
const ProtocolVersion uint32 = 1

// Code identifies a message on the wire. It is the first byte of a frame.
type Code byte

const (
	StatusCode          Code = 0x00
	NewBlockHashesCode  Code = 0x01
	GetBlockHeadersCode Code = 0x03
	BlockHeadersCode    Code = 0x04
	GetBlockBodiesCode  Code = 0x05
	BlockBodiesCode     Code = 0x06
	NewBlockCode        Code = 0x07
)

func (c Code) String() string {
	switch c {
	case StatusCode:
		return "Status"
	case NewBlockHashesCode:
		return "NewBlockHashes"
	case GetBlockHeadersCode:
		return "GetBlockHeaders"
	case BlockHeadersCode:
		return "BlockHeaders"
	case GetBlockBodiesCode:
		return "GetBlockBodies"
	case BlockBodiesCode:
		return "BlockBodies"
	case NewBlockCode:
		return "NewBlock"
	default:
		return fmt.Sprintf("Code(%#x)", byte(c))
	}
}

// Message is implemented by every message type.
type Message interface {
	Code() Code
}

// Status is exchanged once, right after connecting.
type Status struct {
	ProtocolVersion uint32
	NodeID          string
	Genesis         types.Hash
	HeadHash        types.Hash
	HeadNumber      uint64
	HeadWeight      *uint256.Int
	Capabilities    []string
}

// GetBlockHeaders queries a run of headers. A non-zero OriginHash takes
// precedence over OriginNumber.
type GetBlockHeaders struct {
	RequestID    uint64
	OriginHash   types.Hash
	OriginNumber uint64
	Amount       uint64
	Skip         uint64
	Reverse      bool
}

// BlockHeaders answers GetBlockHeaders.
type BlockHeaders struct {
	RequestID uint64
	Headers   []*types.BlockHeader
}

// GetBlockBodies queries the bodies of the given blocks.
type GetBlockBodies struct {
	RequestID uint64
	Hashes    []types.Hash
}

// BlockBodies answers GetBlockBodies. Bodies are in request order and may
// stop short.
type BlockBodies struct {
	RequestID uint64
	Bodies    []*types.Body
}

// NewBlock propagates a full block with the total weight of its chain.
type NewBlock struct {
	Block       *types.Block
	TotalWeight *uint256.Int
}

// HashAnnounce is a single entry of NewBlockHashes.
type HashAnnounce struct {
	Hash   types.Hash
	Number uint64
}

// NewBlockHashes announces blocks the receiver may fetch.
type NewBlockHashes struct {
	Announces []HashAnnounce
}

func (*Status) Code() Code          { return StatusCode }
func (*GetBlockHeaders) Code() Code { return GetBlockHeadersCode }
func (*BlockHeaders) Code() Code    { return BlockHeadersCode }
func (*GetBlockBodies) Code() Code  { return GetBlockBodiesCode }
func (*BlockBodies) Code() Code     { return BlockBodiesCode }
func (*NewBlock) Code() Code        { return NewBlockCode }
func (*NewBlockHashes) Code() Code  { return NewBlockHashesCode }

// ValidateBasic rejects messages that are out of protocol regardless of
// state.
func (m *NewBlock) ValidateBasic() error {
	if m.Block == nil || m.Block.Header == nil {
		return fmt.Errorf("%w: block without header", ErrInvalidMessage)
	}
	if m.TotalWeight == nil || m.TotalWeight.IsZero() {
		return fmt.Errorf("%w: zero total weight", ErrInvalidMessage)
	}
	return nil
}

func (m *Status) ValidateBasic() error {
	if m.NodeID == "" {
		return fmt.Errorf("%w: empty node id", ErrInvalidMessage)
	}
	if m.HeadWeight == nil || m.HeadWeight.IsZero() {
		return fmt.Errorf("%w: zero head weight", ErrInvalidMessage)
	}
	return nil
}

func (m *BlockHeaders) ValidateBasic() error {
	for i, h := range m.Headers {
		if h == nil {
			return fmt.Errorf("%w: nil header at %d", ErrInvalidMessage, i)
		}
	}
	return nil
}

func (m *BlockBodies) ValidateBasic() error {
	for i, b := range m.Bodies {
		if b == nil {
			return fmt.Errorf("%w: nil body at %d", ErrInvalidMessage, i)
		}
	}
	return nil
}

func newMessage(code Code) (Message, error) {
	switch code {
	case StatusCode:
		return new(Status), nil
	case NewBlockHashesCode:
		return new(NewBlockHashes), nil
	case GetBlockHeadersCode:
		return new(GetBlockHeaders), nil
	case BlockHeadersCode:
		return new(BlockHeaders), nil
	case GetBlockBodiesCode:
		return new(GetBlockBodies), nil
	case BlockBodiesCode:
		return new(BlockBodies), nil
	case NewBlockCode:
		return new(NewBlock), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCode, code)
	}
}
