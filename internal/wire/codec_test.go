package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/types"
)

func TestStreamRoundTrip(t *testing.T) {
	gen := factory.Genesis(10)
	blocks := factory.Extend(gen, 3, 5, "wire")

	msgs := []Message{
		&Status{
			ProtocolVersion: 1,
			NodeID:          "node-a",
			Genesis:         gen.Hash(),
			HeadHash:        blocks[2].Hash(),
			HeadNumber:      3,
			HeadWeight:      uint256.NewInt(25),
			Capabilities:    []string{"headers", "bodies"},
		},
		&GetBlockHeaders{RequestID: 7, OriginNumber: 1, Amount: 3, Skip: 0},
		&BlockHeaders{RequestID: 7, Headers: factory.Headers(blocks)},
		&GetBlockBodies{RequestID: 8, Hashes: []types.Hash{blocks[0].Hash()}},
		&BlockBodies{RequestID: 8, Bodies: factory.Bodies(blocks[:1])},
		&NewBlock{Block: blocks[2], TotalWeight: uint256.NewInt(25)},
		&NewBlockHashes{Announces: []HashAnnounce{{Hash: blocks[2].Hash(), Number: 3}}},
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, m := range msgs {
		_, err := w.WriteMsg(m)
		require.NoError(t, err)
	}

	r := NewReader(&buf, 0)
	for _, want := range msgs {
		got, n, err := r.ReadMsg()
		require.NoError(t, err)
		require.Positive(t, n)
		require.Equal(t, want.Code(), got.Code())
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty(), cmp.Comparer(func(a, b *uint256.Int) bool { return a.Eq(b) })); diff != "" {
			t.Fatalf("%v mismatch (-want +got):\n%s", want.Code(), diff)
		}
	}
	_, _, err := r.ReadMsg()
	require.Equal(t, io.EOF, err)

	// decoded blocks hash the same as the originals
	frame, err := Marshal(msgs[5])
	require.NoError(t, err)
	_, n := binary.Uvarint(frame)
	msg, err := Unmarshal(frame[n:])
	require.NoError(t, err)
	require.Equal(t, blocks[2].Hash(), msg.(*NewBlock).Block.Hash())
}

func frameOf(code Code, payload []byte) []byte {
	body := append([]byte{byte(code)}, payload...)
	out := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(out, uint64(len(body)))
	return append(out[:n], body...)
}

func TestReaderErrors(t *testing.T) {
	valid, err := Marshal(&GetBlockBodies{RequestID: 1})
	require.NoError(t, err)

	testCases := []struct {
		name  string
		input []byte
		max   int
		err   error
	}{
		{"unknown code", frameOf(0x42, []byte{0xc0}), 0, ErrUnknownCode},
		{"garbage payload", frameOf(GetBlockHeadersCode, []byte{0xff, 0x01}), 0, ErrInvalidMessage},
		{"empty frame", []byte{0x00}, 0, ErrEmptyFrame},
		{"too large", valid, 2, ErrFrameTooLarge},
		{"truncated", valid[:len(valid)-1], 0, io.ErrUnexpectedEOF},
		{"new block without weight", frameOf(NewBlockCode, []byte{0xc2, 0xc0, 0x80}), 0, ErrInvalidMessage},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := NewReader(bytes.NewReader(tc.input), tc.max).ReadMsg()
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.err), "got %v", err)
		})
	}
}

func TestMarshalTooLarge(t *testing.T) {
	hashes := make([]types.Hash, MaxFrameSize/32+1)
	_, err := Marshal(&GetBlockBodies{Hashes: hashes})
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
