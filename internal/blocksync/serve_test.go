package blocksync

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/internal/wire"
	"github.com/tendermint/chainsync/types"
)

func headerNumbers(headers []*types.BlockHeader) []uint64 {
	out := make([]uint64, 0, len(headers))
	for _, h := range headers {
		out = append(out, h.Number)
	}
	return out
}

func TestServeHeaders(t *testing.T) {
	gen := factory.Genesis(10)
	blocks := factory.Extend(gen, 20, 1, "main")
	side := factory.Extend(blocks[3], 1, 1, "side")[0]

	h := newHarness(t, gen, testDownloaderConfig(), blocks...)
	_, err := h.chain.Commit(context.Background(), side, "")
	require.NoError(t, err)

	testCases := []struct {
		name string
		req  wire.GetBlockHeaders
		want []uint64
	}{
		{"forward with skip", wire.GetBlockHeaders{OriginNumber: 5, Amount: 4, Skip: 1}, []uint64{5, 7, 9, 11}},
		{"reverse stops at genesis", wire.GetBlockHeaders{OriginNumber: 10, Amount: 20, Skip: 2, Reverse: true}, []uint64{10, 7, 4, 1}},
		{"stops at head", wire.GetBlockHeaders{OriginNumber: 17, Amount: 10}, []uint64{17, 18, 19, 20}},
		{"canonical hash origin", wire.GetBlockHeaders{OriginHash: blocks[9].Hash(), Amount: 3}, []uint64{10, 11, 12}},
		{"side branch hash origin", wire.GetBlockHeaders{OriginHash: side.Hash(), Amount: 3}, []uint64{5}},
		{"unknown hash", wire.GetBlockHeaders{OriginHash: types.Hash{1}, Amount: 3}, []uint64{}},
		{"beyond head", wire.GetBlockHeaders{OriginNumber: 50, Amount: 3}, []uint64{}},
		{"zero amount", wire.GetBlockHeaders{OriginNumber: 1}, []uint64{}},
		{"skip overflow", wire.GetBlockHeaders{OriginNumber: 3, Amount: 5, Skip: math.MaxUint64}, []uint64{3}},
	}
	for i, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			req.RequestID = uint64(i + 1)
			h.handle(evServe{peer: "asker", msg: &req})

			sent := h.net.take()
			require.Len(t, sent, 1)
			assert.Equal(t, peerset.ID("asker"), sent[0].peer)
			reply, ok := sent[0].msg.(*wire.BlockHeaders)
			require.True(t, ok)
			assert.Equal(t, req.RequestID, reply.RequestID)
			assert.Equal(t, tc.want, headerNumbers(reply.Headers))
		})
	}
}

func TestServeHeadersCapsAmount(t *testing.T) {
	gen := factory.Genesis(10)
	blocks := factory.Extend(gen, 600, 1, "main")
	h := newHarness(t, gen, testDownloaderConfig(), blocks...)

	h.handle(evServe{peer: "asker", msg: &wire.GetBlockHeaders{OriginNumber: 1, Amount: 10000}})
	sent := h.net.take()
	require.Len(t, sent, 1)
	reply := sent[0].msg.(*wire.BlockHeaders)
	require.Len(t, reply.Headers, 512)
	assert.Equal(t, uint64(512), reply.Headers[511].Number)
}

func TestServeBodies(t *testing.T) {
	gen := factory.Genesis(10)
	blocks := factory.Extend(gen, 5, 1, "main")
	h := newHarness(t, gen, testDownloaderConfig(), blocks...)

	hashes := []types.Hash{blocks[0].Hash(), blocks[3].Hash(), {0xff}, blocks[1].Hash()}
	h.handle(evServe{peer: "asker", msg: &wire.GetBlockBodies{RequestID: 9, Hashes: hashes}})

	sent := h.net.take()
	require.Len(t, sent, 1)
	reply, ok := sent[0].msg.(*wire.BlockBodies)
	require.True(t, ok)
	assert.Equal(t, uint64(9), reply.RequestID)

	// the answer stops at the first unknown hash
	want := factory.Bodies([]*types.Block{blocks[0], blocks[3]})
	if diff := cmp.Diff(want, reply.Bodies, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("bodies mismatch (-want +got):\n%s", diff)
	}
}

func TestRelayNewHead(t *testing.T) {
	gen := factory.Genesis(10)
	blocks := factory.Extend(gen, 10, 1, "main")
	h := newHarness(t, gen, testDownloaderConfig(), blocks...)

	status := LocalStatus(h.chain, "")
	for i := 0; i < 9; i++ {
		st := *status
		st.NodeID = fmt.Sprintf("p%d", i)
		h.handle(evPeerAdded{info: PeerInfo(&st)})
	}
	require.Equal(t, StateLiveFollow, h.s.state)
	require.Empty(t, h.net.out)

	next := factory.Extend(blocks[9], 1, 1, "main")[0]
	weight := uint256.NewInt(21)
	h.handle(evMessage{peer: "p0", msg: &wire.NewBlock{Block: next, TotalWeight: weight}})
	h.requireHead(next)

	var full, hashes []peerset.ID
	for _, env := range h.net.take() {
		switch m := env.msg.(type) {
		case *wire.NewBlock:
			assert.Equal(t, next.Hash(), m.Block.Hash())
			assert.Equal(t, weight, m.TotalWeight)
			full = append(full, env.peer)
		case *wire.NewBlockHashes:
			require.Len(t, m.Announces, 1)
			assert.Equal(t, wire.HashAnnounce{Hash: next.Hash(), Number: 11}, m.Announces[0])
			hashes = append(hashes, env.peer)
		default:
			t.Fatalf("unexpected %T to %s", m, env.peer)
		}
	}
	assert.Len(t, full, 3)
	assert.Len(t, hashes, 5)
	assert.NotContains(t, append(full, hashes...), peerset.ID("p0"))
}
