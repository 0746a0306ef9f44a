package blocksync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/internal/importqueue"
	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/seal"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/internal/wire"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// lockedNet is a Network safe for use from the reactor routine.
type lockedNet struct {
	mtx sync.Mutex
	out []envelope
}

func (n *lockedNet) Send(peer peerset.ID, msg wire.Message) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.out = append(n.out, envelope{peer: peer, msg: msg})
	return nil
}

func (n *lockedNet) Disconnect(peerset.ID, error) {}

func (n *lockedNet) sent() []envelope {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]envelope(nil), n.out...)
}

func TestReactorLifecycle(t *testing.T) {
	defer leaktest.Check(t)()

	gen := factory.Genesis(10)
	blocks := factory.Extend(gen, 3, 1, "main")
	c, err := chain.New(log.NewNopLogger(), chain.DefaultConfig(), store.NewBlockStore(dbm.NewMemDB()), gen, chain.NopExecutor{})
	require.NoError(t, err)
	for _, b := range blocks {
		_, err := c.Commit(context.Background(), b, "")
		require.NoError(t, err)
	}
	q, err := importqueue.New(log.NewNopLogger(), importqueue.DefaultConfig(), c, seal.NewFaker(), nil, time.Now)
	require.NoError(t, err)
	peers := peerset.New(log.NewNopLogger(), peerset.Options{ProtocolVersion: wire.ProtocolVersion, Genesis: gen.Hash()})

	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	net := &lockedNet{}
	r := NewReactor(log.NewNopLogger(), cfg, peers, c, q, net)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, StateIdle, r.Status().State)

	st := LocalStatus(c, "peer")
	r.AddPeer(st)
	require.Eventually(t, func() bool { return r.Status().NumPeers == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateLiveFollow, r.Status().State)

	r.Receive("peer", &wire.GetBlockHeaders{RequestID: 7, OriginNumber: 1, Amount: 2})
	require.Eventually(t, func() bool { return len(net.sent()) == 1 }, time.Second, 5*time.Millisecond)
	reply := net.sent()[0].msg.(*wire.BlockHeaders)
	assert.Equal(t, uint64(7), reply.RequestID)
	assert.Len(t, reply.Headers, 2)

	r.RemovePeer("peer")
	require.Eventually(t, func() bool { return r.Status().NumPeers == 0 }, time.Second, 5*time.Millisecond)

	r.Stop()
	select {
	case err := <-r.Final():
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("routine did not finish")
	}
	r.Wait()
}

func TestReactorBlockStatus(t *testing.T) {
	gen := factory.Genesis(10)
	blocks := factory.Extend(gen, 3, 1, "main")
	c, err := chain.New(log.NewNopLogger(), chain.DefaultConfig(), store.NewBlockStore(dbm.NewMemDB()), gen, chain.NopExecutor{})
	require.NoError(t, err)
	for _, b := range blocks[:2] {
		_, err := c.Commit(context.Background(), b, "")
		require.NoError(t, err)
	}
	q, err := importqueue.New(log.NewNopLogger(), importqueue.DefaultConfig(), c, seal.NewFaker(), nil, time.Now)
	require.NoError(t, err)
	peers := peerset.New(log.NewNopLogger(), peerset.Options{ProtocolVersion: wire.ProtocolVersion, Genesis: gen.Hash()})
	r := NewReactor(log.NewNopLogger(), DefaultConfig(), peers, c, q, &lockedNet{})

	orphans := factory.Extend(blocks[2], 2, 1, "main")
	require.NoError(t, q.Push(orphans[1], "p"))
	require.NoError(t, q.Push(blocks[2], "p"))
	q.MarkBad(orphans[0].Hash())

	testCases := []struct {
		name string
		hash types.Hash
		want BlockStatus
	}{
		{"genesis", gen.Hash(), BlockInChain},
		{"committed", blocks[1].Hash(), BlockInChain},
		{"queued", blocks[2].Hash(), BlockQueued},
		{"known bad", orphans[0].Hash(), BlockBad},
		{"unknown", types.Hash{0xaa}, BlockUnknown},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, r.BlockStatus(tc.hash), tc.name)
	}
}
