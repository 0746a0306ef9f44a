package node

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/version"
)

func newTestNode(t *testing.T, name string) *Node {
	t.Helper()
	conf, err := config.ResetTestRoot(t.TempDir(), name)
	require.NoError(t, err)

	n, err := New(conf, log.NewNopLogger())
	require.NoError(t, err)
	return n
}

func TestNodeStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNode(t, "node_start_stop")
	require.NoError(t, n.Start(ctx))
	assert.True(t, n.IsRunning())
	assert.NotNil(t, n.Router().ListenAddr())

	st := n.Status()
	assert.Equal(t, n.NodeID(), st.NodeID)
	assert.Equal(t, uint64(0), st.Chain.BestNumber)
	assert.Empty(t, st.Peers)

	n.Stop()
	n.Wait()
	assert.False(t, n.IsRunning())
	assert.NoError(t, n.Err())
}

func TestNodeKeepsIdentity(t *testing.T) {
	conf, err := config.ResetTestRoot(t.TempDir(), "node_identity")
	require.NoError(t, err)

	first, err := New(conf, log.NewNopLogger())
	require.NoError(t, err)
	first.closeStores()

	second, err := New(conf, log.NewNopLogger())
	require.NoError(t, err)
	defer second.closeStores()

	assert.Equal(t, first.NodeID(), second.NodeID())
}

func TestNodeRestoresBans(t *testing.T) {
	conf, err := config.ResetTestRoot(t.TempDir(), "node_bans")
	require.NoError(t, err)
	require.NotEmpty(t, conf.Peers.BanBookDir())

	book, err := peerset.OpenBanBook(conf.Peers.BanBookDir())
	require.NoError(t, err)
	require.NoError(t, book.Ban(peerset.BanEntry{ID: "evil", Until: time.Now().Add(time.Hour), Reason: "invalid block"}))
	require.NoError(t, book.Ban(peerset.BanEntry{ID: "forgiven", Until: time.Now().Add(-time.Hour), Reason: "timeouts"}))
	require.NoError(t, book.Close())

	n, err := New(conf, log.NewNopLogger())
	require.NoError(t, err)
	defer n.closeStores()

	active, err := n.banBook.Active(time.Time{})
	require.NoError(t, err)
	require.Len(t, active, 1, "served bans are pruned at startup")

	// the ban is held in memory even once the book forgets it
	require.NoError(t, n.banBook.Unban("evil"))
	_, err = n.peers.Register(peerset.Info{
		ID:              "evil",
		ProtocolVersion: version.P2PProtocol,
		Genesis:         n.chain.Genesis().Hash,
	})
	require.ErrorIs(t, err, peerset.ErrBanned)
}

func TestNodeSyncsFromPeer(t *testing.T) {
	defer leaktest.CheckTimeout(t, 20*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := newTestNode(t, "node_sync_source")
	blocks := factory.Extend(source.GenesisDoc().Block(), 20, 1, "a")
	imports := make([]chain.Import, len(blocks))
	for i, b := range blocks {
		imports[i] = chain.Import{Block: b}
	}
	_, err := source.Chain().ImportBatch(ctx, imports)
	require.NoError(t, err)
	require.Equal(t, uint64(20), source.Chain().Head().Number())

	require.NoError(t, source.Start(ctx))
	defer source.Stop()

	conf, err := config.ResetTestRoot(t.TempDir(), "node_sync_target")
	require.NoError(t, err)
	// both nodes need the same genesis
	require.NoError(t, source.GenesisDoc().SaveAs(conf.GenesisFile()))
	conf.P2P.PersistentPeers = source.Router().ListenAddr().String()

	target, err := New(conf, log.NewNopLogger(), WithDBProvider(config.MemDBProvider))
	require.NoError(t, err)
	require.NoError(t, target.Start(ctx))
	defer target.Stop()

	require.Eventually(t, func() bool {
		return target.Chain().Head().Number() == 20
	}, 15*time.Second, 20*time.Millisecond)

	assert.Equal(t, blocks[19].Hash(), target.Chain().Head().Hash)
	assert.NoError(t, target.Err())
}
