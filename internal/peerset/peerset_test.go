package peerset

import (
	"fmt"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

const testVersion = 1

var testGenesis = types.Keccak256([]byte("genesis"))

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestPeerSet(t *testing.T, opts Options) (*PeerSet, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1700000000, 0)}
	opts.ProtocolVersion = testVersion
	opts.Genesis = testGenesis
	opts.Now = clock.Now
	return New(log.TestingLogger(), opts), clock
}

func testInfo(id string, number, weight uint64) Info {
	return Info{
		ID:              ID(id),
		ProtocolVersion: testVersion,
		Genesis:         testGenesis,
		HeadHash:        types.Keccak256([]byte(fmt.Sprintf("%s-%d", id, number))),
		HeadNumber:      number,
		HeadWeight:      uint256.NewInt(weight),
		Capabilities:    []Capability{CapHeaders, CapBodies},
	}
}

func TestRegister(t *testing.T) {
	ps, _ := newTestPeerSet(t, Options{MaxPeers: 2})

	_, err := ps.Register(testInfo("a", 10, 100))
	require.NoError(t, err)

	_, err = ps.Register(testInfo("a", 10, 100))
	require.ErrorIs(t, err, ErrDuplicatePeer)

	badGenesis := testInfo("b", 1, 1)
	badGenesis.Genesis = types.Keccak256([]byte("other"))
	_, err = ps.Register(badGenesis)
	require.ErrorIs(t, err, ErrGenesisMismatch)

	badVersion := testInfo("b", 1, 1)
	badVersion.ProtocolVersion = testVersion + 1
	_, err = ps.Register(badVersion)
	require.ErrorIs(t, err, ErrProtocolVersion)

	_, err = ps.Register(testInfo("b", 1, 1))
	require.NoError(t, err)
	_, err = ps.Register(testInfo("c", 1, 1))
	require.ErrorIs(t, err, ErrPeerSetFull)
	require.Equal(t, 2, ps.Len())
}

func TestHandleGenerations(t *testing.T) {
	ps, _ := newTestPeerSet(t, Options{})

	h1, err := ps.Register(testInfo("a", 1, 1))
	require.NoError(t, err)
	p, err := ps.Lookup(h1)
	require.NoError(t, err)
	require.Equal(t, ID("a"), p.ID)

	_, err = ps.Unregister("a")
	require.NoError(t, err)
	_, err = ps.Lookup(h1)
	require.ErrorIs(t, err, ErrStaleHandle)

	// the slot is reused with a new generation
	h2, err := ps.Register(testInfo("b", 1, 1))
	require.NoError(t, err)
	require.Equal(t, h1.index, h2.index)
	require.NotEqual(t, h1.generation, h2.generation)

	_, err = ps.Lookup(h1)
	require.ErrorIs(t, err, ErrStaleHandle)
	p, err = ps.Lookup(h2)
	require.NoError(t, err)
	require.Equal(t, ID("b"), p.ID)

	_, err = ps.Unregister("zzz")
	require.ErrorIs(t, err, ErrPeerNotFound)
}

func TestUpdateHeadIgnoresStale(t *testing.T) {
	ps, _ := newTestPeerSet(t, Options{})
	_, err := ps.Register(testInfo("a", 10, 100))
	require.NoError(t, err)

	testCases := []struct {
		name    string
		number  uint64
		weight  uint64
		updated bool
	}{
		{"lower number", 9, 200, false},
		{"lower weight", 11, 50, false},
		{"higher", 12, 120, true},
		{"replay of older", 11, 110, false},
	}
	for _, tc := range testCases {
		updated, err := ps.UpdateHead("a", types.Keccak256([]byte(tc.name)), tc.number, uint256.NewInt(tc.weight))
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.updated, updated, tc.name)
	}

	p, ok := ps.Get("a")
	require.True(t, ok)
	require.EqualValues(t, 12, p.HeadNumber)
	require.EqualValues(t, 120, p.HeadWeight.Uint64())

	_, err = ps.UpdateHead("missing", types.Hash{}, 1, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrPeerNotFound)
}

func TestRequestsAndResponses(t *testing.T) {
	ps, clock := newTestPeerSet(t, Options{})
	_, err := ps.Register(testInfo("a", 10, 100))
	require.NoError(t, err)

	require.NoError(t, ps.RecordRequest("a", 1, clock.Now().Add(time.Second)))
	require.ErrorIs(t, ps.RecordRequest("a", 1, clock.Now()), ErrDuplicateRequest)
	require.NoError(t, ps.RecordRequest("a", 2, clock.Now().Add(time.Second)))

	p, _ := ps.Get("a")
	require.Equal(t, 2, p.Inflight)

	require.NoError(t, ps.RecordResponse("a", 1))
	require.ErrorIs(t, ps.RecordResponse("a", 1), ErrUnsolicitedResponse)
	require.ErrorIs(t, ps.RecordResponse("a", 99), ErrUnsolicitedResponse)

	reqs, err := ps.Unregister("a")
	require.NoError(t, err)
	require.Equal(t, []RequestID{2}, reqs)
}

func TestSelectBestPeersOrdering(t *testing.T) {
	ps, _ := newTestPeerSet(t, Options{})
	for _, info := range []Info{
		testInfo("c", 50, 300),
		testInfo("a", 50, 310),
		testInfo("b", 50, 300),
		testInfo("d", 10, 100),
	} {
		_, err := ps.Register(info)
		require.NoError(t, err)
	}
	ps.Reward("c")

	ids := func(peers []Peer) []ID {
		out := make([]ID, 0, len(peers))
		for _, p := range peers {
			out = append(out, p.ID)
		}
		return out
	}

	require.Equal(t, []ID{"a", "c", "b", "d"}, ids(ps.SelectBestPeers(0)))
	require.Equal(t, []ID{"a", "c"}, ids(ps.SelectBestPeers(2)))
	require.Equal(t, []ID{"c", "b"}, ids(ps.SelectBestPeers(0, Exclude("a"), AheadOf(uint256.NewInt(100)))))
	require.Equal(t, []ID{"d"}, ids(ps.SelectBestPeers(0, Exclude("a", "b", "c"))))

	require.NoError(t, ps.RecordRequest("a", 1, time.Now()))
	require.Equal(t, []ID{"c", "b", "d"}, ids(ps.SelectBestPeers(0, NotSaturated(1))))
}

func TestSelectBestPeersCapabilities(t *testing.T) {
	ps, _ := newTestPeerSet(t, Options{})
	headersOnly := testInfo("light", 10, 10)
	headersOnly.Capabilities = []Capability{CapHeaders}
	_, err := ps.Register(headersOnly)
	require.NoError(t, err)
	_, err = ps.Register(testInfo("full", 10, 5))
	require.NoError(t, err)

	peers := ps.SelectBestPeers(0, HasCapability(CapBodies))
	require.Len(t, peers, 1)
	require.Equal(t, ID("full"), peers[0].ID)
	require.Len(t, ps.SelectBestPeers(0, HasCapability(CapHeaders)), 2)
}

func TestPenalizeBansAfterThreshold(t *testing.T) {
	ps, clock := newTestPeerSet(t, Options{Reputation: ReputationConfig{BanScore: 50, BanDuration: time.Minute}})
	_, err := ps.Register(testInfo("a", 10, 100))
	require.NoError(t, err)
	require.NoError(t, ps.RecordRequest("a", 7, clock.Now().Add(time.Second)))
	require.NoError(t, ps.RecordRequest("a", 3, clock.Now().Add(time.Second)))

	res, err := ps.Penalize("a", SeverityTimeout, "timeout")
	require.NoError(t, err)
	require.Equal(t, -TimeoutPenalty, res.Score)
	require.False(t, res.Banned)

	// a single invalid block never bans
	res, err = ps.Penalize("a", SeverityInvalidBlock, "bad block")
	require.NoError(t, err)
	require.False(t, res.Banned)
	res, err = ps.Penalize("a", SeverityInvalidBlock, "bad block")
	require.NoError(t, err)
	require.False(t, res.Banned)

	res, err = ps.Penalize("a", SeverityInvalidBlock, "bad block")
	require.NoError(t, err)
	require.True(t, res.Banned)
	require.Equal(t, []RequestID{3, 7}, res.Cancelled)

	select {
	case ev := <-ps.Evictions():
		require.Equal(t, ID("a"), ev.ID)
	default:
		t.Fatal("expected an eviction")
	}

	require.Empty(t, ps.SelectBestPeers(0))
	p, ok := ps.Get("a")
	require.True(t, ok)
	require.True(t, p.Banned)
	require.Zero(t, p.Inflight)

	// reconnecting during the ban is refused
	_, err = ps.Unregister("a")
	require.NoError(t, err)
	_, err = ps.Register(testInfo("a", 10, 100))
	require.ErrorIs(t, err, ErrBanned)

	clock.Advance(2 * time.Minute)
	_, err = ps.Register(testInfo("a", 10, 100))
	require.NoError(t, err)
	require.Len(t, ps.SelectBestPeers(0), 1)
}

func TestBanBookPersistsBans(t *testing.T) {
	dir := t.TempDir()
	book, err := OpenBanBook(dir)
	require.NoError(t, err)

	ps, clock := newTestPeerSet(t, Options{BanBook: book, Reputation: ReputationConfig{BanScore: 5, BanDuration: time.Hour}})
	_, err = ps.Register(testInfo("a", 1, 1))
	require.NoError(t, err)
	res, err := ps.Penalize("a", SeverityMalformed, "garbage")
	require.NoError(t, err)
	require.True(t, res.Banned)
	require.NoError(t, book.Close())

	// a fresh peer set backed by the reopened book still refuses the peer
	book, err = OpenBanBook(dir)
	require.NoError(t, err)
	defer book.Close()

	ps2 := New(log.NewNopLogger(), Options{
		ProtocolVersion: testVersion,
		Genesis:         testGenesis,
		BanBook:         book,
		Now:             clock.Now,
	})
	_, err = ps2.Register(testInfo("a", 1, 1))
	require.ErrorIs(t, err, ErrBanned)

	active, err := book.Active(clock.Now())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "garbage", active[0].Reason)

	n, err := book.Prune(clock.Now().Add(2 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, banned, err := book.Lookup("a", clock.Now())
	require.NoError(t, err)
	require.False(t, banned)
}

func TestRestoreBans(t *testing.T) {
	book, err := OpenBanBook("")
	require.NoError(t, err)
	defer book.Close()

	ps, clock := newTestPeerSet(t, Options{BanBook: book})
	now := clock.Now()
	require.NoError(t, book.Ban(BanEntry{ID: "a", Until: now.Add(time.Hour), Reason: "bad block"}))
	require.NoError(t, book.Ban(BanEntry{ID: "b", Until: now.Add(-time.Minute), Reason: "timeouts"}))
	require.NoError(t, book.Ban(BanEntry{ID: "c", Until: now.Add(time.Minute), Reason: "garbage"}))

	n, err := ps.RestoreBans()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// the served ban is gone from the book
	entry, _, err := book.Lookup("b", now)
	require.NoError(t, err)
	require.Empty(t, entry.ID)

	// restored bans hold without touching the book again
	require.NoError(t, book.Unban("a"))
	_, err = ps.Register(testInfo("a", 1, 1))
	require.ErrorIs(t, err, ErrBanned)
	_, err = ps.Register(testInfo("b", 1, 1))
	require.NoError(t, err)

	// once c has served its ban it is admitted and cleared from the book
	clock.Advance(2 * time.Minute)
	_, err = ps.Register(testInfo("c", 1, 1))
	require.NoError(t, err)
	entry, _, err = book.Lookup("c", clock.Now())
	require.NoError(t, err)
	require.Empty(t, entry.ID)
}

func TestRestoreBansWithoutBook(t *testing.T) {
	ps, _ := newTestPeerSet(t, Options{})
	n, err := ps.RestoreBans()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReputationDecay(t *testing.T) {
	rep := NewReputation(ReputationConfig{DecayHalfLife: time.Minute, BanScore: 1000})
	now := time.Unix(0, 0)

	rep.Adjust("a", -40, now)
	require.Equal(t, -40, rep.Score("a", now))
	require.Equal(t, -20, rep.Score("a", now.Add(time.Minute)))
	require.Equal(t, -10, rep.Score("a", now.Add(2*time.Minute)))

	for i := 0; i < 200; i++ {
		rep.Adjust("b", usefulReward, now)
	}
	require.Equal(t, maxScore, rep.Score("b", now))
}

func TestSelectRelayTargets(t *testing.T) {
	ps, _ := newTestPeerSet(t, Options{})
	for i := 0; i < 9; i++ {
		_, err := ps.Register(testInfo(fmt.Sprintf("p%d", i), 10, 10))
		require.NoError(t, err)
	}

	fanout := RelayFanout(ps.Len())
	require.Equal(t, 3, fanout)

	chosen, rest := ps.SelectRelayTargets(fanout, Exclude("p0"))
	require.Len(t, chosen, 3)
	require.Len(t, rest, 5)

	seen := map[ID]bool{}
	for _, p := range append(chosen, rest...) {
		require.NotEqual(t, ID("p0"), p.ID)
		require.False(t, seen[p.ID], "peer %s drawn twice", p.ID)
		seen[p.ID] = true
	}

	all, none := ps.SelectRelayTargets(100)
	require.Len(t, all, 9)
	require.Empty(t, none)

	require.Equal(t, 0, RelayFanout(0))
	require.Equal(t, 1, RelayFanout(2))
}
