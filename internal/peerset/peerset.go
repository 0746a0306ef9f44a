// Package peerset tracks the connected peers of the sync engine: their
// advertised heads, outstanding requests and reputation.
//
// Peers live in an arena of slots addressed by a Handle. A slot is reused
// after its peer leaves, and its generation is bumped so that stale handles
// are detected instead of silently resolving to a different peer.
package peerset

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

var (
	ErrDuplicatePeer       = errors.New("duplicate peer")
	ErrPeerNotFound        = errors.New("peer not found")
	ErrStaleHandle         = errors.New("stale peer handle")
	ErrUnsolicitedResponse = errors.New("unsolicited response")
	ErrDuplicateRequest    = errors.New("duplicate request id")
	ErrGenesisMismatch     = errors.New("genesis mismatch")
	ErrProtocolVersion     = errors.New("incompatible protocol version")
	ErrBanned              = errors.New("peer is banned")
	ErrPeerSetFull         = errors.New("peer set is full")
)

// ID identifies a remote node.
type ID string

// RequestID identifies an outstanding request. Request ids are allocated by
// the downloader and are unique for the process lifetime.
type RequestID uint64

// Capability is a service a peer advertises in its handshake.
type Capability string

const (
	CapHeaders Capability = "headers"
	CapBodies  Capability = "bodies"
)

// Handle is a stable reference to a peer slot.
type Handle struct {
	index      uint32
	generation uint32
}

func (h Handle) String() string { return fmt.Sprintf("%d.%d", h.index, h.generation) }

// Info is the handshake data a peer registers with.
type Info struct {
	ID              ID
	ProtocolVersion uint32
	Genesis         types.Hash
	HeadHash        types.Hash
	HeadNumber      uint64
	HeadWeight      *uint256.Int
	Capabilities    []Capability
}

// Peer is an immutable snapshot of a peer record.
type Peer struct {
	ID              ID
	Handle          Handle
	ProtocolVersion uint32
	HeadHash        types.Hash
	HeadNumber      uint64
	HeadWeight      *uint256.Int
	Inflight        int
	Score           int
	Banned          bool
	ConnectedAt     time.Time

	caps map[Capability]struct{}
}

// HasCapability reports whether the peer advertised c.
func (p Peer) HasCapability(c Capability) bool {
	_, ok := p.caps[c]
	return ok
}

// Eviction asks the transport to disconnect a peer.
type Eviction struct {
	ID     ID
	Reason string
}

// PenaltyResult reports the effect of Penalize.
type PenaltyResult struct {
	Score  int
	Banned bool
	// Cancelled holds the requests dropped because the peer was banned.
	Cancelled []RequestID
}

type peerRecord struct {
	id          ID
	version     uint32
	headHash    types.Hash
	headNumber  uint64
	headWeight  *uint256.Int
	caps        map[Capability]struct{}
	outstanding map[RequestID]time.Time
	banned      bool
	connectedAt time.Time
}

type slot struct {
	generation uint32
	peer       *peerRecord
}

// Options configure a PeerSet.
type Options struct {
	ProtocolVersion uint32
	Genesis         types.Hash
	MaxPeers        int
	Reputation      ReputationConfig
	// BanBook persists bans; optional.
	BanBook *BanBook
	Metrics *Metrics
	Now     func() time.Time
}

// PeerSet is safe for concurrent use.
type PeerSet struct {
	logger  log.Logger
	opts    Options
	rep     *Reputation
	metrics *Metrics
	now     func() time.Time

	mtx   sync.RWMutex
	slots []slot
	free  []uint32
	byID  map[ID]uint32

	evictions chan Eviction
}

// New returns an empty peer set.
func New(logger log.Logger, opts Options) *PeerSet {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	evictBuf := opts.MaxPeers * 2
	if evictBuf < 16 {
		evictBuf = 16
	}
	return &PeerSet{
		logger:    logger,
		opts:      opts,
		rep:       NewReputation(opts.Reputation),
		metrics:   opts.Metrics,
		now:       opts.Now,
		byID:      make(map[ID]uint32),
		evictions: make(chan Eviction, evictBuf),
	}
}

// Evictions delivers peers that must be disconnected.
func (ps *PeerSet) Evictions() <-chan Eviction { return ps.evictions }

// Register adds a handshaken peer. Handshake violations are reported with
// ErrProtocolVersion and ErrGenesisMismatch; the caller disconnects the peer
// without further accounting.
func (ps *PeerSet) Register(info Info) (Handle, error) {
	if info.ProtocolVersion != ps.opts.ProtocolVersion {
		return Handle{}, fmt.Errorf("%w: have %d, want %d", ErrProtocolVersion, info.ProtocolVersion, ps.opts.ProtocolVersion)
	}
	if info.Genesis != ps.opts.Genesis {
		return Handle{}, fmt.Errorf("%w: %v", ErrGenesisMismatch, info.Genesis.Short())
	}
	now := ps.now()
	if err := ps.checkBanned(info.ID, now); err != nil {
		return Handle{}, err
	}

	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	if _, ok := ps.byID[info.ID]; ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrDuplicatePeer, info.ID)
	}
	if ps.opts.MaxPeers > 0 && len(ps.byID) >= ps.opts.MaxPeers {
		return Handle{}, ErrPeerSetFull
	}

	rec := &peerRecord{
		id:          info.ID,
		version:     info.ProtocolVersion,
		headHash:    info.HeadHash,
		headNumber:  info.HeadNumber,
		headWeight:  cloneWeight(info.HeadWeight),
		caps:        make(map[Capability]struct{}, len(info.Capabilities)),
		outstanding: make(map[RequestID]time.Time),
		connectedAt: now,
	}
	for _, c := range info.Capabilities {
		rec.caps[c] = struct{}{}
	}

	var idx uint32
	if n := len(ps.free); n > 0 {
		idx = ps.free[n-1]
		ps.free = ps.free[:n-1]
	} else {
		ps.slots = append(ps.slots, slot{})
		idx = uint32(len(ps.slots) - 1)
	}
	ps.slots[idx].peer = rec
	ps.byID[info.ID] = idx

	ps.metrics.Peers.Set(float64(len(ps.byID)))
	ps.logger.Info("peer registered", "peer", info.ID, "head", info.HeadNumber, "num_peers", len(ps.byID))

	return Handle{index: idx, generation: ps.slots[idx].generation}, nil
}

func (ps *PeerSet) checkBanned(id ID, now time.Time) error {
	if banned, until := ps.rep.BanInfo(id, now); banned {
		return fmt.Errorf("%w until %v", ErrBanned, until)
	}
	if ps.opts.BanBook == nil {
		return nil
	}
	entry, active, err := ps.opts.BanBook.Lookup(id, now)
	if err != nil {
		ps.logger.Error("failed to read ban book", "peer", id, "err", err)
		return nil
	}
	if active {
		ps.rep.SetBan(id, entry.Until, now)
		return fmt.Errorf("%w until %v", ErrBanned, entry.Until)
	}
	if entry.ID != "" {
		if err := ps.opts.BanBook.Unban(id); err != nil {
			ps.logger.Error("failed to clear served ban", "peer", id, "err", err)
		}
	}
	return nil
}

// RestoreBans drops served bans from the ban book and reinstates the rest,
// so a restarted node keeps refusing the peers it banned before. It returns
// the number of bans in force.
func (ps *PeerSet) RestoreBans() (int, error) {
	if ps.opts.BanBook == nil {
		return 0, nil
	}
	now := ps.now()
	pruned, err := ps.opts.BanBook.Prune(now)
	if err != nil {
		return 0, fmt.Errorf("prune ban book: %w", err)
	}
	active, err := ps.opts.BanBook.Active(now)
	if err != nil {
		return 0, fmt.Errorf("read ban book: %w", err)
	}
	for _, e := range active {
		ps.rep.SetBan(e.ID, e.Until, now)
	}
	ps.logger.Info("restored bans", "active", len(active), "pruned", pruned)
	return len(active), nil
}

// Unregister removes the peer and returns its outstanding requests, which
// the caller must release.
func (ps *PeerSet) Unregister(id ID) ([]RequestID, error) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	idx, ok := ps.byID[id]
	if !ok {
		return nil, ErrPeerNotFound
	}
	rec := ps.slots[idx].peer
	reqs := sortedRequests(rec.outstanding)

	delete(ps.byID, id)
	ps.slots[idx].peer = nil
	ps.slots[idx].generation++
	ps.free = append(ps.free, idx)

	ps.metrics.Peers.Set(float64(len(ps.byID)))
	ps.logger.Info("peer unregistered", "peer", id, "cancelled", len(reqs), "num_peers", len(ps.byID))
	return reqs, nil
}

// Lookup resolves a handle.
func (ps *PeerSet) Lookup(h Handle) (Peer, error) {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	if int(h.index) >= len(ps.slots) {
		return Peer{}, ErrStaleHandle
	}
	s := ps.slots[h.index]
	if s.peer == nil || s.generation != h.generation {
		return Peer{}, ErrStaleHandle
	}
	return ps.snapshotLocked(h.index, ps.now()), nil
}

// Get returns the snapshot of id.
func (ps *PeerSet) Get(id ID) (Peer, bool) {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	idx, ok := ps.byID[id]
	if !ok {
		return Peer{}, false
	}
	return ps.snapshotLocked(idx, ps.now()), true
}

// Len returns the number of registered peers.
func (ps *PeerSet) Len() int {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()
	return len(ps.byID)
}

// UpdateHead records a newly announced head. Announcements lower in number
// or weight than the recorded head are ignored so replayed announcements
// cannot roll a peer back. It reports whether the record changed.
func (ps *PeerSet) UpdateHead(id ID, hash types.Hash, number uint64, weight *uint256.Int) (bool, error) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	rec, err := ps.recordLocked(id)
	if err != nil {
		return false, err
	}
	if number < rec.headNumber {
		return false, nil
	}
	if weight != nil && rec.headWeight != nil && weight.Lt(rec.headWeight) {
		return false, nil
	}
	if hash == rec.headHash {
		return false, nil
	}
	rec.headHash = hash
	rec.headNumber = number
	if weight != nil {
		rec.headWeight = cloneWeight(weight)
	}
	return true, nil
}

// RecordRequest registers an outstanding request with its deadline.
func (ps *PeerSet) RecordRequest(id ID, req RequestID, deadline time.Time) error {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	rec, err := ps.recordLocked(id)
	if err != nil {
		return err
	}
	if _, ok := rec.outstanding[req]; ok {
		return ErrDuplicateRequest
	}
	rec.outstanding[req] = deadline
	return nil
}

// RecordResponse clears an outstanding request.
func (ps *PeerSet) RecordResponse(id ID, req RequestID) error {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	rec, err := ps.recordLocked(id)
	if err != nil {
		return err
	}
	if _, ok := rec.outstanding[req]; !ok {
		return fmt.Errorf("%w: request %d from %s", ErrUnsolicitedResponse, req, id)
	}
	delete(rec.outstanding, req)
	return nil
}

// CancelRequest drops a request without scoring, for example when it is
// re-issued elsewhere.
func (ps *PeerSet) CancelRequest(id ID, req RequestID) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	if rec, err := ps.recordLocked(id); err == nil {
		delete(rec.outstanding, req)
	}
}

// Reward credits a useful response.
func (ps *PeerSet) Reward(id ID) {
	ps.rep.Adjust(id, usefulReward, ps.now())
}

// Score returns the current reputation of id.
func (ps *PeerSet) Score(id ID) int {
	return ps.rep.Score(id, ps.now())
}

// Penalize lowers the reputation of id. When the ban threshold is crossed the
// peer is marked banned, its outstanding requests are cancelled and returned,
// and an eviction is scheduled. The peer stays registered until the
// transport disconnects it.
func (ps *PeerSet) Penalize(id ID, sev Severity, reason string) (PenaltyResult, error) {
	now := ps.now()

	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	rec, err := ps.recordLocked(id)
	if err != nil {
		return PenaltyResult{}, err
	}

	status := ps.rep.Adjust(id, sev.delta(), now)
	ps.metrics.Penalties.With("severity", sev.String()).Add(1)

	res := PenaltyResult{Score: status.Score}
	if !status.Banned || rec.banned {
		ps.logger.Debug("peer penalized", "peer", id, "severity", sev, "score", status.Score, "reason", reason)
		return res, nil
	}

	rec.banned = true
	res.Banned = true
	res.Cancelled = sortedRequests(rec.outstanding)
	rec.outstanding = make(map[RequestID]time.Time)

	ps.metrics.Bans.Add(1)
	ps.logger.Info("peer banned", "peer", id, "score", status.Score, "until", status.Until, "reason", reason)

	if ps.opts.BanBook != nil {
		if err := ps.opts.BanBook.Ban(BanEntry{ID: id, Until: status.Until, Reason: reason, Score: status.Score}); err != nil {
			ps.logger.Error("failed to persist ban", "peer", id, "err", err)
		}
	}

	select {
	case ps.evictions <- Eviction{ID: id, Reason: reason}:
	default:
		ps.logger.Error("eviction queue full; dropping eviction", "peer", id)
	}

	return res, nil
}

// Predicate filters peers in SelectBestPeers.
type Predicate func(Peer) bool

// HasCapability selects peers advertising c.
func HasCapability(c Capability) Predicate {
	return func(p Peer) bool { return p.HasCapability(c) }
}

// NotSaturated selects peers with fewer than max outstanding requests.
func NotSaturated(max int) Predicate {
	return func(p Peer) bool { return p.Inflight < max }
}

// Exclude rejects the listed peers.
func Exclude(ids ...ID) Predicate {
	return func(p Peer) bool {
		for _, id := range ids {
			if p.ID == id {
				return false
			}
		}
		return true
	}
}

// AheadOf selects peers claiming a head strictly heavier than weight.
func AheadOf(weight *uint256.Int) Predicate {
	return func(p Peer) bool {
		return p.HeadWeight != nil && p.HeadWeight.Gt(weight)
	}
}

// AtLeast selects peers whose head number is at least number.
func AtLeast(number uint64) Predicate {
	return func(p Peer) bool { return p.HeadNumber >= number }
}

// SelectBestPeers returns up to n unbanned peers satisfying every predicate,
// ordered by claimed weight desc, reputation desc and id asc. n <= 0 means
// no limit.
func (ps *PeerSet) SelectBestPeers(n int, preds ...Predicate) []Peer {
	peers := ps.filter(preds...)
	sort.Slice(peers, func(i, j int) bool {
		a, b := peers[i], peers[j]
		if c := compareWeight(a.HeadWeight, b.HeadWeight); c != 0 {
			return c > 0
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.ID < b.ID
	})
	if n > 0 && len(peers) > n {
		peers = peers[:n]
	}
	return peers
}

// Peers returns every registered peer, banned or not, ordered by id.
func (ps *PeerSet) Peers() []Peer {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	now := ps.now()
	out := make([]Peer, 0, len(ps.byID))
	for _, idx := range ps.byID {
		out = append(out, ps.snapshotLocked(idx, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ps *PeerSet) filter(preds ...Predicate) []Peer {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	now := ps.now()
	out := make([]Peer, 0, len(ps.byID))
outer:
	for _, idx := range ps.byID {
		p := ps.snapshotLocked(idx, now)
		if p.Banned {
			continue
		}
		for _, pred := range preds {
			if !pred(p) {
				continue outer
			}
		}
		out = append(out, p)
	}
	return out
}

func (ps *PeerSet) recordLocked(id ID) (*peerRecord, error) {
	idx, ok := ps.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return ps.slots[idx].peer, nil
}

func (ps *PeerSet) snapshotLocked(idx uint32, now time.Time) Peer {
	s := ps.slots[idx]
	rec := s.peer
	banned, _ := ps.rep.BanInfo(rec.id, now)
	return Peer{
		ID:              rec.id,
		Handle:          Handle{index: idx, generation: s.generation},
		ProtocolVersion: rec.version,
		HeadHash:        rec.headHash,
		HeadNumber:      rec.headNumber,
		HeadWeight:      cloneWeight(rec.headWeight),
		Inflight:        len(rec.outstanding),
		Score:           ps.rep.Score(rec.id, now),
		Banned:          rec.banned || banned,
		ConnectedAt:     rec.connectedAt,
		caps:            rec.caps,
	}
}

func sortedRequests(m map[RequestID]time.Time) []RequestID {
	out := make([]RequestID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func cloneWeight(w *uint256.Int) *uint256.Int {
	if w == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(w)
}

func compareWeight(a, b *uint256.Int) int {
	if a == nil {
		a = new(uint256.Int)
	}
	if b == nil {
		b = new(uint256.Int)
	}
	return a.Cmp(b)
}
