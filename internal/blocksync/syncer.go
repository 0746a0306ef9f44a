package blocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/internal/downloader"
	"github.com/tendermint/chainsync/internal/importqueue"
	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/wire"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

var (
	// ErrProtocolViolation is the disconnect reason for out of protocol
	// messages.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrPeerBanned is the disconnect reason for banned peers.
	ErrPeerBanned = errors.New("peer banned")
)

// syncer is the sync state machine. It is driven by a single routine and is
// not safe for concurrent use, except for status.
type syncer struct {
	logger  log.Logger
	cfg     Config
	peers   *peerset.PeerSet
	dl      *downloader.Downloader
	queue   *importqueue.Queue
	chain   *chain.Chain
	net     Network
	metrics *Metrics

	state  State
	target peerset.ID
	search *downloader.AncestorSearch
	sched  *downloader.Schedule
	bodies downloader.BodyQueue
	// useless maps peers to the head at which syncing from them was given
	// up; they are skipped until they announce something else
	useless map[peerset.ID]types.Hash

	startBlock uint64
	highest    uint64
	received   uint64
	imported   uint64

	mtx    sync.RWMutex
	status SyncStatus
}

func newSyncer(
	logger log.Logger,
	cfg Config,
	peers *peerset.PeerSet,
	dl *downloader.Downloader,
	queue *importqueue.Queue,
	c *chain.Chain,
	net Network,
	metrics *Metrics,
) *syncer {
	s := &syncer{
		logger:  logger,
		cfg:     cfg,
		peers:   peers,
		dl:      dl,
		queue:   queue,
		chain:   c,
		net:     net,
		metrics: metrics,
		useless: make(map[peerset.ID]types.Hash),
	}
	s.startBlock = c.Head().Number()
	s.highest = s.startBlock
	s.publishStatus()
	return s
}

func (s *syncer) handle(ctx context.Context, event Event) error {
	var err error
	switch ev := event.(type) {
	case evPeerAdded:
		s.onPeerAdded(ev.info)
	case evPeerRemoved:
		s.onPeerRemoved(ev.peer)
	case evMessage:
		err = s.onMessage(ctx, ev.peer, ev.msg)
	case evServe:
		s.serve(ev.peer, ev.msg)
	case evTick:
		err = s.onTick(ctx, ev)
	default:
		return fmt.Errorf("unexpected event %T", event)
	}
	if err != nil {
		return err
	}

	s.advance()
	s.flushEvictions()
	s.publishStatus()
	return nil
}

func (s *syncer) onPeerAdded(info peerset.Info) {
	if _, err := s.peers.Register(info); err != nil {
		s.logger.Info("rejecting peer", "peer", info.ID, "err", err)
		s.net.Disconnect(info.ID, err)
		return
	}
	s.raiseHighest(info.HeadNumber)

	if s.state == StateStalled {
		s.setState(StateIdle)
		return
	}
	if n := len(s.dl.RetryParked()); n > 0 {
		s.logger.Debug("re-issued parked requests", "peer", info.ID, "count", n)
	}
}

func (s *syncer) onPeerRemoved(id peerset.ID) {
	if _, err := s.peers.Unregister(id); err != nil {
		return
	}
	delete(s.useless, id)
	for _, req := range s.dl.CancelPeer(id) {
		s.reissue(req)
	}
	if id == s.target && s.state == StateFindingCommonAncestor {
		s.abort("sync peer disconnected")
	}
}

func (s *syncer) onTick(ctx context.Context, ev evTick) error {
	for _, ex := range s.dl.Expire(ev.time) {
		if ex.Request.Tag == downloader.TagSync {
			continue
		}
		// probes and announcements are tied to the peer they were sent to
		if ex.Reissued != nil {
			s.dl.Cancel(ex.Reissued.ID)
		}
		s.dl.DropParked(ex.Request.Tag)
		if ex.Request.Tag == downloader.TagAncestor && s.state == StateFindingCommonAncestor {
			s.abort("ancestor probe timed out")
		}
	}
	if s.state.syncing() {
		s.dl.RetryParked()
	}
	return s.importReady(ctx)
}

func (s *syncer) onMessage(ctx context.Context, peer peerset.ID, msg wire.Message) error {
	if _, ok := s.peers.Get(peer); !ok {
		return nil
	}
	switch m := msg.(type) {
	case *wire.BlockHeaders:
		s.onHeaders(peer, m)
	case *wire.BlockBodies:
		return s.onBodies(ctx, peer, m)
	case *wire.NewBlock:
		return s.onNewBlock(ctx, peer, m)
	case *wire.NewBlockHashes:
		s.onNewBlockHashes(peer, m)
	case *wire.GetBlockHeaders, *wire.GetBlockBodies:
		s.serve(peer, msg)
	default:
		s.net.Disconnect(peer, fmt.Errorf("%w: unexpected %v", ErrProtocolViolation, msg.Code()))
	}
	return nil
}

// advance decides what to do next. It runs after every event.
func (s *syncer) advance() {
	if s.state == StateHeaderSync || s.state == StateBodySync {
		s.fill()
		s.maybeFinish()
	}
	if s.state == StateIdle || s.state == StateLiveFollow {
		s.maybeStartSync()
	}
	s.checkStalled()
}

func (s *syncer) maybeStartSync() {
	head := s.chain.Head()
	best := s.peers.SelectBestPeers(1,
		peerset.HasCapability(peerset.CapHeaders),
		peerset.AheadOf(head.TotalWeight),
		s.worthSyncing,
	)
	if len(best) == 0 {
		if s.state == StateIdle && s.peers.Len() > 0 {
			s.setState(StateLiveFollow)
		}
		return
	}

	p := best[0]
	s.target = p.ID
	s.search = downloader.NewAncestorSearch(s.chain, head.Number(), p.HeadNumber, s.cfg.MaxAncestorDepth)
	s.startBlock = head.Number()
	s.raiseHighest(p.HeadNumber)
	s.setState(StateFindingCommonAncestor)
	s.logger.Info("starting sync round",
		"peer", p.ID,
		"local", head.Number(),
		"remote", p.HeadNumber,
		"remote_weight", p.HeadWeight)
	s.probe()
}

// worthSyncing skips peers already given up on and peers whose head we
// already store.
func (s *syncer) worthSyncing(p peerset.Peer) bool {
	if hash, ok := s.useless[p.ID]; ok && hash == p.HeadHash {
		return false
	}
	return !s.chain.HasBlock(p.HeadHash)
}

func (s *syncer) probe() {
	req, ok := s.search.Next()
	if !ok {
		s.startHeaderSync()
		return
	}
	if _, err := s.dl.RequestHeaders(s.target, req, downloader.TagAncestor); err != nil {
		s.abort(fmt.Sprintf("sending probe: %v", err))
	}
}

func (s *syncer) onAncestorHeaders(req *downloader.Request, headers []*types.BlockHeader) {
	if s.state != StateFindingCommonAncestor || s.search == nil {
		return
	}
	if req.Peer != s.target {
		// a probe re-issued after a ban says nothing about the target
		s.abort("probe answered by another peer")
		return
	}

	err := s.search.Deliver(headers)
	switch {
	case err == nil:
	case errors.Is(err, downloader.ErrNoCommonAncestor):
		s.giveUp(req.Peer, err)
		s.net.Disconnect(req.Peer, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		return
	default:
		s.penalize(req.Peer, peerset.SeverityUseless, err.Error())
		s.giveUp(req.Peer, err)
		return
	}

	if s.search.Done() {
		s.startHeaderSync()
		return
	}
	s.probe()
}

func (s *syncer) startHeaderSync() {
	number, hash, _ := s.search.Result()
	s.search = nil

	p, ok := s.peers.Get(s.target)
	if !ok {
		s.abort("sync peer left")
		return
	}
	if p.HeadNumber <= number {
		s.giveUp(p.ID, errors.New("nothing to download above the common ancestor"))
		return
	}

	s.sched = downloader.NewSchedule(number+1, p.HeadNumber, hash, s.cfg.HeaderBatch, s.cfg.MaxAhead)
	s.setState(StateHeaderSync)
	s.logger.Info("common ancestor found", "peer", p.ID, "number", number, "hash", hash, "target", p.HeadNumber)
}

func (s *syncer) onHeaders(peer peerset.ID, m *wire.BlockHeaders) {
	req, err := s.dl.OnBlockHeaders(peer, peerset.RequestID(m.RequestID), m.Headers)
	if err != nil {
		if req != nil {
			s.reissue(req)
		}
		return
	}
	switch req.Tag {
	case downloader.TagAncestor:
		s.onAncestorHeaders(req, m.Headers)
	case downloader.TagSync:
		s.onSyncHeaders(req, m.Headers)
	case downloader.TagAnnounce:
		s.onAnnouncedHeaders(req, m.Headers)
	}
}

func (s *syncer) onSyncHeaders(req *downloader.Request, headers []*types.BlockHeader) {
	if s.sched == nil {
		return
	}
	if len(headers) == 0 {
		s.penalize(req.Peer, peerset.SeverityUseless, "empty header batch")
	}
	if _, err := s.sched.Deliver(req.Headers.Origin.Number, req.Peer, headers); err != nil {
		s.logger.Debug("dropping header batch", "peer", req.Peer, "err", err)
		return
	}

	seg, err := s.sched.Segment()
	for _, h := range seg {
		if !s.chain.HasBlock(h.Hash()) {
			s.bodies.Add(h)
		}
	}
	var link *downloader.LinkError
	if errors.As(err, &link) {
		s.penalize(link.Peer, peerset.SeverityMalformed, link.Error())
	}
	if s.sched.Done() && s.state == StateHeaderSync {
		s.setState(StateBodySync)
	}
}

func (s *syncer) onBodies(ctx context.Context, peer peerset.ID, m *wire.BlockBodies) error {
	req, res, err := s.dl.OnBlockBodies(peer, peerset.RequestID(m.RequestID), m.Bodies)
	if err != nil {
		if req != nil {
			s.reissue(req)
		}
		return nil
	}
	if len(res.Blocks) == 0 {
		s.penalize(peer, peerset.SeverityUseless, "empty body response")
	}
	bulk := req.Tag == downloader.TagSync
	if bulk {
		s.bodies.Return(res.Missing...)
	}
	s.received += uint64(len(res.Blocks))
	s.metrics.BlocksReceived.Add(float64(len(res.Blocks)))

	var invalid error
	for i, b := range res.Blocks {
		err := s.queue.Push(b, peer)
		if err == nil {
			continue
		}
		if errors.Is(err, importqueue.ErrQueueFull) {
			if bulk {
				for _, rest := range res.Blocks[i:] {
					s.bodies.Return(rest.Header)
				}
			}
			break
		}
		s.rejected(peer, b, err)
		invalid = err
		break
	}

	// the valid prefix is still committed
	if err := s.importReady(ctx); err != nil {
		return err
	}
	if invalid != nil && bulk && s.state.syncing() {
		s.giveUp(s.target, invalid)
	}
	return nil
}

func (s *syncer) onAnnouncedHeaders(req *downloader.Request, headers []*types.BlockHeader) {
	if len(headers) == 0 || s.chain.HasBlock(headers[0].Hash()) {
		return
	}
	if _, err := s.dl.RequestBodies(req.Peer, headers, downloader.TagAnnounce); err != nil {
		s.logger.Debug("fetching announced body", "peer", req.Peer, "err", err)
	}
}

func (s *syncer) onNewBlock(ctx context.Context, peer peerset.ID, m *wire.NewBlock) error {
	block := m.Block
	hash := block.Hash()
	changed, err := s.peers.UpdateHead(peer, hash, block.Number(), m.TotalWeight)
	if err != nil {
		return nil
	}
	s.raiseHighest(block.Number())

	switch {
	case s.state == StateStalled && changed:
		s.setState(StateIdle)
	case s.state.syncing():
		if peer == s.target && s.sched != nil {
			s.sched.SetTarget(block.Number())
		}
		return nil
	}

	if s.chain.HasBlock(hash) {
		return nil
	}
	if err := s.queue.Push(block, peer); err != nil {
		if !errors.Is(err, importqueue.ErrQueueFull) {
			s.rejected(peer, block, err)
		}
		return nil
	}
	return s.importReady(ctx)
}

func (s *syncer) onNewBlockHashes(peer peerset.ID, m *wire.NewBlockHashes) {
	var top wire.HashAnnounce
	for _, a := range m.Announces {
		if a.Number > top.Number {
			top = a
		}
	}
	if top.Number > 0 {
		_, _ = s.peers.UpdateHead(peer, top.Hash, top.Number, nil)
		s.raiseHighest(top.Number)
	}
	if s.state != StateLiveFollow && s.state != StateIdle {
		return
	}

	head := s.chain.Head().Number()
	for _, a := range m.Announces {
		if a.Number > head+s.cfg.AnnounceDistance || a.Number+s.cfg.MaxAncestorDepth <= head {
			continue
		}
		if s.chain.HasBlock(a.Hash) || s.queue.Status(a.Hash) != importqueue.StatusUnknown {
			continue
		}
		req := downloader.HeaderRequest{Origin: downloader.Origin{Hash: a.Hash}, Amount: 1}
		if _, err := s.dl.RequestHeaders(peer, req, downloader.TagAnnounce); err != nil {
			s.logger.Debug("fetching announced header", "peer", peer, "hash", a.Hash, "err", err)
		}
	}
}

// fill issues header and body requests while peers have capacity.
func (s *syncer) fill() {
	s.fillBodies()
	s.fillHeaders()
}

func (s *syncer) fillHeaders() {
	if s.sched == nil {
		return
	}
	for s.bodies.Len() < s.cfg.BodyBacklog {
		peers := s.idlePeers(peerset.CapHeaders)
		if len(peers) == 0 {
			return
		}
		req, ok := s.sched.Next(s.chain.Head().Number())
		if !ok {
			return
		}
		p, ok := servingPeer(peers, req.Highest())
		if !ok {
			s.sched.Fail(req.Origin.Number)
			return
		}
		if _, err := s.dl.RequestHeaders(p.ID, req, downloader.TagSync); err != nil {
			s.logger.Debug("header request failed", "peer", p.ID, "req", req, "err", err)
			s.sched.Fail(req.Origin.Number)
			return
		}
	}
}

func (s *syncer) fillBodies() {
	for s.bodies.Len() > 0 {
		if inflight := s.dl.InflightTag(downloader.TagSync); inflight > 0 &&
			s.queue.Info().Staged+inflight*s.cfg.BodyBatch >= s.cfg.MaxStaged {
			return
		}
		peers := s.idlePeers(peerset.CapBodies)
		if len(peers) == 0 {
			return
		}
		headers := s.bodies.Take(s.cfg.BodyBatch)
		p, ok := servingPeer(peers, headers[len(headers)-1].Number)
		if !ok {
			s.bodies.Return(headers...)
			return
		}
		if _, err := s.dl.RequestBodies(p.ID, headers, downloader.TagSync); err != nil {
			s.logger.Debug("body request failed", "peer", p.ID, "err", err)
			s.bodies.Return(headers...)
			return
		}
	}
}

func (s *syncer) idlePeers(c peerset.Capability) []peerset.Peer {
	return s.peers.SelectBestPeers(0,
		peerset.HasCapability(c),
		peerset.NotSaturated(s.dl.Config().MaxInflightPerPeer),
	)
}

func servingPeer(peers []peerset.Peer, number uint64) (peerset.Peer, bool) {
	for _, p := range peers {
		if p.HeadNumber >= number {
			return p, true
		}
	}
	return peerset.Peer{}, false
}

func (s *syncer) maybeFinish() {
	if s.sched == nil || !s.sched.Done() || s.bodies.Len() > 0 {
		return
	}
	if s.dl.InflightTag(downloader.TagSync) > 0 || s.queue.Info().Staged > 0 {
		return
	}
	for _, req := range s.dl.Parked() {
		if req.Tag == downloader.TagSync {
			return
		}
	}

	head := s.chain.Head()
	if p, ok := s.peers.Get(s.target); ok && p.HeadWeight != nil && p.HeadWeight.Gt(head.TotalWeight) {
		s.useless[p.ID] = p.HeadHash
		// the advertised head is stored and weighs less than claimed
		if meta := s.chain.BlockMeta(p.HeadHash); meta != nil && p.HeadWeight.Gt(meta.TotalWeight) {
			s.penalize(p.ID, peerset.SeverityFalseHead,
				fmt.Sprintf("head %v weighs %v, advertised %v", p.HeadHash, meta.TotalWeight, p.HeadWeight))
		}
	}
	s.logger.Info("sync round finished",
		"peer", s.target,
		"head", head.Number(),
		"hash", head.Hash,
		"weight", head.TotalWeight,
		"imported", s.imported)
	s.reset()
	s.setState(StateLiveFollow)
}

func (s *syncer) checkStalled() {
	if !s.state.syncing() || s.dl.Inflight() > 0 {
		return
	}
	s.logger.Info("sync stalled", "state", s.state, "parked", len(s.dl.Parked()), "peers", s.peers.Len())
	s.reset()
	s.setState(StateStalled)
}

// importReady commits everything the queue can release.
func (s *syncer) importReady(ctx context.Context) error {
	for {
		entries := s.queue.Drain(importqueue.DefaultDrainBatch)
		if len(entries) == 0 {
			return nil
		}
		imports := make([]chain.Import, len(entries))
		for i, e := range entries {
			imports[i] = chain.Import{Block: e.Block, Origin: e.Origin}
		}

		ev, err := s.chain.ImportBatch(ctx, imports)
		s.imported += uint64(len(ev.Imported))
		s.metrics.BlocksImported.Add(float64(len(ev.Imported)))

		invalid := false
		for _, bad := range ev.Bad {
			invalid = true
			s.queue.MarkBad(bad.Hash)
			if bad.Origin != "" {
				s.penalize(bad.Origin, peerset.SeverityInvalidBlock, bad.Err.Error())
			}
		}
		for _, f := range ev.Failed {
			if errors.Is(f.Err, chain.ErrKnownBad) {
				invalid = true
				s.queue.MarkBad(f.Hash)
				s.penalize(f.Origin, peerset.SeverityInvalidBlock, f.Err.Error())
				continue
			}
			s.logger.Debug("block not committed", "number", f.Number, "hash", f.Hash, "origin", f.Origin, "err", f.Err)
		}
		if err != nil {
			return fmt.Errorf("importing blocks: %w", err)
		}

		if invalid && s.state.syncing() {
			s.giveUp(s.target, errors.New("synced chain contains an invalid block"))
		}
		if ev.HeadChanged() && s.state == StateLiveFollow {
			s.relay(ev.Head)
		}
	}
}

func (s *syncer) rejected(peer peerset.ID, b *types.Block, err error) {
	s.logger.Info("block rejected", "peer", peer, "number", b.Number(), "hash", b.Hash(), "err", err)
	s.penalize(peer, peerset.SeverityInvalidBlock, err.Error())
}

// penalize scores peer and releases its requests if that banned it.
func (s *syncer) penalize(peer peerset.ID, sev peerset.Severity, reason string) {
	res, err := s.peers.Penalize(peer, sev, reason)
	if err != nil || !res.Banned {
		return
	}
	for _, req := range s.dl.CancelPeer(peer) {
		s.reissue(req)
	}
}

// reissue moves a request that lost its peer elsewhere.
func (s *syncer) reissue(req *downloader.Request) {
	switch req.Tag {
	case downloader.TagSync:
		if _, err := s.dl.Retry(req); err != nil {
			s.logger.Debug("request parked", "id", req.ID, "kind", req.Kind, "err", err)
		}
	case downloader.TagAncestor:
		if s.state == StateFindingCommonAncestor {
			s.abort("ancestor probe lost")
		}
	}
}

// giveUp ends the round and skips peer until it announces another head.
func (s *syncer) giveUp(peer peerset.ID, reason error) {
	if p, ok := s.peers.Get(peer); ok {
		s.useless[peer] = p.HeadHash
	}
	if s.state.syncing() {
		s.abort(reason.Error())
	}
}

func (s *syncer) abort(reason string) {
	s.logger.Info("sync round aborted", "state", s.state, "peer", s.target, "reason", reason)
	s.reset()
	s.setState(StateIdle)
}

func (s *syncer) reset() {
	s.dl.CancelTag(downloader.TagAncestor)
	s.dl.CancelTag(downloader.TagSync)
	s.target = ""
	s.search = nil
	s.sched = nil
	s.bodies.Reset()
	s.queue.Clear()
}

func (s *syncer) setState(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug("sync state changed", "from", s.state, "to", st)
	s.state = st
	s.metrics.State.Set(float64(st))
}

func (s *syncer) raiseHighest(n uint64) {
	if n > s.highest {
		s.highest = n
		s.metrics.HighestBlock.Set(float64(n))
	}
}

func (s *syncer) flushEvictions() {
	for {
		select {
		case ev := <-s.peers.Evictions():
			s.net.Disconnect(ev.ID, fmt.Errorf("%w: %s", ErrPeerBanned, ev.Reason))
		default:
			return
		}
	}
}

func (s *syncer) publishStatus() {
	peers := s.peers.Peers()
	active := 0
	for _, p := range peers {
		if p.Inflight > 0 {
			active++
		}
	}
	st := SyncStatus{
		State:          s.state,
		StartBlock:     s.startBlock,
		HighestBlock:   s.highest,
		BlocksReceived: s.received,
		BlocksImported: s.imported,
		NumPeers:       len(peers),
		NumActivePeers: active,
	}

	s.mtx.Lock()
	s.status = st
	s.mtx.Unlock()
}

func (s *syncer) Status() SyncStatus {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.status
}
