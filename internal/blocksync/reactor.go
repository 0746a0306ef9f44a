package blocksync

import (
	"context"
	"time"

	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/internal/downloader"
	"github.com/tendermint/chainsync/internal/importqueue"
	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/wire"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/libs/service"
	"github.com/tendermint/chainsync/types"
)

var _ service.Service = (*Reactor)(nil)

// Network delivers messages to connected peers.
type Network interface {
	Send(peer peerset.ID, msg wire.Message) error
	// Disconnect closes the connection to peer. It must not block on the
	// reactor.
	Disconnect(peer peerset.ID, reason error)
}

// sender turns downloader requests into wire messages.
type sender struct{ net Network }

func (s sender) SendGetBlockHeaders(peer peerset.ID, id peerset.RequestID, req downloader.HeaderRequest) error {
	return s.net.Send(peer, &wire.GetBlockHeaders{
		RequestID:    uint64(id),
		OriginHash:   req.Origin.Hash,
		OriginNumber: req.Origin.Number,
		Amount:       req.Amount,
		Skip:         req.Skip,
		Reverse:      req.Reverse,
	})
}

func (s sender) SendGetBlockBodies(peer peerset.ID, id peerset.RequestID, hashes []types.Hash) error {
	return s.net.Send(peer, &wire.GetBlockBodies{RequestID: uint64(id), Hashes: hashes})
}

// Reactor runs the sync state machine on a routine and feeds it peer
// events, messages and ticks.
type Reactor struct {
	service.BaseService
	logger log.Logger

	cfg     Config
	chain   *chain.Chain
	queue   *importqueue.Queue
	syncer  *syncer
	routine *Routine
	now     func() time.Time
}

// ReactorOption sets an optional parameter on the Reactor.
type ReactorOption func(*reactorOptions)

type reactorOptions struct {
	metrics   *Metrics
	dlConfig  downloader.Config
	dlMetrics *downloader.Metrics
	now       func() time.Time
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) ReactorOption {
	return func(o *reactorOptions) { o.metrics = m }
}

// WithDownloader configures the request layer.
func WithDownloader(cfg downloader.Config, m *downloader.Metrics) ReactorOption {
	return func(o *reactorOptions) {
		o.dlConfig = cfg
		o.dlMetrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ReactorOption {
	return func(o *reactorOptions) { o.now = now }
}

// NewReactor returns a reactor syncing c from peers.
func NewReactor(
	logger log.Logger,
	cfg Config,
	peers *peerset.PeerSet,
	c *chain.Chain,
	queue *importqueue.Queue,
	net Network,
	opts ...ReactorOption,
) *Reactor {
	o := reactorOptions{
		metrics:   NopMetrics(),
		dlConfig:  downloader.DefaultConfig(),
		dlMetrics: downloader.NopMetrics(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	dl := downloader.New(logger.With("module", "downloader"), o.dlConfig, peers, sender{net}, o.dlMetrics, o.now)
	s := newSyncer(logger, cfg, peers, dl, queue, c, net, o.metrics)

	r := &Reactor{
		logger:  logger,
		cfg:     cfg,
		chain:   c,
		queue:   queue,
		syncer:  s,
		routine: newRoutine("sync", s.handle, cfg.EventBuffer, logger, o.metrics),
		now:     o.now,
	}
	r.BaseService = *service.NewBaseService(logger, "BlockSync", r)
	return r
}

// OnStart implements service.Service.
func (r *Reactor) OnStart(ctx context.Context) error {
	go r.routine.start(ctx)
	select {
	case <-r.routine.ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	go r.tick(ctx)
	return nil
}

// OnStop implements service.Service.
func (r *Reactor) OnStop() {
	r.routine.stop()
}

func (r *Reactor) tick(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.routine.send(evTick{time: r.now()})
		}
	}
}

// AddPeer registers a peer that completed the handshake.
func (r *Reactor) AddPeer(st *wire.Status) {
	r.routine.send(evPeerAdded{info: PeerInfo(st)})
}

// RemovePeer forgets a disconnected peer.
func (r *Reactor) RemovePeer(id peerset.ID) {
	r.routine.send(evPeerRemoved{peer: id})
}

// Receive hands a message from peer to the state machine. Queries are
// served at low priority and may be shed under load.
func (r *Reactor) Receive(peer peerset.ID, msg wire.Message) {
	switch msg.(type) {
	case *wire.GetBlockHeaders, *wire.GetBlockBodies:
		r.routine.send(evServe{peer: peer, msg: msg})
	default:
		r.routine.send(evMessage{peer: peer, msg: msg})
	}
}

// Status returns the latest sync progress.
func (r *Reactor) Status() SyncStatus { return r.syncer.Status() }

// BlockStatus reports where hash stands. Both the queue and the chain are
// safe to read from outside the routine.
func (r *Reactor) BlockStatus(hash types.Hash) BlockStatus {
	if r.chain.IsBad(hash) || r.queue.IsBad(hash) {
		return BlockBad
	}
	if r.chain.HasBlock(hash) {
		return BlockInChain
	}
	switch r.queue.Status(hash) {
	case importqueue.StatusQueued, importqueue.StatusOrphaned:
		return BlockQueued
	case importqueue.StatusBad:
		return BlockBad
	}
	return BlockUnknown
}

// Final delivers the reason the sync routine ended, nil after Stop.
func (r *Reactor) Final() <-chan error { return r.routine.final() }

// PeerInfo converts a handshake message.
func PeerInfo(st *wire.Status) peerset.Info {
	caps := make([]peerset.Capability, len(st.Capabilities))
	for i, c := range st.Capabilities {
		caps[i] = peerset.Capability(c)
	}
	return peerset.Info{
		ID:              peerset.ID(st.NodeID),
		ProtocolVersion: st.ProtocolVersion,
		Genesis:         st.Genesis,
		HeadHash:        st.HeadHash,
		HeadNumber:      st.HeadNumber,
		HeadWeight:      st.HeadWeight,
		Capabilities:    caps,
	}
}

// LocalStatus is the handshake advertising the head of c.
func LocalStatus(c *chain.Chain, nodeID string) *wire.Status {
	head := c.Head()
	return &wire.Status{
		ProtocolVersion: wire.ProtocolVersion,
		NodeID:          nodeID,
		Genesis:         c.Genesis().Hash,
		HeadHash:        head.Hash,
		HeadNumber:      head.Number(),
		HeadWeight:      head.TotalWeight.Clone(),
		Capabilities:    []string{string(peerset.CapHeaders), string(peerset.CapBodies)},
	}
}
