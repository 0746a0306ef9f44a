package node

import (
	"fmt"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/blocksync"
	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/internal/downloader"
	"github.com/tendermint/chainsync/internal/eventsink/psql"
	"github.com/tendermint/chainsync/internal/importqueue"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/seal"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/version"
	"github.com/tendermint/chainsync/internal/wire"
)

// nodeMetrics groups the metrics of every subsystem.
type nodeMetrics struct {
	chain      *chain.Metrics
	peers      *peerset.Metrics
	queue      *importqueue.Metrics
	downloader *downloader.Metrics
	sync       *blocksync.Metrics
	p2p        *p2p.Metrics
}

func defaultMetrics(cfg *config.InstrumentationConfig, chainID string) *nodeMetrics {
	if !cfg.Prometheus {
		return &nodeMetrics{
			chain:      chain.NopMetrics(),
			peers:      peerset.NopMetrics(),
			queue:      importqueue.NopMetrics(),
			downloader: downloader.NopMetrics(),
			sync:       blocksync.NopMetrics(),
			p2p:        p2p.NopMetrics(),
		}
	}
	return &nodeMetrics{
		chain:      chain.PrometheusMetrics(cfg.Namespace, "chain_id", chainID),
		peers:      peerset.PrometheusMetrics(cfg.Namespace, "chain_id", chainID),
		queue:      importqueue.PrometheusMetrics(cfg.Namespace, "chain_id", chainID),
		downloader: downloader.PrometheusMetrics(cfg.Namespace, "chain_id", chainID),
		sync:       blocksync.PrometheusMetrics(cfg.Namespace, "chain_id", chainID),
		p2p:        p2p.PrometheusMetrics(cfg.Namespace, "chain_id", chainID),
	}
}

// setup opens the stores and wires the subsystems together. Partially
// opened stores are left on n for closeStores.
func (n *Node) setup(o options) error {
	conf := n.config
	logger := n.logger
	metrics := defaultMetrics(conf.Instrumentation, n.genesis.ChainID)

	db, err := o.dbProvider(&config.DBContext{ID: "blockstore", Config: conf})
	if err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}
	n.db = db

	if n.banBook, err = peerset.OpenBanBook(conf.Peers.BanBookDir()); err != nil {
		return fmt.Errorf("opening ban book: %w", err)
	}

	chainOpts := []chain.Option{chain.WithMetrics(metrics.chain)}
	if conf.EventSink.Type == config.EventSinkPSQL {
		sink, err := psql.NewEventSink(logger.With("module", "psql"), conf.EventSink.PsqlConn, n.genesis.ChainID)
		if err != nil {
			return fmt.Errorf("creating event sink: %w", err)
		}
		n.sink = sink
		if err := sink.Migrate(); err != nil {
			return fmt.Errorf("migrating event sink: %w", err)
		}
		chainOpts = append(chainOpts, chain.WithAnnouncer(sink))
	}

	n.chain, err = chain.New(
		logger.With("module", "chain"),
		chain.Config{RetentionDepth: conf.Chain.RetentionDepth},
		store.NewBlockStore(db),
		n.genesis.Block(),
		o.executor,
		chainOpts...,
	)
	if err != nil {
		return fmt.Errorf("loading chain: %w", err)
	}

	engine, err := seal.New(conf.Chain.SealEngine, conf.Chain.Signers)
	if err != nil {
		return err
	}

	n.queue, err = importqueue.New(
		logger.With("module", "importqueue"),
		importqueue.Config{
			MaxSize:        conf.Queue.MaxSize,
			MaxOrphans:     conf.Queue.MaxOrphans,
			MaxFutureDrift: conf.Queue.MaxFutureDrift,
			KnownBadSize:   conf.Queue.KnownBadSize,
		},
		n.chain,
		engine,
		metrics.queue,
		nil,
	)
	if err != nil {
		return fmt.Errorf("creating import queue: %w", err)
	}

	n.peers = peerset.New(logger.With("module", "peerset"), peerset.Options{
		ProtocolVersion: version.P2PProtocol,
		Genesis:         n.chain.Genesis().Hash,
		MaxPeers:        conf.Peers.MaxPeers,
		Reputation: peerset.ReputationConfig{
			BanScore:      conf.Peers.BanScore,
			BanDuration:   conf.Peers.BanDuration,
			DecayHalfLife: conf.Peers.DecayHalfLife,
		},
		BanBook: n.banBook,
		Metrics: metrics.peers,
	})
	if _, err := n.peers.RestoreBans(); err != nil {
		return fmt.Errorf("restoring bans: %w", err)
	}

	transport := p2p.NewTransport(
		logger.With("module", "transport"),
		p2p.TransportMaxIncomingConnections(conf.P2P.MaxIncomingConnections),
		p2p.TransportDialTimeout(conf.P2P.DialTimeout),
		p2p.TransportMaxMessageSize(conf.P2P.MaxMessageSize),
	)
	n.router, err = p2p.NewRouter(
		logger.With("module", "p2p"),
		metrics.p2p,
		transport,
		func() *wire.Status { return blocksync.LocalStatus(n.chain, n.nodeID) },
		p2p.RouterOptions{
			ListenAddress:    conf.P2P.ListenAddress,
			MaxPeers:         conf.P2P.MaxConnections,
			HandshakeTimeout: conf.P2P.HandshakeTimeout,
			SendTimeout:      conf.P2P.SendTimeout,
			QueueSize:        conf.P2P.QueueSize,
			PersistentPeers:  conf.P2P.PersistentPeerList(),
			RedialInterval:   conf.P2P.PersistentPeersRedial,
		},
	)
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}

	n.reactor = blocksync.NewReactor(
		logger.With("module", "blocksync"),
		syncConfig(conf.Sync),
		n.peers,
		n.chain,
		n.queue,
		n.router,
		blocksync.WithMetrics(metrics.sync),
		blocksync.WithDownloader(downloader.Config{
			RequestTimeout:     conf.Sync.RequestTimeout,
			MaxInflightPerPeer: conf.Sync.MaxInflightPerPeer,
		}, metrics.downloader),
	)
	n.router.SetHandler(n.reactor)

	if conf.Instrumentation.Prometheus {
		n.prometheusSrv = newPrometheusServer(conf.Instrumentation)
	}
	return nil
}

func syncConfig(c *config.SyncConfig) blocksync.Config {
	return blocksync.Config{
		HeaderBatch:      c.HeaderBatch,
		BodyBatch:        c.BodyBatch,
		MaxAhead:         c.MaxAhead,
		MaxAncestorDepth: c.MaxAncestorDepth,
		MaxStaged:        c.MaxStaged,
		BodyBacklog:      c.BodyBacklog,
		AnnounceDistance: c.AnnounceDistance,
		TickInterval:     c.TickInterval,
		EventBuffer:      c.EventBuffer,
	}
}
