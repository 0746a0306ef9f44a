// Package node assembles a syncing node from its configuration: the block
// store, the chain, the import queue, the peer set, the network router and
// the sync reactor.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/blocksync"
	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/internal/eventsink/psql"
	"github.com/tendermint/chainsync/internal/importqueue"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/libs/service"
	"github.com/tendermint/chainsync/types"
)

// Node is a chainsync node.
type Node struct {
	service.BaseService
	logger log.Logger

	config  *config.Config
	genesis *types.GenesisDoc
	nodeID  string

	db      dbm.DB
	banBook *peerset.BanBook
	sink    *psql.EventSink

	chain   *chain.Chain
	peers   *peerset.PeerSet
	queue   *importqueue.Queue
	router  *p2p.Router
	reactor *blocksync.Reactor

	prometheusSrv *http.Server

	cancel context.CancelFunc
	group  *errgroup.Group

	mtx   sync.Mutex
	fatal error
}

// Option sets an optional parameter on the Node.
type Option func(*options)

type options struct {
	executor   chain.Executor
	dbProvider config.DBProvider
}

// WithExecutor sets the state transition check run on every block.
func WithExecutor(exec chain.Executor) Option {
	return func(o *options) { o.executor = exec }
}

// WithDBProvider replaces config.DefaultDBProvider.
func WithDBProvider(p config.DBProvider) Option {
	return func(o *options) { o.dbProvider = p }
}

// New builds a node from conf. Nothing runs until Start.
func New(conf *config.Config, logger log.Logger, opts ...Option) (*Node, error) {
	o := options{executor: chain.NopExecutor{}, dbProvider: config.DefaultDBProvider}
	for _, opt := range opts {
		opt(&o)
	}

	genDoc, err := types.GenesisDocFromFile(conf.GenesisFile())
	if err != nil {
		return nil, err
	}
	nodeID, err := p2p.LoadOrGenNodeID(conf.NodeIDFile())
	if err != nil {
		return nil, err
	}

	n := &Node{
		logger:  logger,
		config:  conf,
		genesis: genDoc,
		nodeID:  nodeID,
	}
	if err := n.setup(o); err != nil {
		n.closeStores()
		return nil, err
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart implements service.Service.
func (n *Node) OnStart(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	n.group = g

	if n.prometheusSrv != nil {
		n.startPrometheusServer(gctx)
	}

	if err := n.reactor.Start(ctx); err != nil {
		n.cancel()
		return fmt.Errorf("starting sync reactor: %w", err)
	}
	if err := n.router.Start(ctx); err != nil {
		n.reactor.Stop()
		n.cancel()
		return fmt.Errorf("starting router: %w", err)
	}

	g.Go(func() error {
		select {
		case err := <-n.reactor.Final():
			if err == nil {
				return nil
			}
			n.logger.Error("sync routine failed, stopping node", "err", err)
			n.mtx.Lock()
			n.fatal = err
			n.mtx.Unlock()
			go n.Stop()
			return err
		case <-gctx.Done():
			return nil
		}
	})

	head := n.chain.Head()
	n.logger.Info("started node",
		"node_id", n.nodeID,
		"chain_id", n.genesis.ChainID,
		"head", head.Number(),
		"hash", head.Hash,
		"laddr", n.router.ListenAddr(),
	)
	return nil
}

// OnStop implements service.Service.
func (n *Node) OnStop() {
	n.logger.Info("stopping node")

	n.router.Stop()
	n.reactor.Stop()
	n.cancel()
	if err := n.group.Wait(); err != nil {
		n.logger.Error("node goroutine ended with error", "err", err)
	}
	n.closeStores()
}

func (n *Node) closeStores() {
	if n.sink != nil {
		if err := n.sink.Stop(); err != nil {
			n.logger.Error("failed to close event sink", "err", err)
		}
	}
	if n.banBook != nil {
		if err := n.banBook.Close(); err != nil {
			n.logger.Error("failed to close ban book", "err", err)
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Error("failed to close block store", "err", err)
		}
	}
}

func (n *Node) startPrometheusServer(ctx context.Context) {
	n.group.Go(func() error {
		n.logger.Info("serving metrics", "addr", n.prometheusSrv.Addr)
		err := n.prometheusSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("prometheus server stopped with error", "err", err)
			return err
		}
		return nil
	})
	n.group.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return n.prometheusSrv.Shutdown(sctx)
	})
}

func newPrometheusServer(cfg *config.InstrumentationConfig) *http.Server {
	return &http.Server{
		Addr: cfg.PrometheusListenAddr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: cfg.MaxOpenConnections},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Err returns the error that stopped the node, if any.
func (n *Node) Err() error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.fatal
}

// NodeID returns the identity advertised to peers.
func (n *Node) NodeID() string { return n.nodeID }

// Chain returns the canonical chain.
func (n *Node) Chain() *chain.Chain { return n.chain }

// Router returns the network router.
func (n *Node) Router() *p2p.Router { return n.router }

// Reactor returns the sync reactor.
func (n *Node) Reactor() *blocksync.Reactor { return n.reactor }

// GenesisDoc returns the genesis the node was started with.
func (n *Node) GenesisDoc() *types.GenesisDoc { return n.genesis }

// Status is a snapshot of the node.
type Status struct {
	NodeID  string
	Moniker string
	ChainID string
	Chain   chain.Info
	Sync    blocksync.SyncStatus
	Peers   []peerset.ID
}

// Status reports chain and sync progress.
func (n *Node) Status() Status {
	return Status{
		NodeID:  n.nodeID,
		Moniker: n.config.Moniker,
		ChainID: n.genesis.ChainID,
		Chain:   n.chain.Info(),
		Sync:    n.reactor.Status(),
		Peers:   n.router.Peers(),
	}
}
