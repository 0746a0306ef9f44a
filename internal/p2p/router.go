package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/wire"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/libs/service"
)

// ErrPeerNotConnected is returned by Send for an unknown peer.
var ErrPeerNotConnected = errors.New("peer not connected")

// Handler consumes peer lifecycle events and inbound messages. Calls for one
// peer are ordered: AddPeer comes before any Receive and RemovePeer after
// the last one.
type Handler interface {
	AddPeer(st *wire.Status)
	RemovePeer(id peerset.ID)
	Receive(peer peerset.ID, msg wire.Message)
}

// RouterOptions specifies options for a Router.
type RouterOptions struct {
	// ListenAddress is the host:port to accept connections on. Empty
	// disables inbound connections.
	ListenAddress string

	// MaxPeers bounds the number of connected peers. 0 means no limit.
	MaxPeers int

	// HandshakeTimeout is the timeout for the Status exchange. Defaults to
	// 3 seconds.
	HandshakeTimeout time.Duration

	// SendTimeout bounds a single message write. Defaults to 10 seconds.
	SendTimeout time.Duration

	// QueueSize is the number of outbound messages buffered per peer.
	QueueSize int

	// PersistentPeers are dialed on start and redialed after a disconnect.
	PersistentPeers []string

	// RedialInterval is the wait between attempts to reach a persistent
	// peer.
	RedialInterval time.Duration
}

// Validate validates router options.
func (o *RouterOptions) Validate() error {
	switch {
	case o.MaxPeers < 0:
		return errors.New("max peers can't be negative")
	case o.QueueSize <= 0:
		return errors.New("queue size must be positive")
	case o.HandshakeTimeout < 0:
		return errors.New("handshake timeout can't be negative")
	case o.SendTimeout < 0:
		return errors.New("send timeout can't be negative")
	case len(o.PersistentPeers) > 0 && o.RedialInterval <= 0:
		return errors.New("redial interval must be positive")
	}
	return nil
}

type routedPeer struct {
	status *wire.Status
	conn   *Connection
	queue  *sendQueue
}

func (p *routedPeer) id() peerset.ID { return peerset.ID(p.status.NodeID) }

// Router keeps a connection per peer. It exchanges the handshake, pumps
// inbound messages into a Handler and writes outbound messages from a
// bounded per-peer queue.
type Router struct {
	service.BaseService
	logger log.Logger

	metrics     *Metrics
	options     RouterOptions
	transport   *Transport
	localStatus func() *wire.Status

	handler Handler

	peerMtx sync.RWMutex
	peers   map[peerset.ID]*routedPeer
}

// NewRouter creates a new Router. localStatus is called for every handshake
// so that peers see the current head.
func NewRouter(
	logger log.Logger,
	metrics *Metrics,
	transport *Transport,
	localStatus func() *wire.Status,
	options RouterOptions,
) (*Router, error) {
	if options.HandshakeTimeout == 0 {
		options.HandshakeTimeout = defaultHandshakeTimeout
	}
	if options.SendTimeout == 0 {
		options.SendTimeout = defaultSendTimeout
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	r := &Router{
		logger:      logger,
		metrics:     metrics,
		options:     options,
		transport:   transport,
		localStatus: localStatus,
		peers:       make(map[peerset.ID]*routedPeer),
	}
	r.BaseService = *service.NewBaseService(logger, "router", r)
	return r, nil
}

// SetHandler sets the consumer of peer events. It must be called before
// Start.
func (r *Router) SetHandler(h Handler) { r.handler = h }

// OnStart implements service.Service.
func (r *Router) OnStart(ctx context.Context) error {
	if r.handler == nil {
		return errors.New("router has no handler")
	}
	if r.options.ListenAddress != "" {
		if err := r.transport.Listen(r.options.ListenAddress); err != nil {
			return err
		}
		r.logger.Info("listening", "addr", r.transport.Addr())
		go r.acceptPeers(ctx)
	}
	for _, addr := range r.options.PersistentPeers {
		go r.dialPersistent(ctx, addr)
	}
	return nil
}

// OnStop implements service.Service. Peer goroutines exit once their
// connections are closed.
func (r *Router) OnStop() {
	if err := r.transport.Close(); err != nil {
		r.logger.Error("failed to close transport", "err", err)
	}

	r.peerMtx.RLock()
	for _, p := range r.peers {
		p.queue.close()
		_ = p.conn.Close()
	}
	r.peerMtx.RUnlock()
}

// ListenAddr returns the address the router accepts connections on, or nil.
func (r *Router) ListenAddr() net.Addr { return r.transport.Addr() }

// Peers returns the IDs of connected peers, sorted.
func (r *Router) Peers() []peerset.ID {
	r.peerMtx.RLock()
	defer r.peerMtx.RUnlock()

	ids := make([]peerset.ID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Send queues msg for peer. It never blocks.
func (r *Router) Send(peer peerset.ID, msg wire.Message) error {
	r.peerMtx.RLock()
	p, ok := r.peers[peer]
	r.peerMtx.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrPeerNotConnected, peer)
	}

	err := p.queue.enqueue(msg)
	if errors.Is(err, ErrQueueFull) {
		r.metrics.QueueDropped.Add(1)
	}
	return err
}

// Disconnect closes the connection to peer. The Handler is told through
// RemovePeer once the peer's goroutines have exited.
func (r *Router) Disconnect(peer peerset.ID, reason error) {
	r.peerMtx.RLock()
	p, ok := r.peers[peer]
	r.peerMtx.RUnlock()
	if !ok {
		return
	}

	r.logger.Info("disconnecting peer", "peer", peer, "reason", reason)
	p.queue.close()
	_ = p.conn.Close()
}

func (r *Router) acceptPeers(ctx context.Context) {
	for {
		conn, err := r.transport.Accept(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, ErrTransportClosed):
			return
		case err != nil:
			r.logger.Error("failed to accept connection", "err", err)
			return
		}

		go func() {
			p, err := r.openConnection(ctx, conn)
			if err != nil {
				r.logger.Debug("rejected inbound connection", "remote", conn.RemoteAddr(), "err", err)
				_ = conn.Close()
				return
			}
			r.routePeer(ctx, p)
		}()
	}
}

func (r *Router) dialPersistent(ctx context.Context, addr string) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := r.dialPeer(ctx, addr); err != nil && ctx.Err() == nil {
			r.logger.Debug("failed to reach persistent peer", "addr", addr, "err", err)
		}
		timer.Reset(r.options.RedialInterval)
	}
}

// dialPeer connects to addr and routes the peer until it disconnects.
func (r *Router) dialPeer(ctx context.Context, addr string) error {
	conn, err := r.transport.Dial(ctx, addr)
	if err != nil {
		return err
	}
	p, err := r.openConnection(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	r.routePeer(ctx, p)
	return nil
}

// openConnection performs the handshake and registers the peer.
func (r *Router) openConnection(ctx context.Context, conn *Connection) (*routedPeer, error) {
	local := r.localStatus()
	remote, err := conn.Handshake(ctx, r.options.HandshakeTimeout, local)
	if err != nil {
		return nil, err
	}
	if err := ValidateNodeID(remote.NodeID); err != nil {
		r.metrics.PeersRejected.With("reason", "invalid_id").Add(1)
		return nil, err
	}

	id := peerset.ID(remote.NodeID)
	r.peerMtx.Lock()
	defer r.peerMtx.Unlock()

	switch {
	case remote.NodeID == local.NodeID:
		r.metrics.PeersRejected.With("reason", "self").Add(1)
		return nil, errors.New("connected to self")
	case r.peers[id] != nil:
		r.metrics.PeersRejected.With("reason", "duplicate").Add(1)
		return nil, fmt.Errorf("peer %v is already connected", id)
	case r.options.MaxPeers > 0 && len(r.peers) >= r.options.MaxPeers:
		r.metrics.PeersRejected.With("reason", "full").Add(1)
		return nil, fmt.Errorf("already connected to %d peers", len(r.peers))
	}

	p := &routedPeer{status: remote, conn: conn, queue: newSendQueue(r.options.QueueSize)}
	r.peers[id] = p
	return p, nil
}

// routePeer pumps messages to and from a registered peer, blocking until
// either direction fails.
func (r *Router) routePeer(ctx context.Context, p *routedPeer) {
	id := p.id()
	r.logger.Info("peer connected", "peer", id, "remote", p.conn.RemoteAddr(), "head", p.status.HeadNumber)
	r.metrics.Peers.Add(1)
	r.handler.AddPeer(p.status)

	// the handler hears about the removal before id can be accepted again
	defer func() {
		r.handler.RemovePeer(id)
		r.metrics.Peers.Add(-1)

		r.peerMtx.Lock()
		if r.peers[id] == p {
			delete(r.peers, id)
		}
		r.peerMtx.Unlock()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- r.receivePeer(id, p.conn) }()
	go func() { errCh <- r.sendPeer(ctx, p) }()

	err := <-errCh
	_ = p.conn.Close()
	p.queue.close()
	if e := <-errCh; err == nil {
		err = e
	}

	switch err {
	case nil, io.EOF:
		r.logger.Info("peer disconnected", "peer", id)
	default:
		r.logger.Info("peer disconnected", "peer", id, "err", err)
	}
}

func (r *Router) receivePeer(id peerset.ID, conn *Connection) error {
	for {
		msg, n, err := conn.ReceiveMessage()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		code := msg.Code().String()
		r.metrics.MessagesReceived.With("code", code).Add(1)
		r.metrics.BytesReceived.With("code", code).Add(float64(n))

		r.handler.Receive(id, msg)
	}
}

func (r *Router) sendPeer(ctx context.Context, p *routedPeer) error {
	for {
		select {
		case msg := <-p.queue.dequeue():
			n, err := p.conn.SendMessage(msg, r.options.SendTimeout)
			if err != nil {
				return err
			}
			code := msg.Code().String()
			r.metrics.MessagesSent.With("code", code).Add(1)
			r.metrics.BytesSent.With("code", code).Add(float64(n))

		case <-p.queue.closed():
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}
