// Package p2p connects the node to its peers over TCP. Each connection
// starts with a Status handshake and then carries length framed wire
// messages.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/tendermint/chainsync/internal/wire"
	"github.com/tendermint/chainsync/libs/log"
)

const (
	defaultDialTimeout      = 3 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultSendTimeout      = 10 * time.Second
)

// ErrTransportClosed is returned by Accept after Close.
var ErrTransportClosed = errors.New("transport closed")

// TransportOption sets an option for Transport.
type TransportOption func(*Transport)

// TransportMaxIncomingConnections sets the maximum number of simultaneous
// incoming connections. Default: 0 (unlimited)
func TransportMaxIncomingConnections(max int) TransportOption {
	return func(t *Transport) { t.maxIncoming = max }
}

// TransportDialTimeout sets the timeout for outbound connections.
func TransportDialTimeout(d time.Duration) TransportOption {
	return func(t *Transport) { t.dialTimeout = d }
}

// TransportMaxMessageSize bounds the size of a received frame.
func TransportMaxMessageSize(n int) TransportOption {
	return func(t *Transport) { t.maxMessageSize = n }
}

// Transport accepts and dials TCP connections.
type Transport struct {
	logger         log.Logger
	maxIncoming    int
	dialTimeout    time.Duration
	maxMessageSize int

	listener    net.Listener
	chAccept    chan *Connection
	chError     chan error
	chClose     chan struct{}
	chCloseOnce sync.Once
}

// NewTransport returns a transport that is not yet listening.
func NewTransport(logger log.Logger, opts ...TransportOption) *Transport {
	t := &Transport{
		logger:         logger,
		dialTimeout:    defaultDialTimeout,
		maxMessageSize: wire.MaxFrameSize,
		chAccept:       make(chan *Connection),
		chError:        make(chan error),
		chClose:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Listen starts accepting connections on addr, a host:port pair. It must be
// called at most once.
func (t *Transport) Listen(addr string) error {
	if t.listener != nil {
		return errors.New("transport is already listening")
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", addr, err)
	}
	if t.maxIncoming > 0 {
		l = netutil.LimitListener(l, t.maxIncoming)
	}
	t.listener = l

	go t.accept()
	return nil
}

func (t *Transport) accept() {
	for {
		tcpConn, err := t.listener.Accept()
		if err != nil {
			select {
			case t.chError <- err:
			case <-t.chClose:
			}
			return
		}

		c := newConnection(tcpConn, t.maxMessageSize)
		select {
		case t.chAccept <- c:
		case <-t.chClose:
			_ = c.Close()
			return
		}
	}
}

// Accept waits for the next inbound connection.
func (t *Transport) Accept(ctx context.Context) (*Connection, error) {
	select {
	case c := <-t.chAccept:
		return c, nil
	case err := <-t.chError:
		select {
		case <-t.chClose:
			return nil, ErrTransportClosed
		default:
		}
		return nil, err
	case <-t.chClose:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial connects to addr.
func (t *Transport) Dial(ctx context.Context, addr string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	dialer := net.Dialer{}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newConnection(tcpConn, t.maxMessageSize), nil
}

// Addr returns the listening address, or nil.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Close stops accepting connections. Established connections stay open.
func (t *Transport) Close() error {
	var err error
	t.chCloseOnce.Do(func() {
		close(t.chClose)
		if t.listener != nil {
			err = t.listener.Close()
		}
	})
	return err
}

func (t *Transport) String() string {
	if addr := t.Addr(); addr != nil {
		return "tcp://" + addr.String()
	}
	return "tcp"
}
