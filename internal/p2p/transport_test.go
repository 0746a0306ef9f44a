package p2p

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/internal/wire"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

var weightComparer = cmp.Comparer(func(a, b *uint256.Int) bool { return a.Eq(b) })

func testStatus(id string) *wire.Status {
	return &wire.Status{
		ProtocolVersion: wire.ProtocolVersion,
		NodeID:          id,
		Genesis:         factory.Genesis(1).Hash(),
		HeadHash:        factory.Genesis(1).Hash(),
		HeadWeight:      uint256.NewInt(1),
		Capabilities:    []string{"headers", "bodies"},
	}
}

func listen(t *testing.T, opts ...TransportOption) *Transport {
	t.Helper()
	tr := NewTransport(log.NewNopLogger(), opts...)
	require.NoError(t, tr.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTransportHandshakeAndExchange(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := listen(t)
	client := NewTransport(log.NewNopLogger())

	a, b := testStatus(NewNodeID()), testStatus(NewNodeID())

	type result struct {
		conn   *Connection
		remote *wire.Status
		err    error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := server.Accept(ctx)
		if err != nil {
			accepted <- result{err: err}
			return
		}
		remote, err := conn.Handshake(ctx, time.Second, b)
		accepted <- result{conn, remote, err}
	}()

	conn, err := client.Dial(ctx, server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	remote, err := conn.Handshake(ctx, time.Second, a)
	require.NoError(t, err)
	if diff := cmp.Diff(b, remote, weightComparer); diff != "" {
		t.Fatalf("client saw (-want +got):\n%s", diff)
	}

	res := <-accepted
	require.NoError(t, res.err)
	defer res.conn.Close()
	if diff := cmp.Diff(a, res.remote, weightComparer); diff != "" {
		t.Fatalf("server saw (-want +got):\n%s", diff)
	}

	want := &wire.GetBlockBodies{RequestID: 3, Hashes: []types.Hash{factory.Genesis(1).Hash()}}
	n, err := conn.SendMessage(want, time.Second)
	require.NoError(t, err)

	got, m, err := res.conn.ReceiveMessage()
	require.NoError(t, err)
	require.Equal(t, n, m)
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("message mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	_, _, err = res.conn.ReceiveMessage()
	require.Error(t, err)
}

func TestHandshakeTimesOut(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	// accept, then stay silent
	go func() {
		c, err := l.Accept()
		if err == nil {
			time.Sleep(time.Second)
			c.Close()
		}
	}()

	tr := NewTransport(log.NewNopLogger())
	conn, err := tr.Dial(context.Background(), l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, err = conn.Handshake(context.Background(), 50*time.Millisecond, testStatus(NewNodeID()))
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestHandshakeRequiresStatus(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = wire.NewWriter(c).WriteMsg(&wire.NewBlockHashes{})
		_, _, _ = wire.NewReader(c, 0).ReadMsg()
	}()

	tr := NewTransport(log.NewNopLogger())
	conn, err := tr.Dial(context.Background(), l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Handshake(context.Background(), time.Second, testStatus(NewNodeID()))
	require.ErrorContains(t, err, "expected Status")
}

func TestAcceptAfterClose(t *testing.T) {
	tr := listen(t)
	require.NoError(t, tr.Close())

	_, err := tr.Accept(context.Background())
	require.ErrorIs(t, err, ErrTransportClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = listen(t).Accept(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoadOrGenNodeID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_id")

	id, err := LoadOrGenNodeID(path)
	require.NoError(t, err)
	require.NoError(t, ValidateNodeID(id))

	again, err := LoadOrGenNodeID(path)
	require.NoError(t, err)
	require.Equal(t, id, again)

	require.Error(t, ValidateNodeID("not-a-node"))
}
