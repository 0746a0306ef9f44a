package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tendermint/chainsync/internal/wire"
)

// Connection is an established TCP connection carrying wire messages.
// SendMessage and ReceiveMessage may be used from different goroutines.
type Connection struct {
	conn   net.Conn
	reader *wire.Reader

	sendMtx sync.Mutex
	writer  *wire.Writer

	closeOnce sync.Once
	closeErr  error
}

func newConnection(c net.Conn, maxMessageSize int) *Connection {
	return &Connection{
		conn:   c,
		reader: wire.NewReader(c, maxMessageSize),
		writer: wire.NewWriter(c),
	}
}

// Handshake exchanges Status messages with the remote end and returns the
// remote Status. It must be called once, right after connecting.
func (c *Connection) Handshake(ctx context.Context, timeout time.Duration, local *wire.Status) (*wire.Status, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// unblock both directions if ctx ends first
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		c.sendMtx.Lock()
		defer c.sendMtx.Unlock()
		_, err := c.writer.WriteMsg(local)
		errCh <- err
	}()

	msg, _, err := c.reader.ReadMsg()
	if werr := <-errCh; err == nil && werr != nil {
		err = fmt.Errorf("sending status: %w", werr)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("handshake with %s: %w", c.RemoteAddr(), err)
	}
	remote, ok := msg.(*wire.Status)
	if !ok {
		return nil, fmt.Errorf("handshake with %s: expected Status, got %v", c.RemoteAddr(), msg.Code())
	}

	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return remote, nil
}

// SendMessage writes msg, failing if it cannot be written within timeout.
func (c *Connection) SendMessage(msg wire.Message, timeout time.Duration) (int, error) {
	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()

	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	return c.writer.WriteMsg(msg)
}

// ReceiveMessage blocks until the next message arrives.
func (c *Connection) ReceiveMessage() (wire.Message, int, error) {
	return c.reader.ReadMsg()
}

// RemoteAddr returns the remote network address.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Connection) String() string {
	return fmt.Sprintf("tcp://%s", c.RemoteAddr())
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}
