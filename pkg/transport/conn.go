package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/gridrpc/internal/protocol"
	"github.com/marmos91/gridrpc/pkg/identity"
)

// framedConn implements the message layer shared by every protocol.
type framedConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration

	handshake func(ctx context.Context) error
	creds     identity.Credentials

	closeOnce sync.Once
	closeErr  error
}

func newFramedConn(conn net.Conn, timeout time.Duration) *framedConn {
	return &framedConn{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64<<10),
		timeout: timeout,
	}
}

func (c *framedConn) Handshake(ctx context.Context) error {
	if c.handshake == nil {
		return nil
	}
	return c.handshake(ctx)
}

func (c *framedConn) Send(v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.SendRaw(data)
}

func (c *framedConn) Receive(v any) error {
	data, err := c.ReceiveRaw()
	if err != nil {
		return err
	}
	defer protocol.PutBuffer(data)

	if err := protocol.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func (c *framedConn) SendRaw(payload []byte) error {
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	return protocol.WriteMessage(c.conn, payload)
}

func (c *framedConn) ReceiveRaw() ([]byte, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}
	return protocol.ReadMessage(c.reader)
}

func (c *framedConn) PeerCredentials() identity.Credentials {
	return c.creds
}

func (c *framedConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *framedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
