// Package memtransport provides connected in-memory Transports for tests
// that need to choose the peer identity without certificates.
package memtransport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/marmos91/gridrpc/internal/protocol"
	"github.com/marmos91/gridrpc/pkg/identity"
	"github.com/marmos91/gridrpc/pkg/transport"
)

type addr string

func (a addr) Network() string { return "mem" }
func (a addr) String() string  { return string(a) }

// Conn is one end of an in-memory connection.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	creds  identity.Credentials
	remote net.Addr

	closeOnce sync.Once
}

var _ transport.Transport = (*Conn)(nil)

// Pipe returns the server and client ends of a connection. The server
// end reports peer as the verified client identity.
func Pipe(peer identity.Credentials) (server, client *Conn) {
	return PipeFrom(peer, "10.0.0.1:40000")
}

// PipeFrom is Pipe with the remote address the server end reports.
func PipeFrom(peer identity.Credentials, remote string) (server, client *Conn) {
	s, c := net.Pipe()
	server = &Conn{conn: s, reader: bufio.NewReader(s), creds: peer, remote: addr(remote)}
	client = &Conn{conn: c, reader: bufio.NewReader(c), remote: addr("server")}
	return server, client
}

func (c *Conn) Handshake(context.Context) error { return nil }

func (c *Conn) Send(v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.SendRaw(data)
}

func (c *Conn) Receive(v any) error {
	data, err := c.ReceiveRaw()
	if err != nil {
		return err
	}
	defer protocol.PutBuffer(data)
	return protocol.Unmarshal(data, v)
}

func (c *Conn) SendRaw(payload []byte) error {
	return protocol.WriteMessage(c.conn, payload)
}

func (c *Conn) ReceiveRaw() ([]byte, error) {
	return protocol.ReadMessage(c.reader)
}

func (c *Conn) PeerCredentials() identity.Credentials {
	return c.creds
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}
