// Package client speaks the gridrpc connection protocol from the caller
// side: Hello, RPC calls and file transfers over one Transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/marmos91/gridrpc/internal/protocol"
	"github.com/marmos91/gridrpc/pkg/filetransfer"
	"github.com/marmos91/gridrpc/pkg/outcome"
	"github.com/marmos91/gridrpc/pkg/transport"
)

var (
	ErrBadURL   = errors.New("client: malformed service URL")
	ErrRejected = errors.New("client: connection rejected")
)

// Options configures the Hello of a connection.
type Options struct {
	// Group asks to act as this group instead of the default one.
	Group string

	// ForwardDN and ForwardGroup, when set, ask a server that trusts this
	// host to authorize calls for another identity.
	ForwardDN    string
	ForwardGroup string

	// Service names the service expected at the endpoint.
	Service string

	// Version overrides the announced protocol version.
	Version string

	// Compress enables zstd compression of uploaded chunks.
	Compress bool
}

// Client is one connection to a service. It is not safe for concurrent
// use: calls on a connection are sequential.
type Client struct {
	t       transport.Transport
	opts    Options
	session string
	service string
}

// ParseURL splits "proto://host:port/System/Component".
func ParseURL(raw string) (protocolName, address, service string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Scheme == "" || u.Host == "" || u.Port() == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrBadURL, raw)
	}
	return u.Scheme, u.Host, strings.Trim(u.Path, "/"), nil
}

// Dial connects to a service URL and performs the Hello.
func Dial(ctx context.Context, serviceURL string, dialOpts transport.DialOptions, opts Options) (*Client, error) {
	proto, address, service, err := ParseURL(serviceURL)
	if err != nil {
		return nil, err
	}
	p, err := transport.Lookup(proto)
	if err != nil {
		return nil, err
	}
	t, err := p.Dial(ctx, address, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serviceURL, err)
	}
	if opts.Service == "" {
		opts.Service = service
	}
	c, err := New(ctx, t, opts)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return c, nil
}

// New performs the handshake and Hello on an established transport.
func New(ctx context.Context, t transport.Transport, opts Options) (*Client, error) {
	if err := t.Handshake(ctx); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	hello := protocol.Hello{
		ClientVersion: opts.Version,
		Service:       opts.Service,
	}
	if hello.ClientVersion == "" {
		hello.ClientVersion = protocol.Version
	}
	switch {
	case opts.ForwardDN != "":
		hello.ExtraCredentials = protocol.ForwardedCredentials(opts.ForwardDN, opts.ForwardGroup)
	case opts.Group != "":
		hello.ExtraCredentials = opts.Group
	}
	if err := t.Send(hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	reply, err := receiveOutcome(t)
	if err != nil {
		return nil, fmt.Errorf("receive hello reply: %w", err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Message)
	}

	c := &Client{t: t, opts: opts}
	if info, ok := reply.Value.(map[string]any); ok {
		c.session, _ = info["Session"].(string)
		c.service, _ = info["Service"].(string)
	}
	return c, nil
}

// Session is the identifier the server gave the connection.
func (c *Client) Session() string {
	return c.session
}

// Service is the name of the service at the other end.
func (c *Client) Service() string {
	return c.service
}

// Call invokes method. A failed Outcome is not an error: err is set only
// when the connection failed.
func (c *Client) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (outcome.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcome.Outcome{}, err
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	if err := c.SendAction(protocol.ActionRPC); err != nil {
		return outcome.Outcome{}, err
	}
	if err := c.t.Send(protocol.Query{Method: method, Args: args, Kwargs: kwargs}); err != nil {
		return outcome.Outcome{}, fmt.Errorf("send query: %w", err)
	}
	return receiveOutcome(c.t)
}

// SendFile uploads r as fileID. The returned Outcome is either the
// denial or the result of the server side callback.
func (c *Client) SendFile(ctx context.Context, fileID string, r io.Reader) (outcome.Outcome, error) {
	ack, err := c.startTransfer(ctx, protocol.ActionFromClient, fileID)
	if err != nil || !ack.OK {
		return ack, err
	}

	helper := filetransfer.NewHelper(c.t, filetransfer.WithCompression(c.opts.Compress))
	if _, err := helper.SendFrom(r); err != nil {
		return outcome.Outcome{}, fmt.Errorf("upload %s: %w", fileID, err)
	}
	return receiveOutcome(c.t)
}

// ReceiveFile downloads fileID into w.
func (c *Client) ReceiveFile(ctx context.Context, fileID string, w io.Writer) (outcome.Outcome, error) {
	ack, err := c.startTransfer(ctx, protocol.ActionToClient, fileID)
	if err != nil || !ack.OK {
		return ack, err
	}

	helper := filetransfer.NewHelper(c.t)
	if _, err := helper.ReceiveTo(w); err != nil {
		if !helper.Finished() {
			return outcome.Outcome{}, fmt.Errorf("download %s: %w", fileID, err)
		}
		// The local writer failed but the stream was drained; the
		// server's outcome still follows.
		res, recvErr := receiveOutcome(c.t)
		if recvErr != nil {
			return outcome.Outcome{}, recvErr
		}
		if res.OK {
			return outcome.Errf("Write of %s failed: %v", fileID, err), nil
		}
		return res, nil
	}
	return receiveOutcome(c.t)
}

func (c *Client) startTransfer(ctx context.Context, action, fileID string) (outcome.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcome.Outcome{}, err
	}
	if err := c.SendAction(action); err != nil {
		return outcome.Outcome{}, err
	}
	if err := c.t.Send(fileID); err != nil {
		return outcome.Outcome{}, fmt.Errorf("send file id: %w", err)
	}
	return receiveOutcome(c.t)
}

// SendAction sends a raw action token. Call, SendFile and ReceiveFile use
// it; it is exported for protocol tests.
func (c *Client) SendAction(action string) error {
	if err := c.t.Send(action); err != nil {
		return fmt.Errorf("send action: %w", err)
	}
	return nil
}

// ReceiveOutcome reads one Outcome. Exported for protocol tests.
func (c *Client) ReceiveOutcome() (outcome.Outcome, error) {
	return receiveOutcome(c.t)
}

// Ping calls the ping method and returns how long the round trip took.
func (c *Client) Ping(ctx context.Context) (map[string]any, time.Duration, error) {
	start := time.Now()
	res, err := c.Call(ctx, "ping", nil, nil)
	if err != nil {
		return nil, 0, err
	}
	if err := res.AsError(); err != nil {
		return nil, 0, err
	}
	info, _ := res.Value.(map[string]any)
	return info, time.Since(start), nil
}

func (c *Client) Close() error {
	return c.t.Close()
}

func receiveOutcome(t transport.Transport) (outcome.Outcome, error) {
	var o outcome.Outcome
	if err := t.Receive(&o); err != nil {
		return outcome.Outcome{}, fmt.Errorf("receive outcome: %w", err)
	}
	return o, nil
}
