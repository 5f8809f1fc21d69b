package resources

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/hive/pkg/framing"
	"github.com/cuemby/hive/pkg/types"
	"github.com/cuemby/hive/pkg/wire"
)

// Client looks resources up on a driver over a blocking connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a driver's resource port as the given node.
func Dial(ctx context.Context, addr, nodeUUID string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to resource server: %w", err)
	}
	if err := wire.Write(conn, wire.Handshake{Role: types.NodeRoleNode, UUID: nodeUUID}); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an established connection whose handshake was sent.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Fetch looks up several resources in one round trip. Responses are in the
// order of names.
func (c *Client) Fetch(names ...string) ([]wire.ResourceResponse, error) {
	reqs := make([][]byte, len(names))
	for i, name := range names {
		data, err := wire.Encode(wire.ResourceRequest{Name: name})
		if err != nil {
			return nil, err
		}
		reqs[i] = data
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := framing.WriteComposite(c.conn, reqs); err != nil {
		return nil, fmt.Errorf("failed to send resource request: %w", err)
	}
	frames, err := framing.ReadComposite(c.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource response: %w", err)
	}
	if len(frames) != len(names) {
		return nil, fmt.Errorf("%w: %d responses for %d requests", wire.ErrProtocol, len(frames), len(names))
	}
	out := make([]wire.ResourceResponse, len(frames))
	for i, f := range frames {
		resp, err := wire.DecodeAs[*wire.ResourceResponse](f)
		if err != nil {
			return nil, err
		}
		out[i] = *resp
	}
	return out, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Lookup resolves a resource on a provider.
type Lookup func(name string) ([]byte, bool)

// Provide connects to a driver's resource port as a provider and answers
// forwarded lookups until ctx is done or the connection fails.
func Provide(ctx context.Context, addr, providerUUID string, lookup Lookup) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to resource server: %w", err)
	}
	defer conn.Close()

	if err := wire.Write(conn, wire.Handshake{Role: types.NodeRoleProvider, UUID: providerUUID}); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		req, err := wire.ReadAs[*wire.ResourceRequest](conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		resp := wire.ResourceResponse{Name: req.Name}
		resp.Data, resp.Found = lookup(req.Name)
		if err := wire.Write(conn, resp); err != nil {
			return err
		}
	}
}
