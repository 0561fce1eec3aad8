package cluster

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/kvring/internal/protocol"
)

// DialTimeout bounds both connection establishment and each request's
// response wait on a peer connection.
const DialTimeout = 5 * time.Second

// Client is a synchronous TCP client speaking the binary protocol to one
// peer. Replication and gossip use short-lived clients: connect, one or a
// few requests, close.
type Client struct {
	addr    string
	timeout time.Duration
	conn    net.Conn
}

// NewClient creates a client for the given peer. Connect must be called
// before any request.
func NewClient(host string, port uint16) *Client {
	return &Client{
		addr:    NodeInfo{Host: host, Port: port}.Address(),
		timeout: DialTimeout,
	}
}

// Connect establishes the TCP connection, bounded by DialTimeout.
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return errors.Wrapf(err, "cluster: connect %s", c.addr)
	}
	c.conn = conn
	return nil
}

// Close tears down the connection. Safe to call on a never-connected
// client.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Do sends one framed request and waits for the framed response. A read
// deadline keeps a wedged peer from holding the caller beyond the timeout.
func (c *Client) Do(request []byte) (*protocol.Buffer, error) {
	if c.conn == nil {
		return nil, errors.New("cluster: client not connected")
	}
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, errors.Wrap(err, "cluster: set deadline")
	}
	if err := protocol.WriteFrame(c.conn, request); err != nil {
		return nil, err
	}
	resp, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	return protocol.NewBuffer(resp), nil
}

// Put issues a client PUT (quorum write on the receiving coordinator).
func (c *Client) Put(key, value string) (*protocol.Buffer, error) {
	var buf protocol.Buffer
	buf.WriteUint8(uint8(protocol.OpPut))
	buf.WriteString(key)
	buf.WriteString(value)
	return c.Do(buf.Bytes())
}

// Get issues a client GET.
func (c *Client) Get(key string) (*protocol.Buffer, error) {
	var buf protocol.Buffer
	buf.WriteUint8(uint8(protocol.OpGet))
	buf.WriteString(key)
	return c.Do(buf.Bytes())
}

// Delete issues a client DELETE.
func (c *Client) Delete(key string) (*protocol.Buffer, error) {
	var buf protocol.Buffer
	buf.WriteUint8(uint8(protocol.OpDelete))
	buf.WriteString(key)
	return c.Do(buf.Bytes())
}

// InternalPut applies a replicated write directly on the peer's local
// store.
func (c *Client) InternalPut(key, value string, ts uint64, origin string) (*protocol.Buffer, error) {
	var buf protocol.Buffer
	buf.WriteUint8(uint8(protocol.OpInternalPut))
	buf.WriteString(key)
	buf.WriteString(value)
	buf.WriteUint64(ts)
	buf.WriteString(origin)
	return c.Do(buf.Bytes())
}

// InternalGet reads the peer's local store without quorum.
func (c *Client) InternalGet(key string) (*protocol.Buffer, error) {
	var buf protocol.Buffer
	buf.WriteUint8(uint8(protocol.OpInternalGet))
	buf.WriteString(key)
	return c.Do(buf.Bytes())
}

// InternalDelete applies a replicated delete directly on the peer's local
// store.
func (c *Client) InternalDelete(key string, ts uint64) (*protocol.Buffer, error) {
	var buf protocol.Buffer
	buf.WriteUint8(uint8(protocol.OpInternalDelete))
	buf.WriteString(key)
	buf.WriteUint64(ts)
	return c.Do(buf.Bytes())
}

// ClusterInfo fetches the peer's member list and local store size.
func (c *Client) ClusterInfo() (*protocol.Buffer, error) {
	var buf protocol.Buffer
	buf.WriteUint8(uint8(protocol.OpClusterInfo))
	return c.Do(buf.Bytes())
}

// Gossip sends a pre-built gossip payload and returns the peer's own view.
func (c *Client) Gossip(payload []byte) (*protocol.Buffer, error) {
	return c.Do(payload)
}
