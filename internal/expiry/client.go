package expiry

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// recvTimeout bounds every request. On timeout the socket is reopened
// so a late reply to an old request can never be read as the answer to
// a new one.
const recvTimeout = 200 * time.Millisecond

// Client talks to the expiry service. Safe for concurrent use.
type Client struct {
	addr string

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewClient prepares a client for the given service address. The
// socket is opened lazily.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Set sets or clears the expiry bit for a metatile index.
func (c *Client) Set(idx uint64, val bool, style string) error {
	var v int8
	if val {
		v = 1
	}
	reply, err := c.roundTrip(idx, v, CmdSet, style)
	if err != nil {
		return err
	}
	if string(reply) != "OK" {
		return fmt.Errorf("expiry set %s idx %d: reply %q", style, idx, reply)
	}
	return nil
}

// Get reads the expiry bit for a metatile index.
func (c *Client) Get(idx uint64, style string) (bool, error) {
	reply, err := c.roundTrip(idx, 0, CmdGet, style)
	if err != nil {
		return false, err
	}
	if len(reply) != 1 || reply[0] > 1 {
		return false, fmt.Errorf("expiry get %s idx %d: reply %q", style, idx, reply)
	}
	return reply[0] == 1, nil
}

// ExpireTile marks the metatile containing (x, y, z) for a style.
func (c *Client) ExpireTile(style string, z, x, y int) error {
	idx, err := TileToMetaIdx(x, y, z)
	if err != nil {
		return err
	}
	return c.Set(idx, true, style)
}

// SetTileFresh clears the expiry bit of the metatile containing
// (x, y, z).
func (c *Client) SetTileFresh(style string, z, x, y int) error {
	idx, err := TileToMetaIdx(x, y, z)
	if err != nil {
		return err
	}
	return c.Set(idx, false, style)
}

// TileExpired reports whether the metatile containing (x, y, z) is
// marked stale.
func (c *Client) TileExpired(style string, z, x, y int) (bool, error) {
	idx, err := TileToMetaIdx(x, y, z)
	if err != nil {
		return false, err
	}
	return c.Get(idx, style)
}

// Close releases the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) roundTrip(idx uint64, val int8, cmd byte, style string) ([]byte, error) {
	if len(style) > 255 {
		return nil, fmt.Errorf("style name longer than 255 bytes")
	}

	frame := make([]byte, 0, frameMin+len(style))
	frame = binary.BigEndian.AppendUint64(frame, idx)
	frame = append(frame, byte(val), cmd, byte(len(style)))
	frame = append(frame, style...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.reset()
		return nil, fmt.Errorf("expiry send: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(recvTimeout))
	buf := make([]byte, 16)
	n, err := c.conn.Read(buf)
	if err != nil {
		c.reset()
		return nil, fmt.Errorf("expiry recv: %w", err)
	}
	return buf[:n], nil
}

func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return fmt.Errorf("resolve expiry service %s: %w", c.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial expiry service: %w", err)
	}
	c.conn = conn
	return nil
}

func (c *Client) reset() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
