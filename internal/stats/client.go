package stats

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Emitter sends latency samples to a collector. Sends are best-effort;
// a lost datagram is a lost sample, never an error for the caller's
// request path. The zero-address Emitter drops everything.
type Emitter struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

// NewEmitter prepares an emitter. An empty addr disables emission.
func NewEmitter(addr string) *Emitter {
	return &Emitter{addr: addr}
}

// Emit records one latency sample in the given table.
func (e *Emitter) Emit(table byte, d time.Duration) {
	if e == nil || e.addr == "" {
		return
	}
	micros := d.Microseconds()
	if micros < 0 {
		return
	}
	if micros > 0xffffffff {
		micros = 0xffffffff
	}

	frame := [5]byte{
		table,
		byte(micros >> 24), byte(micros >> 16), byte(micros >> 8), byte(micros),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		conn, err := net.Dial("udp", e.addr)
		if err != nil {
			return
		}
		e.conn = conn
	}
	if _, err := e.conn.Write(frame[:]); err != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

// Close releases the socket.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// Fetch connects to a collector's TCP endpoint and returns the raw
// JSON snapshot.
func Fetch(addr string, timeout time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect stats collector: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty stats snapshot from %s", addr)
	}
	return out, nil
}
