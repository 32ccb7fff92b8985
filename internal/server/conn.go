package server

import (
	"net"
	"sync"
	"time"

	"github.com/evgrid/central/internal/protocol"
)

// Conn adapts one accepted TCP connection to the session manager's Peer
// contract. A mutex serializes outbound frames so concurrent fan-outs never
// interleave bytes on the wire.
type Conn struct {
	raw          net.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(raw net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{raw: raw, writeTimeout: writeTimeout}
}

// Send frames the fields and writes them out under the write lock.
func (c *Conn) Send(fields ...string) error {
	frame := protocol.Encode(fields...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.raw.Write(frame)
	return err
}

// RemoteAddr returns the agent's address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Close tears the connection down; repeated calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}
