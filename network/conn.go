package network

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

// Conn is a connection that frames can be written to from several
// goroutines. Each frame is written with a single Write while holding the
// connection's write lock, so frames never interleave.
type Conn struct {
	id           string
	conn         net.Conn
	writeTimeout time.Duration

	mu deadlock.Mutex // serializes writes
}

// NewConn wraps c. A positive writeTimeout bounds every frame write.
func NewConn(c net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.New().String(),
		conn:         c,
		writeTimeout: writeTimeout,
	}
}

// ID returns the random identifier assigned to this connection.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) Read(p []byte) (int, error) { return c.conn.Read(p) }

// Close closes the underlying connection. Blocked reads and writes return.
func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) writeFrame(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return &IOError{Op: "set write deadline", Err: err}
		}
	}
	if _, err := c.conn.Write(b); err != nil {
		return &IOError{Op: "write frame", Err: err}
	}
	return nil
}
