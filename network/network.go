// Package network implements the chat wire protocol: the frame codec, the
// opcode dispatch table, and the per-connection receive loop shared by the
// client and the server.
//
// Usage:
//
//  1. Register a handler for every operation the endpoint understands with
//     Handle.
//  2. Run Serve (or call ReceiveOperation repeatedly) on each connection.
//     Every received frame is decoded and passed to the handler for its
//     operation; the handler's result is written back unless it is
//     OpNoReturn.
//  3. Send unsolicited frames with SendMessage.
//
// The package does not dial, listen or accept.
package network

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"

	lablog "github.com/albertqi/wire-protocols/logger"
)

// HandlerFunc handles one received message and returns the reply. Returning
// a message with OpNoReturn writes nothing.
type HandlerFunc func(msg Message) Message

// Role selects the endpoint-specific defaults of a Network.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Network is the dispatch table plus the flags that control how frames are
// tagged and filtered. It is safe for concurrent use.
type Network struct {
	id   int // server id used in logs, -1 for clients
	role Role

	mu       deadlock.RWMutex
	handlers map[OpCode]HandlerFunc

	isServer            atomic.Bool
	dropServerResponses atomic.Bool
}

// New returns a Network for the given role. A server Network tags its frames
// as server frames and drops server-tagged frames other than the reserved
// server-to-server operations; a client Network does neither.
func New(role Role, id int) *Network {
	n := &Network{
		id:       id,
		role:     role,
		handlers: make(map[OpCode]HandlerFunc),
	}
	if role == RoleServer {
		n.isServer.Store(true)
		n.dropServerResponses.Store(true)
	}
	return n
}

// Handle registers fn for op. Will panic if op already has a handler.
func (n *Network) Handle(op OpCode, fn HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.handlers[op]; ok {
		panic(fmt.Sprintf("duplicate handler for %s operation", op))
	}
	n.handlers[op] = fn
}

// SetServer controls whether outgoing frames are tagged as server frames.
func (n *Network) SetServer(v bool) { n.isServer.Store(v) }

// IsServer reports whether outgoing frames are tagged as server frames.
func (n *Network) IsServer() bool { return n.isServer.Load() }

// SetDropServerResponses controls whether received server-tagged frames are
// discarded before dispatch. Reserved server operations are always
// dispatched.
func (n *Network) SetDropServerResponses(v bool) { n.dropServerResponses.Store(v) }

// DropServerResponses reports the current drop setting.
func (n *Network) DropServerResponses() bool { return n.dropServerResponses.Load() }

// Dispatch runs the handler registered for msg.Operation. Without one, the
// reply is OpUnsupported, except that an OpUnsupported message itself is
// never answered.
func (n *Network) Dispatch(msg Message) Message {
	n.mu.RLock()
	fn := n.handlers[msg.Operation]
	n.mu.RUnlock()

	if fn == nil {
		if msg.Operation == OpUnsupported {
			return NoReturn()
		}
		lablog.Debug(n.id, lablog.Net, "No handler for %s, replying %s", msg.Operation, OpUnsupported)
		return Message{Operation: OpUnsupported}
	}
	return fn(msg)
}

// ReceiveOperation blocks until one frame has been read from c, dispatches
// it and writes the reply, if any.
//
// A version mismatch is not fatal: a server answers it with OpError and
// ReceiveOperation returns nil. Any returned error means the connection is
// no longer usable.
func (n *Network) ReceiveOperation(c *Conn) error {
	frame, err := ReadFrame(c)
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			lablog.ConnDebug(n.id, c.ID(), lablog.Warn, "Rejecting frame: %v", err)
			if n.role == RoleServer {
				return n.SendError(c, err.Error())
			}
			return nil
		}
		return err
	}

	if frame.IsServer && n.DropServerResponses() && !IsServerOperation(frame.Operation) {
		lablog.ConnDebug(n.id, c.ID(), lablog.Drop, "Dropping server frame %v", frame.Message)
		return nil
	}

	lablog.ConnDebug(n.id, c.ID(), lablog.Net, "Received %v", frame.Message)
	reply := n.Dispatch(frame.Message)
	if reply.Operation == OpNoReturn {
		return nil
	}
	return n.SendMessage(c, reply)
}

// SendMessage writes msg to c as one frame.
func (n *Network) SendMessage(c *Conn, msg Message) error {
	if msg.Operation == OpNoReturn {
		return nil
	}
	if err := c.writeFrame(Encode(msg, n.IsServer())); err != nil {
		return err
	}
	lablog.ConnDebug(n.id, c.ID(), lablog.Net, "Sent %v", msg)
	return nil
}

// SendError sends an OpError frame carrying text.
func (n *Network) SendError(c *Conn, text string) error {
	return n.SendMessage(c, Message{Operation: OpError, Data: text})
}

// Serve runs the receive loop on c until a read or write fails, then closes
// c and returns the error that ended the loop.
func (n *Network) Serve(c *Conn) error {
	defer c.Close()
	for {
		if err := n.ReceiveOperation(c); err != nil {
			lablog.ConnDebug(n.id, c.ID(), lablog.Net, "Connection worker exiting: %v", err)
			return err
		}
	}
}
