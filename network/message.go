package network

import "fmt"

// Version is the wire protocol version. Frames carrying any other version are
// rejected.
const Version uint32 = 1

// OpCode identifies the operation carried by a frame. The numeric values are
// part of the wire protocol.
type OpCode uint32

const (
	// Server -> client.
	OpOK OpCode = iota
	OpError

	// Client -> server.
	OpCreate
	OpDelete
	OpRequest

	// Bi-directional.
	OpSend
	OpList

	// Server -> server.
	OpLeader
	OpIdentify
	OpSync
	OpTime

	OpUnsupported
	// OpNoReturn is returned by a handler that has nothing to reply. It is
	// never written to the wire.
	OpNoReturn
)

var opNames = map[OpCode]string{
	OpOK:          "OK",
	OpError:       "ERROR",
	OpCreate:      "CREATE",
	OpDelete:      "DELETE",
	OpRequest:     "REQUEST",
	OpSend:        "SEND",
	OpList:        "LIST",
	OpLeader:      "LEADER",
	OpIdentify:    "IDENTIFY",
	OpSync:        "SYNC",
	OpTime:        "TIME",
	OpUnsupported: "UNSUPPORTED_OP",
	OpNoReturn:    "NO_RETURN",
}

func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OpCode<%d>", uint32(op))
}

// IsServerOperation reports whether op is one of the reserved
// server-to-server operations. These are dispatched even when server-tagged
// frames are being dropped.
func IsServerOperation(op OpCode) bool {
	switch op {
	case OpLeader, OpIdentify, OpSync, OpTime:
		return true
	}
	return false
}

// Message is the unit handed to and returned from handlers. Which fields are
// meaningful depends on the operation; a zero Message is a plain OK.
type Message struct {
	Operation OpCode
	Data      string
	Sender    string
	Receiver  string
}

// Frame is a decoded Message plus the header flag saying whether the peer
// marked it as originating from a server.
type Frame struct {
	Message
	IsServer bool
}

func (m Message) String() string {
	data := m.Data
	if len(data) > 64 {
		data = fmt.Sprintf("%s...(%d bytes)", data[:64], len(m.Data))
	}
	return fmt.Sprintf("{%s sender=%q receiver=%q data=%q}", m.Operation, m.Sender, m.Receiver, data)
}

// NoReturn is the handler result meaning "write nothing back".
func NoReturn() Message {
	return Message{Operation: OpNoReturn}
}
