package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Every frame has the following layout, big-endian:
//
//	version      uint32
//	operation    uint32
//	senderLen    uint64
//	receiverLen  uint64
//	dataLen      uint64
//	isServer     bool (1 byte)
//	sender       senderLen bytes
//	receiver     receiverLen bytes
//	data         dataLen bytes
const HeaderSize = 4 + 4 + 8 + 8 + 8 + 1

// MaxSegmentLength bounds each variable-length segment of a frame. Database
// snapshots travel in a single SYNC frame, so it is generous.
const MaxSegmentLength = 1 << 30

type header struct {
	version     uint32
	operation   OpCode
	senderLen   uint64
	receiverLen uint64
	dataLen     uint64
	isServer    bool
}

func (h header) marshal(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.version)
	binary.BigEndian.PutUint32(b[4:8], uint32(h.operation))
	binary.BigEndian.PutUint64(b[8:16], h.senderLen)
	binary.BigEndian.PutUint64(b[16:24], h.receiverLen)
	binary.BigEndian.PutUint64(b[24:32], h.dataLen)
	if h.isServer {
		b[32] = 1
	} else {
		b[32] = 0
	}
}

func unmarshalHeader(b []byte) header {
	return header{
		version:     binary.BigEndian.Uint32(b[0:4]),
		operation:   OpCode(binary.BigEndian.Uint32(b[4:8])),
		senderLen:   binary.BigEndian.Uint64(b[8:16]),
		receiverLen: binary.BigEndian.Uint64(b[16:24]),
		dataLen:     binary.BigEndian.Uint64(b[24:32]),
		isServer:    b[32] != 0,
	}
}

// Encode returns msg as one complete frame.
func Encode(msg Message, isServer bool) []byte {
	h := header{
		version:     Version,
		operation:   msg.Operation,
		senderLen:   uint64(len(msg.Sender)),
		receiverLen: uint64(len(msg.Receiver)),
		dataLen:     uint64(len(msg.Data)),
		isServer:    isServer,
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(msg.Sender)+len(msg.Receiver)+len(msg.Data))
	h.marshal(buf)
	buf = append(buf, msg.Sender...)
	buf = append(buf, msg.Receiver...)
	buf = append(buf, msg.Data...)
	return buf
}

// ReadFrame reads exactly one frame from r.
//
// A clean close before the first header byte is ErrConnectionClosed. A
// version mismatch returns an error wrapping ErrVersionMismatch after the
// rest of the frame has been discarded, so the caller may keep reading.
func ReadFrame(r io.Reader) (Frame, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, ErrConnectionClosed
		}
		return Frame{}, &IOError{Op: "read header", Err: err}
	}
	h := unmarshalHeader(hb[:])

	if h.senderLen > MaxSegmentLength || h.receiverLen > MaxSegmentLength || h.dataLen > MaxSegmentLength {
		return Frame{}, fmt.Errorf("%w: sender=%d receiver=%d data=%d", ErrFrameTooLarge, h.senderLen, h.receiverLen, h.dataLen)
	}

	if h.version != Version {
		total := int64(h.senderLen + h.receiverLen + h.dataLen)
		if _, err := io.CopyN(io.Discard, r, total); err != nil {
			return Frame{}, &IOError{Op: "discard frame", Err: err}
		}
		return Frame{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.version, Version)
	}

	sender, err := readSegment(r, h.senderLen, "read sender")
	if err != nil {
		return Frame{}, err
	}
	receiver, err := readSegment(r, h.receiverLen, "read receiver")
	if err != nil {
		return Frame{}, err
	}
	data, err := readSegment(r, h.dataLen, "read data")
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		Message: Message{
			Operation: h.operation,
			Data:      data,
			Sender:    sender,
			Receiver:  receiver,
		},
		IsServer: h.isServer,
	}, nil
}

func readSegment(r io.Reader, n uint64, op string) (string, error) {
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", &IOError{Op: op, Err: err}
	}
	return string(buf), nil
}
