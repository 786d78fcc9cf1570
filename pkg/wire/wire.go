// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the control-frame codec: the fixed header plus
// type-specific payload that the Proxy and Host exchange over the control
// channel. Layout matches the corpus this binding was distilled from:
// {version:u8, type:u8} followed by type-specific fields, length-prefixed
// NUL-terminated strings, little-endian integers.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/duvitech/iot-edge/pkg/ioerr"
)

// Version is the only control protocol version this codec understands.
const Version uint8 = 1

// Frame type tags, in CONTROL_MESSAGE_TYPE_MODULE_* order.
const (
	TypeCreate  uint8 = 1
	TypeStart   uint8 = 2
	TypeDestroy uint8 = 3
	TypeReply   uint8 = 4
)

// SocketTypePair is the nanomsg socket-type tag embedded in a Create frame.
// Only the paired socket kind is supported; the field is kept for wire
// compatibility with the layout this codec was distilled from.
const SocketTypePair uint8 = 1

const headerSize = 2

// Frame is implemented by every control frame type.
type Frame interface {
	// Type returns this frame's wire type tag.
	Type() uint8

	// Size returns the encoded length in bytes, including the header.
	Size() int

	// Encode writes the frame into buf, which must be at least Size() bytes.
	// Returns the number of bytes written.
	Encode(buf []byte) int
}

// CreateFrame requests the remote module be created.
type CreateFrame struct {
	GatewayMessageVersion uint8
	URI                   string // message_url the Create's channel applies to
	URIType               uint8  // SocketTypePair
	Args                  []byte // opaque module_args
}

// StartFrame requests the remote module begin active operation.
type StartFrame struct{}

// DestroyFrame requests the remote module tear down.
type DestroyFrame struct{}

// ReplyFrame carries the remote's outcome for a prior Create/Start/Destroy.
// Status 0 is success; non-zero is failure or termination.
type ReplyFrame struct {
	Status int32
}

func (f *CreateFrame) Type() uint8 { return TypeCreate }
func (f *StartFrame) Type() uint8  { return TypeStart }
func (f *DestroyFrame) Type() uint8 { return TypeDestroy }
func (f *ReplyFrame) Type() uint8  { return TypeReply }

// Size returns the Create frame's encoded length: header + gateway version +
// NUL-inclusive URI length prefix + URI + NUL + URI type + args length
// prefix + args.
func (f *CreateFrame) Size() int {
	return headerSize + 1 + 4 + len(f.URI) + 1 + 1 + 4 + len(f.Args)
}

func (f *StartFrame) Size() int   { return headerSize }
func (f *DestroyFrame) Size() int { return headerSize }
func (f *ReplyFrame) Size() int   { return headerSize + 4 }

func putHeader(buf []byte, typ uint8) int {
	buf[0] = Version
	buf[1] = typ
	return headerSize
}

// Encode serializes a CreateFrame into buf.
func (f *CreateFrame) Encode(buf []byte) int {
	n := putHeader(buf, TypeCreate)
	buf[n] = f.GatewayMessageVersion
	n++

	uriLen := uint32(len(f.URI) + 1) // NUL-inclusive
	binary.LittleEndian.PutUint32(buf[n:], uriLen)
	n += 4
	n += copy(buf[n:], f.URI)
	buf[n] = 0
	n++

	buf[n] = f.URIType
	n++

	argsLen := uint32(len(f.Args))
	binary.LittleEndian.PutUint32(buf[n:], argsLen)
	n += 4
	n += copy(buf[n:], f.Args)

	return n
}

// Encode serializes a StartFrame into buf.
func (f *StartFrame) Encode(buf []byte) int { return putHeader(buf, TypeStart) }

// Encode serializes a DestroyFrame into buf.
func (f *DestroyFrame) Encode(buf []byte) int { return putHeader(buf, TypeDestroy) }

// Encode serializes a ReplyFrame into buf.
func (f *ReplyFrame) Encode(buf []byte) int {
	n := putHeader(buf, TypeReply)
	binary.LittleEndian.PutUint32(buf[n:], uint32(f.Status))
	return n + 4
}

// EncodeFrame allocates a buffer sized by Size and encodes f into it.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, f.Size())
	f.Encode(buf)
	return buf
}

// Decode parses a control frame from data. It rejects an unknown version,
// an unknown type, truncated input, and a length prefix exceeding the
// remaining bytes, in every case returning ioerr.ErrInvalidFrame without
// allocating anything beyond the returned error.
func Decode(data []byte) (Frame, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ioerr.ErrInvalidFrame, len(data))
	}
	if data[0] != Version {
		return nil, fmt.Errorf("%w: unknown version %d", ioerr.ErrInvalidFrame, data[0])
	}

	switch data[1] {
	case TypeCreate:
		return decodeCreate(data[headerSize:])
	case TypeStart:
		return &StartFrame{}, nil
	case TypeDestroy:
		return &DestroyFrame{}, nil
	case TypeReply:
		return decodeReply(data[headerSize:])
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ioerr.ErrInvalidFrame, data[1])
	}
}

func decodeCreate(rest []byte) (Frame, error) {
	if len(rest) < 1+4 {
		return nil, fmt.Errorf("%w: truncated create frame", ioerr.ErrInvalidFrame)
	}
	gatewayVersion := rest[0]
	rest = rest[1:]

	uriLen := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	if uint64(uriLen) > uint64(len(rest)) || uriLen == 0 {
		return nil, fmt.Errorf("%w: create uri length %d exceeds remaining bytes", ioerr.ErrInvalidFrame, uriLen)
	}
	uriBytes := rest[:uriLen]
	rest = rest[uriLen:]
	if uriBytes[uriLen-1] != 0 {
		return nil, fmt.Errorf("%w: create uri not NUL-terminated", ioerr.ErrInvalidFrame)
	}
	uri := string(uriBytes[:uriLen-1])

	if len(rest) < 1+4 {
		return nil, fmt.Errorf("%w: truncated create frame tail", ioerr.ErrInvalidFrame)
	}
	uriType := rest[0]
	rest = rest[1:]

	argsLen := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	if uint64(argsLen) > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: create args length %d exceeds remaining bytes", ioerr.ErrInvalidFrame, argsLen)
	}
	args := make([]byte, argsLen)
	copy(args, rest[:argsLen])

	return &CreateFrame{
		GatewayMessageVersion: gatewayVersion,
		URI:                   uri,
		URIType:               uriType,
		Args:                  args,
	}, nil
}

func decodeReply(rest []byte) (Frame, error) {
	if len(rest) < 4 {
		return nil, fmt.Errorf("%w: truncated reply frame", ioerr.ErrInvalidFrame)
	}
	return &ReplyFrame{Status: int32(binary.LittleEndian.Uint32(rest))}, nil
}
