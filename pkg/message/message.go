// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the opaque data frame the binding forwards between
// the broker and the remote module without interpreting its contents.
package message

// Message is an opaque data frame produced and consumed by the broker's own
// serializer. The binding never looks inside it; it only clones, queues, and
// forwards the bytes.
type Message interface {
	// Clone returns an independent copy so the caller's ownership of the
	// original is preserved.
	Clone() Message

	// ToBytes renders the message to its wire representation.
	ToBytes() []byte
}

// Decoder turns a wire representation back into a Message. The broker's
// message codec is an external collaborator; Decoder is the seam this
// binding calls through to reach it.
type Decoder func(data []byte) (Message, error)

// Bytes is the minimal Message implementation: an opaque blob with no
// structure of its own. It exists so the rest of this repository compiles
// and can be tested without a real broker-supplied message type.
type Bytes []byte

// Clone implements Message.
func (b Bytes) Clone() Message {
	c := make(Bytes, len(b))
	copy(c, b)
	return c
}

// ToBytes implements Message.
func (b Bytes) ToBytes() []byte {
	return []byte(b)
}

// DecodeBytes is a Decoder that treats the wire bytes as the message itself.
func DecodeBytes(data []byte) (Message, error) {
	return Bytes(data).Clone(), nil
}
