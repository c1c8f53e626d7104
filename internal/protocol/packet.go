// Package protocol defines the relay wire format.
//
// Every packet is a one-byte tag followed by big-endian fields. There is no
// outer length envelope: a packet's extent is reconstructed from its own
// structure, and ChatMessage content runs to the end of the buffer. Each
// transport write therefore carries exactly one packet.
//
// PingRequest and ChatMessage share tag 0x04. Decoding tries the longer
// ChatMessage layout first and falls back to PingRequest, so the wire stays
// compatible with existing relays.
package protocol

import (
	"bytes"
	"fmt"
)

// Packet tags.
const (
	TagPingRequest  byte = 0x04
	TagPongResponse byte = 0xBF
	TagChatMessage  byte = 0x04
)

// Fixed sizes on the wire.
const (
	// PingSize is the encoded size of PingRequest and PongResponse.
	PingSize = 1 + 8
	// MinChatSize is the encoded size of a ChatMessage with empty users and content.
	MinChatSize = 1 + 8 + 8 + 8
	// MaxPacketSize is the largest packet Encode produces.
	MaxPacketSize = 64 << 10
)

// Kind identifies a packet variant.
type Kind int

const (
	KindPingRequest Kind = iota + 1
	KindPongResponse
	KindChatMessage
)

func (k Kind) String() string {
	switch k {
	case KindPingRequest:
		return "PingRequest"
	case KindPongResponse:
		return "PongResponse"
	case KindChatMessage:
		return "ChatMessage"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Packet is one of PingRequest, PongResponse or ChatMessage.
type Packet interface {
	Kind() Kind
	// CorrelationID is the id used to match a response to its request:
	// ping_id for Ping/Pong, msg_id for ChatMessage.
	CorrelationID() uint64

	isPacket()
}

// PingRequest is a liveness probe. PingID 0 is reserved as invalid.
type PingRequest struct {
	PingID uint64
}

func (PingRequest) Kind() Kind { return KindPingRequest }
func (p PingRequest) CorrelationID() uint64 { return p.PingID }
func (PingRequest) isPacket() {}
func (p PingRequest) String() string { return fmt.Sprintf("PingRequest{ping_id=%d}", p.PingID) }

// PongResponse answers a PingRequest and echoes its PingID.
type PongResponse struct {
	PingID uint64
}

func (PongResponse) Kind() Kind { return KindPongResponse }
func (p PongResponse) CorrelationID() uint64 { return p.PingID }
func (PongResponse) isPacket() {}
func (p PongResponse) String() string { return fmt.Sprintf("PongResponse{ping_id=%d}", p.PingID) }

// ChatMessage is an application payload. MsgID doubles as the correlation
// token for request/response matching.
type ChatMessage struct {
	MsgID    uint64
	ToUser   string
	FromUser string
	Content  []byte
}

func (ChatMessage) Kind() Kind { return KindChatMessage }
func (m ChatMessage) CorrelationID() uint64 { return m.MsgID }
func (ChatMessage) isPacket() {}

func (m ChatMessage) String() string {
	return fmt.Sprintf("ChatMessage{msg_id=%d to=%q from=%q content=%dB}", m.MsgID, m.ToUser, m.FromUser, len(m.Content))
}

// Equal reports whether m and o carry the same fields. A nil and an empty
// Content compare equal.
func (m ChatMessage) Equal(o ChatMessage) bool {
	return m.MsgID == o.MsgID &&
		m.ToUser == o.ToUser &&
		m.FromUser == o.FromUser &&
		bytes.Equal(m.Content, o.Content)
}

func (m ChatMessage) encodedSize() int {
	return MinChatSize + len(m.ToUser) + len(m.FromUser) + len(m.Content)
}

// WithMsgID returns a copy of m carrying id. Content is shared, not copied.
func (m ChatMessage) WithMsgID(id uint64) ChatMessage {
	m.MsgID = id
	return m
}

// Equal reports whether two packets are the same variant with equal fields.
func Equal(a, b Packet) bool {
	switch a := a.(type) {
	case PingRequest:
		b, ok := b.(PingRequest)
		return ok && a == b
	case PongResponse:
		b, ok := b.(PongResponse)
		return ok && a == b
	case ChatMessage:
		b, ok := b.(ChatMessage)
		return ok && a.Equal(b)
	default:
		return a == nil && b == nil
	}
}
