package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrIncomplete means the buffer holds the head of a packet but not all of it.
	ErrIncomplete = errors.New("protocol: incomplete packet")

	// ErrEncode means a packet could not be serialized.
	ErrEncode = errors.New("protocol: encode packet")

	// ErrFrameTooLarge means a stream buffered more undecodable bytes than allowed.
	ErrFrameTooLarge = errors.New("protocol: buffered data exceeds limit")

	errMismatch = errors.New("protocol: variant mismatch")
)

// Decode parses one packet from the head of buf.
//
// It returns (nil, nil) when buf is empty or no variant matches its head,
// and (nil, ErrIncomplete) when the head is a valid prefix that needs more
// bytes. Variants are tried in the order ChatMessage, PongResponse,
// PingRequest. A buffer of exactly PingSize bytes cannot hold a ChatMessage,
// so a 0x04 tag at that length decodes as PingRequest. Bytes after the first
// packet are ignored.
func Decode(buf []byte) (Packet, error) {
	if len(buf) == 0 {
		return nil, nil
	}

	chat, err := parseChat(buf)
	switch {
	case err == nil:
		return chat, nil
	case errors.Is(err, ErrIncomplete):
		if len(buf) == PingSize && buf[0] == TagPingRequest {
			return parsePing(buf)
		}
		return nil, err
	}

	pong, err := parsePong(buf)
	switch {
	case err == nil:
		return pong, nil
	case errors.Is(err, ErrIncomplete):
		return nil, err
	}

	ping, err := parsePing(buf)
	switch {
	case err == nil:
		return ping, nil
	case errors.Is(err, ErrIncomplete):
		return nil, err
	}
	return nil, nil
}

// Encode serializes p into its wire bytes.
func Encode(p Packet) ([]byte, error) {
	return AppendPacket(nil, p)
}

// AppendPacket appends the wire bytes of p to dst.
func AppendPacket(dst []byte, p Packet) ([]byte, error) {
	switch p := p.(type) {
	case PingRequest:
		dst = append(dst, TagPingRequest)
		dst = binary.BigEndian.AppendUint64(dst, p.PingID)
	case PongResponse:
		dst = append(dst, TagPongResponse)
		dst = binary.BigEndian.AppendUint64(dst, p.PingID)
	case ChatMessage:
		if !utf8.ValidString(p.ToUser) || !utf8.ValidString(p.FromUser) {
			return dst, fmt.Errorf("%w: chat message user names must be valid UTF-8", ErrEncode)
		}
		if n := p.encodedSize(); n > MaxPacketSize {
			return dst, fmt.Errorf("%w: chat message is %d bytes, limit %d", ErrEncode, n, MaxPacketSize)
		}
		dst = append(dst, TagChatMessage)
		dst = binary.BigEndian.AppendUint64(dst, p.MsgID)
		dst = binary.BigEndian.AppendUint64(dst, uint64(len(p.ToUser)))
		dst = append(dst, p.ToUser...)
		dst = binary.BigEndian.AppendUint64(dst, uint64(len(p.FromUser)))
		dst = append(dst, p.FromUser...)
		dst = append(dst, p.Content...)
	default:
		return dst, fmt.Errorf("%w: unsupported packet %T", ErrEncode, p)
	}
	return dst, nil
}

func parsePing(b []byte) (PingRequest, error) {
	id, err := parseIDPacket(b, TagPingRequest)
	return PingRequest{PingID: id}, err
}

func parsePong(b []byte) (PongResponse, error) {
	id, err := parseIDPacket(b, TagPongResponse)
	return PongResponse{PingID: id}, err
}

func parseIDPacket(b []byte, tag byte) (uint64, error) {
	if b[0] != tag {
		return 0, errMismatch
	}
	id, _, err := takeUint64(b[1:])
	return id, err
}

func parseChat(b []byte) (ChatMessage, error) {
	if b[0] != TagChatMessage {
		return ChatMessage{}, errMismatch
	}
	rest := b[1:]

	id, rest, err := takeUint64(rest)
	if err != nil {
		return ChatMessage{}, err
	}
	to, rest, err := takeString(rest)
	if err != nil {
		return ChatMessage{}, err
	}
	from, rest, err := takeString(rest)
	if err != nil {
		return ChatMessage{}, err
	}

	var content []byte
	if len(rest) > 0 {
		content = make([]byte, len(rest))
		copy(content, rest)
	}
	return ChatMessage{MsgID: id, ToUser: to, FromUser: from, Content: content}, nil
}

func takeUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, b, ErrIncomplete
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}

// takeString reads a u64 length followed by that many UTF-8 bytes.
func takeString(b []byte) (string, []byte, error) {
	n, rest, err := takeUint64(b)
	if err != nil {
		return "", b, err
	}
	if n > uint64(len(rest)) {
		return "", b, ErrIncomplete
	}
	s := rest[:n]
	if !utf8.Valid(s) {
		return "", b, errMismatch
	}
	return string(s), rest[n:], nil
}
