package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxBuffered is the default cap on undecoded bytes held by a Framed
// reader. It admits any packet Encode produces.
const DefaultMaxBuffered = MaxPacketSize

// Stats counts packets crossing a codec.
type Stats interface {
	IncIncoming()
	IncOutgoing()
}

type noopStats struct{}

func (noopStats) IncIncoming() {}
func (noopStats) IncOutgoing() {}

// Codec decodes packets from an accumulating byte buffer and encodes packets
// for transmission, reporting each event to a Stats sink.
type Codec struct {
	stats Stats
}

// NewCodec returns a Codec reporting to stats. A nil stats discards counts.
func NewCodec(stats Stats) *Codec {
	if stats == nil {
		stats = noopStats{}
	}
	return &Codec{stats: stats}
}

// Decode extracts one packet from *buf. It returns (nil, nil) when no packet
// is available yet, which covers empty, incomplete and unrecognized input;
// unrecognized bytes stay in the buffer. On success the whole buffer is
// consumed, including any bytes after the packet.
func (c *Codec) Decode(buf *[]byte) (Packet, error) {
	p, err := Decode(*buf)
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			return nil, nil
		}
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	c.stats.IncIncoming()
	*buf = (*buf)[:0]
	return p, nil
}

// Encode appends the wire bytes of p to dst.
func (c *Codec) Encode(p Packet, dst []byte) ([]byte, error) {
	out, err := AppendPacket(dst, p)
	if err != nil {
		return dst, err
	}
	c.stats.IncOutgoing()
	return out, nil
}

// Framed reads and writes packets on a byte stream. ReadPacket must be called
// from a single goroutine; WritePacket is safe for concurrent use.
type Framed struct {
	rw          io.ReadWriter
	codec       *Codec
	maxBuffered int

	buf   []byte
	chunk []byte

	wmu  sync.Mutex
	wbuf []byte
}

// NewFramed wraps rw with codec. maxBuffered <= 0 selects DefaultMaxBuffered.
func NewFramed(rw io.ReadWriter, codec *Codec, maxBuffered int) *Framed {
	if codec == nil {
		codec = NewCodec(nil)
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Framed{
		rw:          rw,
		codec:       codec,
		maxBuffered: maxBuffered,
		chunk:       make([]byte, maxBuffered+1),
	}
}

// ReadPacket blocks until a packet is decoded or the stream fails. Read
// errors, including io.EOF, are returned as-is.
//
// Each Read may return up to maxBuffered bytes, so a packet written in one
// Write is decoded whole. A Read that fills the buffer past maxBuffered
// fails with ErrFrameTooLarge rather than decoding a truncated ChatMessage.
func (f *Framed) ReadPacket() (Packet, error) {
	for {
		n, err := f.rw.Read(f.chunk)
		if n > f.maxBuffered {
			f.buf = append(f.buf, f.chunk[:n]...)
			return nil, fmt.Errorf("%w: %d bytes in one read", ErrFrameTooLarge, n)
		}
		if n > 0 {
			f.buf = append(f.buf, f.chunk[:n]...)
			p, derr := f.codec.Decode(&f.buf)
			if derr != nil {
				return nil, derr
			}
			if p != nil {
				return p, nil
			}
			if len(f.buf) > f.maxBuffered {
				return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.buf))
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// WritePacket encodes p and writes it with a single Write call.
func (f *Framed) WritePacket(p Packet) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()

	out, err := f.codec.Encode(p, f.wbuf[:0])
	if err != nil {
		return err
	}
	f.wbuf = out
	if _, err := f.rw.Write(out); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// Buffered returns the number of undecoded bytes held by the reader.
func (f *Framed) Buffered() int {
	return len(f.buf)
}
