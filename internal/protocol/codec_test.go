package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
	}{
		{"ping", PingRequest{PingID: 77}},
		{"ping max id", PingRequest{PingID: ^uint64(0)}},
		{"pong", PongResponse{PingID: 42}},
		{"chat", ChatMessage{MsgID: 1, ToUser: "123", FromUser: "789", Content: []byte("hello")}},
		{"chat empty", ChatMessage{MsgID: 9}},
		{"chat empty users", ChatMessage{MsgID: 3, Content: []byte{0x00, 0xff}}},
		{"chat empty content", ChatMessage{MsgID: 4, ToUser: "alice", FromUser: "bob"}},
		{"chat unicode", ChatMessage{MsgID: 5, ToUser: "用户", FromUser: "ünïcode", Content: []byte("来自服务端消息")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.pkt)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.pkt.Kind(), got.Kind())
			assert.Truef(t, Equal(tt.pkt, got), "decoded %v, want %v", got, tt.pkt)
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	data, err := Encode(ChatMessage{MsgID: 0x0102, ToUser: "ab", FromUser: "c", Content: []byte("xyz")})
	require.NoError(t, err)

	want := []byte{0x04}
	want = binary.BigEndian.AppendUint64(want, 0x0102)
	want = binary.BigEndian.AppendUint64(want, 2)
	want = append(want, "ab"...)
	want = binary.BigEndian.AppendUint64(want, 1)
	want = append(want, "c"...)
	want = append(want, "xyz"...)
	assert.Equal(t, want, data)

	ping, err := Encode(PingRequest{PingID: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0, 0, 0, 0, 0, 0, 0, 1}, ping)
}

// The encoder this format was taken from wrote a constant id into every
// PongResponse. We echo the packet's own id; this test pins that choice.
func TestEncodePongEchoesPingID(t *testing.T) {
	for _, id := range []uint64{1, 123, 987654321} {
		data, err := Encode(PongResponse{PingID: id})
		require.NoError(t, err)
		require.Len(t, data, PingSize)
		assert.Equal(t, TagPongResponse, data[0])
		assert.Equal(t, id, binary.BigEndian.Uint64(data[1:]))
	}
}

func TestDecodeTagDisambiguation(t *testing.T) {
	t.Run("minimal ping is not a truncated chat", func(t *testing.T) {
		data, err := Encode(PingRequest{PingID: 5})
		require.NoError(t, err)
		require.Len(t, data, PingSize)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, PingRequest{PingID: 5}, got)
	})

	t.Run("chat with empty users is not a ping", func(t *testing.T) {
		msg := ChatMessage{MsgID: 5, Content: []byte("payload")}
		data, err := Encode(msg)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		chat, ok := got.(ChatMessage)
		require.Truef(t, ok, "decoded %T, want ChatMessage", got)
		assert.True(t, msg.Equal(chat))
	})

	t.Run("minimal chat", func(t *testing.T) {
		data, err := Encode(ChatMessage{MsgID: 8})
		require.NoError(t, err)
		require.Len(t, data, MinChatSize)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.IsType(t, ChatMessage{}, got)
	})

	t.Run("invalid utf-8 user falls back to ping", func(t *testing.T) {
		data := []byte{TagChatMessage}
		data = binary.BigEndian.AppendUint64(data, 11)
		data = binary.BigEndian.AppendUint64(data, 1)
		data = append(data, 0xff)
		data = binary.BigEndian.AppendUint64(data, 0)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, PingRequest{PingID: 11}, got)
	})
}

func TestDecodeIncomplete(t *testing.T) {
	msg := ChatMessage{MsgID: 77, ToUser: "to", FromUser: "from", Content: []byte("body")}
	full, err := Encode(msg)
	require.NoError(t, err)
	header := len(full) - len(msg.Content)

	for n := 1; n < header; n++ {
		if n == PingSize {
			continue
		}
		got, err := Decode(full[:n])
		assert.ErrorIsf(t, err, ErrIncomplete, "prefix %d", n)
		assert.Nilf(t, got, "prefix %d", n)
	}

	t.Run("pong prefix", func(t *testing.T) {
		data, err := Encode(PongResponse{PingID: 3})
		require.NoError(t, err)
		_, err = Decode(data[:4])
		assert.ErrorIs(t, err, ErrIncomplete)
	})

	t.Run("codec reports no packet then completes", func(t *testing.T) {
		stats := &countingStats{}
		c := NewCodec(stats)

		buf := append([]byte(nil), full[:header-1]...)
		got, err := c.Decode(&buf)
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Len(t, buf, header-1, "incomplete bytes must stay buffered")

		buf = append(buf, full[header-1:]...)
		got, err = c.Decode(&buf)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, Equal(msg, got))
		assert.Empty(t, buf)
		assert.Equal(t, 1, stats.in)
	})
}

func TestDecodeNoPacket(t *testing.T) {
	got, err := Decode(nil)
	assert.NoError(t, err)
	assert.Nil(t, got)

	got, err = Decode([]byte{0x7e, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	assert.NoError(t, err)
	assert.Nil(t, got)

	c := NewCodec(nil)
	buf := []byte{0x7e, 0x01}
	got, err = c.Decode(&buf)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, []byte{0x7e, 0x01}, buf, "unrecognized bytes are not discarded")
}

func TestCodecDropsTrailingBytes(t *testing.T) {
	pong, err := Encode(PongResponse{PingID: 9})
	require.NoError(t, err)
	ping, err := Encode(PingRequest{PingID: 10})
	require.NoError(t, err)

	buf := append(append([]byte(nil), pong...), ping...)
	c := NewCodec(nil)
	got, err := c.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, PongResponse{PingID: 9}, got)
	assert.Empty(t, buf)
}

func TestCodecCountsEvents(t *testing.T) {
	stats := &countingStats{}
	c := NewCodec(stats)

	out, err := c.Encode(PingRequest{PingID: 1}, nil)
	require.NoError(t, err)
	out, err = c.Encode(PongResponse{PingID: 1}, out)
	require.NoError(t, err)
	assert.Len(t, out, 2*PingSize)
	assert.Equal(t, 2, stats.out)

	buf := out[:PingSize]
	_, err = c.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.in)
}

func TestEncodeUnknownPacket(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrEncode)

	stats := &countingStats{}
	_, err = NewCodec(stats).Encode(nil, nil)
	assert.ErrorIs(t, err, ErrEncode)
	assert.Zero(t, stats.out)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(PingRequest{PingID: 1}, PingRequest{PingID: 1}))
	assert.False(t, Equal(PingRequest{PingID: 1}, PongResponse{PingID: 1}))
	assert.True(t, Equal(ChatMessage{Content: nil}, ChatMessage{Content: []byte{}}))
	assert.False(t, Equal(ChatMessage{Content: []byte("a")}, ChatMessage{Content: []byte("b")}))
	assert.True(t, bytes.Equal(ChatMessage{Content: []byte("a")}.WithMsgID(3).Content, []byte("a")))
}

type countingStats struct {
	in, out int
}

func (s *countingStats) IncIncoming() { s.in++ }
func (s *countingStats) IncOutgoing() { s.out++ }

func TestEncodeRejectsUndecodableChat(t *testing.T) {
	tests := []struct {
		name string
		msg  ChatMessage
	}{
		{"invalid utf8 to_user", ChatMessage{MsgID: 7, ToUser: "\xff", FromUser: "789"}},
		{"invalid utf8 from_user", ChatMessage{MsgID: 7, ToUser: "123", FromUser: "ok\xc3"}},
		{"over size limit", ChatMessage{MsgID: 7, Content: make([]byte, MaxPacketSize-MinChatSize+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := &countingStats{}
			out, err := NewCodec(stats).Encode(tt.msg, nil)
			assert.ErrorIs(t, err, ErrEncode)
			assert.Empty(t, out)
			assert.Zero(t, stats.out)
		})
	}

	full := ChatMessage{MsgID: 8, Content: make([]byte, MaxPacketSize-MinChatSize)}
	data, err := Encode(full)
	require.NoError(t, err)
	assert.Len(t, data, MaxPacketSize)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, Equal(full, got))
}
