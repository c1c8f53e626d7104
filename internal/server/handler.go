package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/philsphicas/relaynet/internal/ident"
	"github.com/philsphicas/relaynet/internal/metrics"
	"github.com/philsphicas/relaynet/internal/protocol"
)

// ErrInvalidPingID is returned by the packet handler for a ping or pong
// carrying id 0. It ends the session.
var ErrInvalidPingID = errors.New("server: ping id must be non-zero")

var errSessionClosed = errors.New("server: session closed")

const (
	replyPrefix = "reply from server "
	contentSize = 16

	// Broadcast message fields.
	BroadcastMsgID    = 66778899
	BroadcastToUser   = "123"
	BroadcastFromUser = "789"
)

// sender is a session's outbound handle.
type sender struct {
	ch   chan protocol.Packet
	done <-chan struct{}
}

// send blocks until p is queued, the session ends or ctx is done.
func (s *sender) send(ctx context.Context, p protocol.Packet) error {
	select {
	case s.ch <- p:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle applies the server's packet rules. Replies go to the session the
// packet arrived on.
func (s *Server) handle(ctx context.Context, p protocol.Packet, reply *sender) error {
	switch p := p.(type) {
	case protocol.PingRequest:
		if p.PingID == 0 {
			return fmt.Errorf("%w: ping request", ErrInvalidPingID)
		}
		if s.cfg.ReplyPings {
			return reply.send(ctx, protocol.PongResponse{PingID: p.PingID})
		}
		return nil

	case protocol.PongResponse:
		if p.PingID == 0 {
			return fmt.Errorf("%w: pong response", ErrInvalidPingID)
		}
		return nil

	case protocol.ChatMessage:
		s.logger.Debug("chat message received",
			"msgId", p.MsgID, "to", p.ToUser, "from", p.FromUser, "size", len(p.Content))
		p.Content = []byte(replyPrefix + ident.RandomString(contentSize))
		return reply.send(ctx, p)

	default:
		return fmt.Errorf("unhandled packet %T", p)
	}
}

// BroadcastMessage returns a fresh broadcast chat message.
func BroadcastMessage() protocol.ChatMessage {
	return protocol.ChatMessage{
		MsgID:    BroadcastMsgID,
		ToUser:   BroadcastToUser,
		FromUser: BroadcastFromUser,
		Content:  []byte(ident.RandomString(contentSize)),
	}
}

// Broadcast queues p on every registered session and returns how many
// accepted it. A session that ends mid-broadcast is skipped.
func (s *Server) Broadcast(ctx context.Context, p protocol.Packet) int {
	s.mu.RLock()
	targets := make([]*sender, 0, len(s.clients))
	for _, snd := range s.clients {
		targets = append(targets, snd)
	}
	s.mu.RUnlock()

	s.cfg.Metrics.IncBroadcasts(metrics.RoleServer)
	sent := 0
	for _, snd := range targets {
		if err := snd.send(ctx, p); err != nil {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) broadcastLoop(ctx context.Context) error {
	if s.cfg.BroadcastInterval < 0 {
		return nil
	}
	ticker := s.cfg.Clock.Ticker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := s.Broadcast(ctx, BroadcastMessage())
			s.logger.Debug("broadcast sent", "sessions", n)
		}
	}
}
