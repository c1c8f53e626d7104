// Package hook runs an ordered chain of message hooks.
//
// Hooks observe inbound chat messages on a peer connection. Each hook
// returns a Verdict; Halt stops the chain, anything else lets the next hook
// run.
package hook

import (
	"context"
	"log/slog"
	"sync"

	"github.com/philsphicas/relaynet/internal/protocol"
)

// Verdict is a hook's instruction to the chain.
type Verdict int

const (
	NoOpinion Verdict = 0
	Continue  Verdict = 1
	Halt      Verdict = 2
)

func (v Verdict) String() string {
	switch v {
	case NoOpinion:
		return "no-opinion"
	case Continue:
		return "continue"
	case Halt:
		return "halt"
	default:
		return "unknown"
	}
}

// Identity is an immutable snapshot of the connection a message arrived on.
type Identity struct {
	PeerID string
	Addr   string
}

// Func inspects a message. It must not retain msg.Content beyond the call.
type Func func(ctx context.Context, id Identity, msg protocol.ChatMessage) Verdict

type entry struct {
	name string
	fn   Func
}

// Chain is an ordered list of hooks. The zero value is an empty chain.
type Chain struct {
	mu    sync.RWMutex
	hooks []entry
}

// Register appends fn to the chain under name.
func (c *Chain) Register(name string, fn Func) {
	c.mu.Lock()
	c.hooks = append(c.hooks, entry{name: name, fn: fn})
	c.mu.Unlock()
}

// Len returns the number of registered hooks.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hooks)
}

// Run invokes hooks in registration order until one halts or ctx is done.
// It returns the number of hooks invoked. A panicking hook is logged and
// treated as NoOpinion. Safe to call on a nil receiver.
func (c *Chain) Run(ctx context.Context, id Identity, msg protocol.ChatMessage, logger *slog.Logger) int {
	if c == nil {
		return 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	c.mu.RLock()
	hooks := make([]entry, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.RUnlock()

	ran := 0
	for _, h := range hooks {
		if ctx.Err() != nil {
			break
		}
		ran++
		v := invoke(ctx, h, id, msg, logger)
		logger.Debug("hook returned", "hook", h.name, "peer", id.PeerID, "verdict", v)
		if v == Halt {
			break
		}
	}
	return ran
}

func invoke(ctx context.Context, h entry, id Identity, msg protocol.ChatMessage, logger *slog.Logger) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("hook panicked", "hook", h.name, "peer", id.PeerID, "panic", r)
			v = NoOpinion
		}
	}()
	return h.fn(ctx, id, msg)
}
