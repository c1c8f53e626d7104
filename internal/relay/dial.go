package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultDialTimeout = 30 * time.Second
	dialRetryBase      = 1 * time.Second
	dialRetryMax       = 30 * time.Second
)

// MaxMessageSize bounds a single WebSocket message on relay streams.
const MaxMessageSize = 1 << 20

// Dial opens one connection to the relay at addr. TCP addresses yield a
// *net.TCPConn; WebSocket addresses yield a net.Conn carrying binary
// messages. ctx bounds the dial only, not the returned connection.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	a, err := ParseRelayAddress(addr)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	if !a.IsWebSocket() {
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", a.Host)
		if err != nil {
			return nil, fmt.Errorf("dial relay: %w", err)
		}
		return conn, nil
	}

	ws, _, err := websocket.Dial(dialCtx, a.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	ws.SetReadLimit(MaxMessageSize)
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
}

// DialWithTimeout dials the relay, retrying with exponential backoff (1s→2s→4s,
// capped at 30s) until dialTimeout is exhausted or the context is cancelled.
// dialTimeout=0 means a single attempt with no retries. onRetry is called
// before each retry attempt; it may be nil.
func DialWithTimeout(ctx context.Context, addr string, dialTimeout time.Duration, onRetry func(), logger *slog.Logger) (net.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dialTimeout == 0 {
		return Dial(ctx, addr)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	delay := dialRetryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying relay dial", "addr", addr, "attempt", attempt, "delay", delay)
			if onRetry != nil {
				onRetry()
			}
			select {
			case <-timeoutCtx.Done():
				return nil, lastErr
			case <-time.After(delay):
			}
			delay = min(delay*2, dialRetryMax)
		}
		conn, err := Dial(timeoutCtx, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Debug("relay dial attempt failed", "addr", addr, "attempt", attempt+1, "error", err)
		if timeoutCtx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, timeoutCtx.Err()
}

// AcceptWebSocket upgrades an HTTP request to a WebSocket and returns the
// stream as a net.Conn. The connection is closed when ctx is cancelled.
func AcceptWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	ws.SetReadLimit(MaxMessageSize)
	return websocket.NetConn(ctx, ws, websocket.MessageBinary), nil
}
