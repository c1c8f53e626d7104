package relay

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// SetTCPKeepAlive enables TCP keepalive on the connection if it is a
// *net.TCPConn and d > 0.
func SetTCPKeepAlive(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(d)
}

// ConnSemaphore is an admission gate for concurrent connections. It counts
// holders in every mode, so InUse is meaningful even without a limit.
type ConnSemaphore struct {
	limit int64 // 0 = unlimited
	held  atomic.Int64
}

// NewConnSemaphore returns a semaphore admitting at most limit holders.
// limit <= 0 admits everyone.
func NewConnSemaphore(limit int) *ConnSemaphore {
	return &ConnSemaphore{limit: int64(max(limit, 0))}
}

// TryAcquire takes a slot without blocking. It fails when the semaphore is
// full or ctx is done.
func (s *ConnSemaphore) TryAcquire(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	for {
		cur := s.held.Load()
		if s.limit > 0 && cur >= s.limit {
			return false
		}
		if s.held.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot taken by TryAcquire.
func (s *ConnSemaphore) Release() {
	if s.held.Add(-1) < 0 {
		panic("relay: ConnSemaphore released more than acquired")
	}
}

// InUse reports the number of held slots.
func (s *ConnSemaphore) InUse() int {
	return int(s.held.Load())
}

// Limit reports the configured limit; 0 means unlimited.
func (s *ConnSemaphore) Limit() int {
	return int(s.limit)
}
