// Package metrics provides Prometheus metrics for relaynet.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philsphicas/relaynet/internal/protocol"
	"github.com/philsphicas/relaynet/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "relaynet"

// OverflowTarget is used as the target label when the number of unique
// targets exceeds MaxTargets.
const OverflowTarget = "__other__"

// Roles.
const (
	RolePeer   = "peer"
	RoleServer = "server"
)

// Connection error reasons.
const (
	ReasonDialFailed        = "dial_failed"
	ReasonDialTimeout       = "dial_timeout"
	ReasonAdmissionRejected = "admission_rejected"
	ReasonStreamError       = "stream_error"
	ReasonHandlerError      = "handler_error"
)

// Request outcomes.
const (
	StatusOK      = "ok"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

// Metrics holds all Prometheus metrics for relaynet.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxTargets is the maximum number of unique target label values.
	// Once exceeded, new targets are recorded as OverflowTarget.
	// Zero means unlimited.
	MaxTargets int

	sessionsTotal    *prometheus.CounterVec
	connectionErrors *prometheus.CounterVec
	packetsTotal     *prometheus.CounterVec
	activeSessions   *prometheus.GaugeVec
	sessionDuration  *prometheus.HistogramVec
	dialDuration     *prometheus.HistogramVec
	dialRetriesTotal *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	peersTracked     prometheus.Gauge
	peersConnected   prometheus.Gauge
	peerEvictions    prometheus.Counter
	broadcastsTotal  *prometheus.CounterVec

	targetCount atomic.Int64
	targets     sync.Map // map[string]struct{}

	health atomic.Pointer[HealthFunc]
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total relay sessions that ended, by outcome.",
		}, []string{"role", "target", "status"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connection errors, by reason.",
		}, []string{"role", "reason"}),

		packetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Total packets decoded (in) and encoded (out).",
		}, []string{"role", "direction"}),

		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently open relay sessions.",
		}, []string{"role", "target"}),

		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of completed relay sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role", "target"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Total time spent dialing a relay, including retry backoff intervals, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),

		dialRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_retries_total",
			Help:      "Total number of relay dial retry attempts.",
		}, []string{"role"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total correlated requests issued by peers, by outcome.",
		}, []string{"kind", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of correlated requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		peersTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_peers",
			Help:      "Number of peers registered in the pool.",
		}),

		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_peers_connected",
			Help:      "Number of pool peers connected at the last maintenance cycle.",
		}),

		peerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_evictions_total",
			Help:      "Total peers evicted from the pool after repeated failures.",
		}),

		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Total broadcast rounds, by role.",
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.connectionErrors,
		m.packetsTotal,
		m.activeSessions,
		m.sessionDuration,
		m.dialDuration,
		m.dialRetriesTotal,
		m.requestsTotal,
		m.requestDuration,
		m.peersTracked,
		m.peersConnected,
		m.peerEvictions,
		m.broadcastsTotal,
	)

	return m
}

// SanitizeTarget returns target if it is within the cardinality budget,
// or OverflowTarget if the cap has been reached. Targets that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeTarget(target string) string {
	if m == nil {
		return target
	}
	if m.MaxTargets <= 0 {
		return target
	}

	for {
		if _, ok := m.targets.Load(target); ok {
			return target
		}

		cur := m.targetCount.Load()
		if cur >= int64(m.MaxTargets) {
			// Another goroutine may have stored this target since the Load.
			if _, ok := m.targets.Load(target); ok {
				return target
			}
			return OverflowTarget
		}

		if !m.targetCount.CompareAndSwap(cur, cur+1) {
			continue
		}
		if _, loaded := m.targets.LoadOrStore(target, struct{}{}); loaded {
			m.targetCount.Add(-1)
		}
		return target
	}
}

// PacketStats returns codec counters labelled with role. A nil receiver
// returns nil, which codecs treat as "don't count".
func (m *Metrics) PacketStats(role string) protocol.Stats {
	if m == nil {
		return nil
	}
	return &packetStats{
		in:  m.packetsTotal.WithLabelValues(role, "in"),
		out: m.packetsTotal.WithLabelValues(role, "out"),
	}
}

type packetStats struct {
	in, out prometheus.Counter
}

func (s *packetStats) IncIncoming() { s.in.Inc() }
func (s *packetStats) IncOutgoing() { s.out.Inc() }

// SessionOpened increments the active session gauge and should be called
// once a session's stream is established. Returns a SessionTracker to record
// the outcome when the session ends. The target is sanitized through the
// cardinality guard.
func (m *Metrics) SessionOpened(role, target string) *SessionTracker {
	if m == nil {
		return nil
	}
	target = m.SanitizeTarget(target)
	m.activeSessions.WithLabelValues(role, target).Inc()
	return &SessionTracker{m: m, role: role, target: target, start: time.Now()}
}

// SessionTracker records the outcome of a single relay session.
type SessionTracker struct {
	m      *Metrics
	role   string
	target string
	start  time.Time
}

// Done records the end of the session.
func (t *SessionTracker) Done(err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeSessions.WithLabelValues(t.role, t.target).Dec()
	t.m.sessionsTotal.WithLabelValues(t.role, t.target, status).Inc()
	t.m.sessionDuration.WithLabelValues(t.role, t.target).Observe(time.Since(t.start).Seconds())
}

// ConnectionError records a connection failure that did not reach a session.
func (m *Metrics) ConnectionError(role, reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(role, reason).Inc()
}

// DialReason returns "dial_timeout" if err is a network timeout, otherwise
// returns fallback.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// ObserveDialDuration records how long an outbound dial took.
func (m *Metrics) ObserveDialDuration(role string, seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.WithLabelValues(role).Observe(seconds)
}

// IncrDialRetries increments the retry counter for a role.
func (m *Metrics) IncrDialRetries(role string) {
	if m == nil {
		return
	}
	m.dialRetriesTotal.WithLabelValues(role).Inc()
}

// InstrumentedDial wraps relay.DialWithTimeout with duration and error metrics.
// dialTimeout controls the total retry budget (0 = single attempt, no retries).
// Safe to call on a nil receiver.
func (m *Metrics) InstrumentedDial(ctx context.Context, addr, role string, dialTimeout time.Duration, logger *slog.Logger) (net.Conn, error) {
	start := time.Now()
	var onRetry func()
	if m != nil {
		onRetry = func() { m.IncrDialRetries(role) }
	}
	conn, err := relay.DialWithTimeout(ctx, addr, dialTimeout, onRetry, logger)
	m.ObserveDialDuration(role, time.Since(start).Seconds())
	if err != nil {
		m.ConnectionError(role, DialReason(err, ReasonDialFailed))
		return nil, err
	}
	return conn, nil
}

// ObserveRequest records a correlated request of the given kind ("chat" or
// "ping") with one of StatusOK, StatusTimeout or StatusError.
func (m *Metrics) ObserveRequest(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(kind, status).Inc()
	if status == StatusOK {
		m.requestDuration.WithLabelValues(kind).Observe(seconds)
	}
}

// SetPoolPeers records the pool size and how many peers are connected.
func (m *Metrics) SetPoolPeers(total, connected int) {
	if m == nil {
		return
	}
	m.peersTracked.Set(float64(total))
	m.peersConnected.Set(float64(connected))
}

// IncPoolEvictions counts one evicted peer.
func (m *Metrics) IncPoolEvictions() {
	if m == nil {
		return
	}
	m.peerEvictions.Inc()
}

// IncBroadcasts counts one broadcast round.
func (m *Metrics) IncBroadcasts(role string) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues(role).Inc()
}
