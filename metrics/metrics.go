package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LoveWonYoung/autodiag/session"
	"github.com/LoveWonYoung/autodiag/udsclient"
)

// Metrics 实现 session.Recorder、coordinator.Recorder 和 store.Recorder。
type Metrics struct {
	exchanges  *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	pending    *prometheus.CounterVec
	retries    *prometheus.CounterVec
	missed     *prometheus.CounterVec
	state      *prometheus.GaugeVec
	frames     *prometheus.CounterVec
	overwrites *prometheus.CounterVec
	snifferUp  *prometheus.GaugeVec
	snapshots  *prometheus.CounterVec
	stored     *prometheus.CounterVec
	dropped    *prometheus.CounterVec
}

// New registers every collector with reg, or with prometheus.DefaultRegisterer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodiag_exchanges_total",
			Help: "UDS exchanges by service and terminal state.",
		}, []string{"session", "service", "state"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autodiag_exchange_latency_seconds",
			Help:    "Time from request send to terminal state, including retries and pending responses.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"service"}),
		pending: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodiag_response_pending_total",
			Help: "NRC 0x78 responses received.",
		}, []string{"session"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodiag_exchange_retries_total",
			Help: "Request retransmissions.",
		}, []string{"session"}),
		missed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodiag_keepalive_missed_total",
			Help: "TesterPresent requests that were not acknowledged.",
		}, []string{"session"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autodiag_session_state",
			Help: "Current session state (0=DISCONNECTED 1=PROBING 2=CONNECTED 3=EXTENDED 4=PROGRAMMING).",
		}, []string{"session"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodiag_sniffer_frames_total",
			Help: "Bus frames captured by the sniffer.",
		}, []string{"session"}),
		overwrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodiag_ring_overwrites_total",
			Help: "Frames evicted from the sniffer ring before being sliced.",
		}, []string{"session"}),
		snifferUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autodiag_sniffer_up",
			Help: "1 when the sniffer receive loop is running.",
		}, []string{"session"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodiag_snapshots_total",
			Help: "Diagnostic snapshots emitted.",
		}, []string{"session"}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodiag_store_written_total",
			Help: "Snapshots committed by a sink.",
		}, []string{"sink"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodiag_store_dropped_total",
			Help: "Snapshots dropped because a sink queue was full or a flush failed.",
		}, []string{"sink"}),
	}
	reg.MustRegister(m.exchanges, m.latency, m.pending, m.retries, m.missed, m.state,
		m.frames, m.overwrites, m.snifferUp, m.snapshots, m.stored, m.dropped)
	return m
}

// ObserveExchange 记录一次终止状态的交互
func (m *Metrics) ObserveExchange(sess string, ex *udsclient.Exchange) {
	service := udsclient.ServiceName(ex.ServiceID)
	m.exchanges.WithLabelValues(sess, service, ex.State.String()).Inc()
	m.latency.WithLabelValues(service).Observe(ex.Duration().Seconds())
	if ex.PendingCount > 0 {
		m.pending.WithLabelValues(sess).Add(float64(ex.PendingCount))
	}
	if ex.RetryCount > 0 {
		m.retries.WithLabelValues(sess).Add(float64(ex.RetryCount))
	}
}

func (m *Metrics) KeepAliveMissed(sess string) {
	m.missed.WithLabelValues(sess).Inc()
}

func (m *Metrics) StateChanged(sess string, _, to session.State) {
	m.state.WithLabelValues(sess).Set(float64(to))
}

func (m *Metrics) FrameCaptured(sess string, evicted bool) {
	m.frames.WithLabelValues(sess).Inc()
	if evicted {
		m.overwrites.WithLabelValues(sess).Inc()
	}
}

func (m *Metrics) SnapshotEmitted(sess string, _ int) {
	m.snapshots.WithLabelValues(sess).Inc()
}

func (m *Metrics) SnifferAvailable(sess string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.snifferUp.WithLabelValues(sess).Set(v)
}

func (m *Metrics) SnapshotsWritten(sink string, n int) {
	m.stored.WithLabelValues(sink).Add(float64(n))
}

func (m *Metrics) SnapshotDropped(sink string) {
	m.dropped.WithLabelValues(sink).Inc()
}

// Forget 删除会话相关的序列，会话断开后调用
func (m *Metrics) Forget(sess string) {
	for _, v := range []*prometheus.CounterVec{m.pending, m.retries, m.missed, m.frames, m.overwrites, m.snapshots} {
		v.DeleteLabelValues(sess)
	}
	m.state.DeleteLabelValues(sess)
	m.snifferUp.DeleteLabelValues(sess)
	m.exchanges.DeletePartialMatch(prometheus.Labels{"session": sess})
}
