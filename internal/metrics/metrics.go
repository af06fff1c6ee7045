// Package metrics exports the coordinator's operational counters and
// histograms in Prometheus format, the way the teacher's ai/metrics
// package wraps a prometheus.Registry behind a small set of Record*
// methods rather than handing callers raw prometheus.* types.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exports chatcoord's metrics: queue depth, claim outcomes,
// message throughput, and lock contention (spec.md §4's operational
// surface for the Queue Engine, Coordinator, and the distributed lock).
type Recorder struct {
	registry *prometheus.Registry

	queueDepth        prometheus.Gauge
	claimsTotal       *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
	conversationsOpen prometheus.Gauge
	lockWait          prometheus.Histogram
	lockContention    prometheus.Counter
}

// New builds a Recorder on a fresh registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcoord",
			Name:      "queue_depth",
			Help:      "Number of conversations currently waiting in the queue.",
		}),
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcoord",
			Name:      "claims_total",
			Help:      "Outcomes of the single-winner claim script, by outcome.",
		}, []string{"outcome"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcoord",
			Name:      "messages_total",
			Help:      "Messages accepted, by sender participant type.",
		}, []string{"sender_type"}),
		conversationsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcoord",
			Name:      "conversations_open",
			Help:      "Conversations currently not in a terminal state.",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatcoord",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire the per-conversation lock.",
			Buckets:   prometheus.DefBuckets,
		}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcoord",
			Name:      "lock_contention_total",
			Help:      "Lock acquisitions that timed out under contention.",
		}),
	}

	registry.MustRegister(
		r.queueDepth,
		r.claimsTotal,
		r.messagesTotal,
		r.conversationsOpen,
		r.lockWait,
		r.lockContention,
	)
	return r
}

// SetQueueDepth records the current queue length.
func (r *Recorder) SetQueueDepth(n int) { r.queueDepth.Set(float64(n)) }

// RecordClaim records a single claim attempt's outcome (CLAIMED, OWNED,
// BUSY, or MISSING).
func (r *Recorder) RecordClaim(outcome string) { r.claimsTotal.WithLabelValues(outcome).Inc() }

// RecordMessage records a message accepted from a participant of the
// given type.
func (r *Recorder) RecordMessage(senderType string) { r.messagesTotal.WithLabelValues(senderType).Inc() }

// IncOpenConversations records a conversation entering a non-terminal state.
func (r *Recorder) IncOpenConversations() { r.conversationsOpen.Inc() }

// DecOpenConversations records a conversation reaching CLOSED.
func (r *Recorder) DecOpenConversations() { r.conversationsOpen.Dec() }

// ObserveLockWait records how long a lock acquisition took.
func (r *Recorder) ObserveLockWait(d time.Duration) { r.lockWait.Observe(d.Seconds()) }

// RecordLockContention records a lock acquisition that timed out.
func (r *Recorder) RecordLockContention() { r.lockContention.Inc() }

// Handler serves the registry in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
