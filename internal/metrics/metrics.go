// Package metrics exposes prometheus collectors for the sync engine.
//
// A nil *Sync is valid and records nothing, so components can run without a
// registry in tests and one-shot CLI commands.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "toolchat"

// Sync groups the engine's collectors.
type Sync struct {
	remoteCalls    *prometheus.CounterVec
	remoteFailures *prometheus.CounterVec
	merged         *prometheus.CounterVec
	duplicates     prometheus.Counter
	coalesced      *prometheus.CounterVec
	pendingReads   prometheus.Gauge
	unread         *prometheus.GaugeVec
}

// New creates collectors and registers them on reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Sync {
	s := &Sync{
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Calls made to the message service, by operation.",
		}, []string{"op"}),
		remoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_failures_total",
			Help:      "Failed calls to the message service, by operation.",
		}, []string{"op"}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_merged_total",
			Help:      "Messages inserted into cached history, by source (fetch, sent).",
		}, []string{"source"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Messages dropped because their id was already cached.",
		}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_ticks_skipped_total",
			Help:      "Refresh ticks skipped because the previous run was still in flight.",
		}, []string{"task"}),
		pendingReads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_read_marks",
			Help:      "Message ids waiting for a mark-read retry.",
		}),
		unread: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_messages",
			Help:      "Projected unread messages, by bucket (private, general, community, total).",
		}, []string{"bucket"}),
	}
	if reg != nil {
		reg.MustRegister(s.collectors()...)
	}
	return s
}

func (s *Sync) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.remoteCalls,
		s.remoteFailures,
		s.merged,
		s.duplicates,
		s.coalesced,
		s.pendingReads,
		s.unread,
	}
}

// RemoteCall counts one service call and its failure, if any.
func (s *Sync) RemoteCall(op string, err error) {
	if s == nil {
		return
	}
	s.remoteCalls.WithLabelValues(op).Inc()
	if err != nil {
		s.remoteFailures.WithLabelValues(op).Inc()
	}
}

// Merged counts inserted and dropped messages.
func (s *Sync) Merged(source string, inserted, duplicates int) {
	if s == nil {
		return
	}
	if inserted > 0 {
		s.merged.WithLabelValues(source).Add(float64(inserted))
	}
	if duplicates > 0 {
		s.duplicates.Add(float64(duplicates))
	}
}

// Coalesced counts a skipped refresh tick.
func (s *Sync) Coalesced(task string) {
	if s == nil {
		return
	}
	s.coalesced.WithLabelValues(task).Inc()
}

// PendingReads sets the size of the mark-read retry queue.
func (s *Sync) PendingReads(n int) {
	if s == nil {
		return
	}
	s.pendingReads.Set(float64(n))
}

// Unread publishes the unread projection.
func (s *Sync) Unread(private, general, community, total int) {
	if s == nil {
		return
	}
	s.unread.WithLabelValues("private").Set(float64(private))
	s.unread.WithLabelValues("general").Set(float64(general))
	s.unread.WithLabelValues("community").Set(float64(community))
	s.unread.WithLabelValues("total").Set(float64(total))
}
