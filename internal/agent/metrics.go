package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/call"
)

var (
	// CallStartedTotal counts call attempts by direction and type.
	CallStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinal_call_started_total",
			Help: "Total number of call attempts started.",
		},
		[]string{"direction", "type"}, // direction: outgoing|incoming, type: audio|video
	)

	// CallFinishedTotal counts finished attempts by direction and end reason.
	CallFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinal_call_finished_total",
			Help: "Total number of call attempts finished.",
		},
		[]string{"direction", "reason"}, // reason: completed|declined|failed|timeout
	)

	// CallPhase exposes the current lifecycle phase as its ordinal
	// (0=idle, 1=outgoing, 2=incoming, 3=connecting, 4=active).
	CallPhase = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinal_call_phase",
			Help: "Current call phase ordinal (0=idle through 4=active).",
		},
	)

	// CallDurationSeconds observes connected time for calls that reached
	// the active phase. Never-connected attempts are not observed.
	CallDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinal_call_duration_seconds",
			Help:    "Duration of connected calls in seconds.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// SignalingReconnectsTotal counts signaling transport drops that
	// triggered a reconnect cycle. Incremented by the wiring layer.
	SignalingReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinal_signaling_reconnects_total",
			Help: "Total number of signaling reconnect cycles.",
		},
	)
)

// metricsObserver folds engine events into the metrics above. Started
// counters key off phase edges out of idle so the incoming notification
// event can never double count.
type metricsObserver struct {
	last call.Phase
}

func (o *metricsObserver) observe(ev call.Event) {
	switch ev.Kind {
	case call.EventPhase:
		next := ev.Snapshot.Phase
		CallPhase.Set(float64(next))
		if o.last == call.PhaseIdle && (next == call.PhaseOutgoing || next == call.PhaseIncoming) {
			CallStartedTotal.WithLabelValues(
				string(ev.Snapshot.Direction), sessionType(ev.Snapshot),
			).Inc()
		}
		o.last = next
	case call.EventEnded:
		CallFinishedTotal.WithLabelValues(
			string(ev.Snapshot.Direction), string(ev.Reason),
		).Inc()
		if ev.Duration > 0 {
			CallDurationSeconds.Observe(ev.Duration)
		}
	}
}

func sessionType(snap call.Snapshot) string {
	if snap.Session != nil {
		return string(snap.Session.Type)
	}
	return "unknown"
}

// WatchCalls feeds engine events into Prometheus until the engine closes or
// stop is called.
func WatchCalls(calls *call.Manager) (stop func()) {
	ch, cancel := calls.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		o := &metricsObserver{}
		for ev := range ch {
			o.observe(ev)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
