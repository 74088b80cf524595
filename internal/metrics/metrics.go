// Package metrics exposes the delivery subsystem's prometheus collectors.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"courier/internal/eventbus"
	"courier/internal/outbox"
)

type Metrics struct {
	enqueueTotal  *prometheus.CounterVec
	dispatchTotal *prometheus.CounterVec
	deadTotal     prometheus.Counter
	statusTotal   *prometheus.CounterVec
	webhookTotal  *prometheus.CounterVec

	dispatchLatency *prometheus.HistogramVec
	batchStops      *prometheus.CounterVec

	queue  *prometheus.GaugeVec
	health *prometheus.GaugeVec
}

var singleton = sync.OnceValue(func() *Metrics {
	return &Metrics{
		enqueueTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "enqueue_total",
			Help:      "Total number of messages accepted into the queue.",
		}, []string{"kind"}),
		dispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "dispatch_total",
			Help:      "Total number of dispatch attempts by result.",
		}, []string{"result"}),
		deadTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "dead_total",
			Help:      "Total number of messages that failed permanently.",
		}),
		statusTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "status_transitions_total",
			Help:      "Total number of webhook-driven status transitions.",
		}, []string{"status"}),
		webhookTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "webhook_total",
			Help:      "Total number of webhook payloads by outcome.",
		}, []string{"result"}),
		dispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency distribution of sender calls.",
			Buckets: []float64{
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10, 30,
			},
		}, []string{"sender", "result"}),
		batchStops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "batch_stops_total",
			Help:      "Dispatch batches that ended early, by reason.",
		}, []string{"reason"}),
		queue: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "queue_messages",
			Help:      "Current number of queued messages by status.",
		}, []string{"status"}),
		health: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "health_state",
			Help:      "Current overall health (1 for the active state).",
		}, []string{"state"}),
	}
})

// Get returns the process-wide collectors.
func Get() *Metrics { return singleton() }

func (m *Metrics) Enqueued(kind outbox.Kind) {
	m.enqueueTotal.WithLabelValues(string(kind)).Inc()
}

// ObserveSend records one sender call. result is "ok", "rejected" or "error".
func (m *Metrics) ObserveSend(sender, result string, d time.Duration) {
	m.dispatchTotal.WithLabelValues(result).Inc()
	m.dispatchLatency.WithLabelValues(sender, result).Observe(d.Seconds())
}

// ResolutionFailed counts an attempt that never reached the sender.
func (m *Metrics) ResolutionFailed() {
	m.dispatchTotal.WithLabelValues("unresolved").Inc()
}

func (m *Metrics) BatchStopped(reason string) {
	if reason == "" {
		return
	}
	m.batchStops.WithLabelValues(reason).Inc()
}

// SetQueue publishes the per-status gauge from a stats snapshot.
func (m *Metrics) SetQueue(st outbox.Stats) {
	for _, s := range outbox.AllStatuses() {
		m.queue.WithLabelValues(s.String()).Set(float64(st.ByStatus[s.String()]))
	}
}

// SetHealth marks state as the active one among states.
func (m *Metrics) SetHealth(state string, states ...string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.health.WithLabelValues(s).Set(v)
	}
}

// Consume turns bus events into counters until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	if bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.observe(ev)
		}
	}
}

func (m *Metrics) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TopicMessageDead:
		m.deadTotal.Inc()
	case eventbus.TopicMessageStatus:
		if d, ok := ev.Data.(eventbus.MessageEvent); ok {
			m.statusTotal.WithLabelValues(d.Status).Inc()
		}
	case eventbus.TopicHealthChanged:
		if d, ok := ev.Data.(eventbus.HealthEvent); ok {
			m.SetHealth(d.To, "healthy", "degraded", "critical")
		}
	case eventbus.TopicWebhookReceived:
		d, ok := ev.Data.(eventbus.WebhookEvent)
		if !ok {
			return
		}
		switch {
		case d.Error != "":
			m.webhookTotal.WithLabelValues("error").Inc()
		case !d.Relevant:
			m.webhookTotal.WithLabelValues("ignored").Inc()
		case d.Duplicate:
			m.webhookTotal.WithLabelValues("duplicate").Inc()
		default:
			m.webhookTotal.WithLabelValues("applied").Inc()
		}
	}
}
