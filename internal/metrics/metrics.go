// Package metrics exposes the daemon's Prometheus instruments and a
// bus-fed collector that keeps them current.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/taskdeck/internal/bus"
)

// Metrics groups all Prometheus instruments used by the daemon.
type Metrics struct {
	TaskTransitions *prometheus.CounterVec
	TaskRetries     prometheus.Counter
	TaskDeadLetters prometheus.Counter
	QueueDepth      prometheus.Gauge
	ScheduleFires   *prometheus.CounterVec
	RunsActive      prometheus.Gauge
	MailboxMessages prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	return NewWith(namespace, prometheus.DefaultRegisterer)
}

// NewWith registers the instruments on a caller-supplied registry.
func NewWith(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TaskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions by destination status.",
		}, []string{"to"}),
		TaskRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Task attempts requeued for retry.",
		}),
		TaskDeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_dead_letters_total",
			Help:      "Tasks frozen after exhausting their attempts.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks currently in queued status.",
		}),
		ScheduleFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Schedule tick outcomes.",
		}, []string{"outcome"}),
		RunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_runs_active",
			Help:      "Session runs currently executing.",
		}),
		MailboxMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_messages_total",
			Help:      "Envelopes delivered to session mailboxes.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(float64(d.Milliseconds()))
}

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// QueueSampler reports the current queued-task count.
type QueueSampler interface {
	QueueDepth(ctx context.Context) (int, error)
}

// Watch feeds the instruments from bus events until ctx ends. The
// sampler, when set, refreshes the queue depth gauge on an interval.
func (m *Metrics) Watch(ctx context.Context, b *bus.Bus, sampler QueueSampler, sampleEvery time.Duration) {
	sub := b.Subscribe("")
	if sampleEvery <= 0 {
		sampleEvery = 15 * time.Second
	}
	go func() {
		defer b.Unsubscribe(sub)
		ticker := time.NewTicker(sampleEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if sampler == nil {
					continue
				}
				if depth, err := sampler.QueueDepth(ctx); err == nil {
					m.QueueDepth.Set(float64(depth))
				}
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				m.record(event)
			}
		}
	}()
}

func (m *Metrics) record(event bus.Event) {
	switch event.Topic {
	case bus.TopicTaskStateChanged:
		if payload, ok := event.Payload.(bus.TaskStateChangedEvent); ok {
			m.TaskTransitions.WithLabelValues(payload.NewStatus).Inc()
		}
	case bus.TopicTaskRetrying:
		m.TaskRetries.Inc()
	case bus.TopicTaskDeadLetter:
		m.TaskDeadLetters.Inc()
	case bus.TopicScheduleFired:
		m.ScheduleFires.WithLabelValues("fired").Inc()
	case bus.TopicScheduleSkipped:
		m.ScheduleFires.WithLabelValues("skipped").Inc()
	case bus.TopicRunStarted:
		m.RunsActive.Inc()
	case bus.TopicRunFinished, bus.TopicRunCancelled:
		m.RunsActive.Dec()
	case bus.TopicMailboxDelivered:
		m.MailboxMessages.Inc()
	}
}
