package reporter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chat_sync"

// MetricsListener превращает события в метрики Prometheus.
// Атрибут "outbox_size" (int) обновляет gauge длины очереди.
type MetricsListener struct {
	events     *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	outboxSize prometheus.Gauge
}

func NewMetricsListener(reg prometheus.Registerer) (*MetricsListener, error) {
	m := &MetricsListener{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events reported by the sync engine.",
		}, []string{"category", "success"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Duration of timed engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),
		outboxSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_size",
			Help:      "Number of commands waiting in the offline outbox.",
		}),
	}
	for _, c := range []prometheus.Collector{m.events, m.durations, m.outboxSize} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsListener) OnEvent(ev Event) {
	m.events.WithLabelValues(ev.Category, strconv.FormatBool(ev.Success)).Inc()
	if ev.Duration > 0 {
		m.durations.WithLabelValues(ev.Category).Observe(ev.Duration.Seconds())
	}
	if size, ok := ev.Attributes["outbox_size"].(int); ok {
		m.outboxSize.Set(float64(size))
	}
}
