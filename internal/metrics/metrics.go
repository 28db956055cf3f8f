package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "linkpulse"

// Label values for outcome labels.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	timersFired     *prometheus.CounterVec
	timerRetries    *prometheus.CounterVec
	triggers        *prometheus.CounterVec
	clickBatches    prometheus.Counter
	clicksDelivered prometheus.Counter
	sendFailures    prometheus.Counter
	subscribers     prometheus.Gauge
	ingested        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		timersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Durable timers dispatched to their actor.",
		}, []string{"kind"}),
		timerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_retries_total",
			Help:      "Timer handler invocations retried after an error.",
		}, []string{"kind"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_triggers_total",
			Help:      "Debounced evaluation trigger attempts by result.",
		}, []string{"result"}),
		clickBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "click_batches_delivered_total",
			Help:      "Non-empty click batches broadcast to subscribers.",
		}),
		clicksDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_delivered_total",
			Help:      "Geo clicks included in broadcast batches.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_send_failures_total",
			Help:      "Batch sends that failed for a single subscriber.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "click_subscribers",
			Help:      "Live click stream subscribers across all accounts.",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_ingested_total",
			Help:      "Link click messages accepted by source.",
		}, []string{"source"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.timersFired,
			m.timerRetries,
			m.triggers,
			m.clickBatches,
			m.clicksDelivered,
			m.sendFailures,
			m.subscribers,
			m.ingested,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// NewNop returns unregistered collectors, for tests and tools.
func NewNop() *Metrics {
	m, _ := New(nil)
	return m
}

func (m *Metrics) TimerFired(kind string) {
	m.timersFired.WithLabelValues(kind).Inc()
}

func (m *Metrics) TimerRetried(kind string) {
	m.timerRetries.WithLabelValues(kind).Inc()
}

// RecordTrigger records one evaluation trigger outcome; use the Result constants.
func (m *Metrics) RecordTrigger(result string) {
	m.triggers.WithLabelValues(result).Inc()
}

// BatchDelivered records a broadcast batch of size clicks.
func (m *Metrics) BatchDelivered(size int) {
	m.clickBatches.Inc()
	m.clicksDelivered.Add(float64(size))
}

func (m *Metrics) SendFailed() {
	m.sendFailures.Inc()
}

func (m *Metrics) SubscriberAdded() {
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	m.subscribers.Dec()
}

func (m *Metrics) ClickIngested(source string) {
	m.ingested.WithLabelValues(source).Inc()
}
