// Package metrics содержит счетчики Prometheus моста.
// До вызова Init все функции ничего не делают, поэтому тесты пакетов их не регистрируют.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "farmstack_bridge_"

var (
	registerOnce sync.Once

	commandsIssued  prometheus.Counter
	commandsTracked prometheus.Counter
	commandResults  *prometheus.CounterVec
	commandRetries  prometheus.Counter
	ackLatency      prometheus.Histogram
	orphanAcks      prometheus.Counter
	pendingCommands prometheus.Gauge
	evictions       prometheus.Counter

	incidents      *prometheus.CounterVec
	inbound        *prometheus.CounterVec
	droppedInbound *prometheus.CounterVec
	busPublishes   *prometheus.CounterVec
)

// Init регистрирует метрики в DefaultRegisterer
func Init() {
	registerOnce.Do(func() {
		commandsIssued = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "commands_issued_total",
			Help: "Commands issued through the gateway",
		})
		commandsTracked = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "commands_tracked_total",
			Help: "Commands registered in the pending table, own and observed",
		})
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Command outcomes by status",
			},
			[]string{"status"},
		)
		commandRetries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "command_retries_total",
			Help: "Commands republished after an ack timeout",
		})
		ackLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "ack_latency_seconds",
			Help:    "Time from publish to matching ack",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 3, 5, 10},
		})
		orphanAcks = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "orphan_acks_total",
			Help: "Acks that matched no pending command",
		})
		pendingCommands = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "pending_commands",
			Help: "Commands currently awaiting an ack",
		})
		evictions = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "pending_evictions_total",
			Help: "Observed commands evicted from a full pending table",
		})
		incidents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "incidents_total",
				Help: "Incidents raised by type",
			},
			[]string{"type"},
		)
		inbound = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "inbound_messages_total",
				Help: "Inbound MQTT messages by kind",
			},
			[]string{"kind"},
		)
		droppedInbound = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "inbound_dropped_total",
				Help: "Inbound MQTT messages dropped by reason",
			},
			[]string{"reason"},
		)
		busPublishes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bus_publishes_total",
				Help: "Downstream bus publishes by channel and result",
			},
			[]string{"channel", "result"},
		)

		prometheus.MustRegister(
			commandsIssued,
			commandsTracked,
			commandResults,
			commandRetries,
			ackLatency,
			orphanAcks,
			pendingCommands,
			evictions,
			incidents,
			inbound,
			droppedInbound,
			busPublishes,
		)
	})
}

// Handler возвращает обработчик /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncCommandIssued() {
	if commandsIssued != nil {
		commandsIssued.Inc()
	}
}

func IncCommandTracked() {
	if commandsTracked != nil {
		commandsTracked.Inc()
	}
}

// IncCommandResult увеличивает счетчик итогов команд
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

func IncCommandRetry() {
	if commandRetries != nil {
		commandRetries.Inc()
	}
}

// ObserveAckLatency записывает задержку подтверждения
func ObserveAckLatency(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	if ackLatency != nil {
		ackLatency.Observe(latency.Seconds())
	}
}

func IncOrphanAck() {
	if orphanAcks != nil {
		orphanAcks.Inc()
	}
}

func SetPending(n int) {
	if pendingCommands != nil {
		pendingCommands.Set(float64(n))
	}
}

func IncEviction() {
	if evictions != nil {
		evictions.Inc()
	}
}

// IncIncident увеличивает счетчик инцидентов по типу
func IncIncident(typ string) {
	if typ == "" {
		typ = "unknown"
	}
	if incidents != nil {
		incidents.WithLabelValues(typ).Inc()
	}
}

// IncInbound увеличивает счетчик входящих сообщений по типу
func IncInbound(kind string) {
	if inbound != nil {
		inbound.WithLabelValues(kind).Inc()
	}
}

// IncDropped увеличивает счетчик отброшенных входящих сообщений
func IncDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if droppedInbound != nil {
		droppedInbound.WithLabelValues(reason).Inc()
	}
}

// ObserveBusPublish учитывает публикацию в шину
func ObserveBusPublish(channel string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	if busPublishes != nil {
		busPublishes.WithLabelValues(channel, result).Inc()
	}
}
