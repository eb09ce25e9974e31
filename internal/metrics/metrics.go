// Package metrics defines the Prometheus collectors for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MQTTConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_connects_total",
		Help: "Count of MQTT broker connections.",
	})

	MQTTDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_disconnects_total",
		Help: "Count of MQTT broker disconnections.",
	})

	MQTTPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_publishes_total",
		Help: "Count of published plate messages.",
	}, []string{"watched"})

	ProcessedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "processed_events_total",
		Help: "Number of ingested events categorised by result.",
	}, []string{"result"})

	EngineCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_calls_total",
		Help: "Recognition engine calls by engine.",
	}, []string{"engine"})

	EngineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_errors_total",
		Help: "Terminal recognition failures by error class.",
	}, []string{"class"})

	HTTPRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_request_duration_seconds",
		Help: "Outbound HTTP request duration.",
	}, []string{"service", "operation"})

	TrackedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "current_events_tracked",
		Help: "Number of events currently tracked.",
	})

	DBWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_writes_total",
		Help: "Database write operations by status.",
	}, []string{"status"})
)
