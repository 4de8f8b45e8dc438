package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics глобальный контейнер метрик
type Metrics struct {
	// RPC метрики
	RPCRequestsTotal    *prometheus.CounterVec
	RPCRequestDuration  *prometheus.HistogramVec
	RPCRequestsInFlight prometheus.Gauge

	// Метрики пула инстансов
	InstancesRunning      prometheus.Gauge
	InstanceLaunchesTotal *prometheus.CounterVec
	PoolLoad              prometheus.Gauge

	// Метрики fan-out
	PeerForwardsTotal *prometheus.CounterVec

	// Информация о сервисе
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics инициализирует метрики
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		RPCRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rpc_requests_total",
				Help:      "Total number of RPC requests",
			},
			[]string{"method", "code"},
		),

		RPCRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rpc_request_duration_seconds",
				Help:      "Duration of RPC requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),

		RPCRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rpc_requests_in_flight",
				Help:      "Current number of RPC requests being processed",
			},
		),

		InstancesRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "instances_running",
				Help:      "Number of running worker instances",
			},
		),

		InstanceLaunchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "instance_launches_total",
				Help:      "Total number of instance launch attempts",
			},
			[]string{"status"},
		),

		PoolLoad: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "pool_load",
				Help:      "Current pool load (running / max_instances)",
			},
		),

		PeerForwardsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "peer_forwards_total",
				Help:      "Total number of requests forwarded to peer gateways",
			},
			[]string{"peer", "status"},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Default возвращает инициализированный контейнер или nil
func Default() *Metrics {
	return defaultMetrics
}

// Handler возвращает HTTP handler для /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRPC учитывает завершённый RPC запрос; nil-safe
func ObserveRPC(method string, code int, duration time.Duration) {
	if defaultMetrics == nil {
		return
	}
	defaultMetrics.RPCRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	defaultMetrics.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RPCInFlight учитывает запрос в обработке; nil-safe
func RPCInFlight(delta float64) {
	if defaultMetrics == nil {
		return
	}
	defaultMetrics.RPCRequestsInFlight.Add(delta)
}

// SetPool обновляет метрики пула; nil-safe
func SetPool(running int, load float64) {
	if defaultMetrics == nil {
		return
	}
	defaultMetrics.InstancesRunning.Set(float64(running))
	defaultMetrics.PoolLoad.Set(load)
}

// IncLaunch учитывает попытку запуска инстанса; nil-safe
func IncLaunch(status string) {
	if defaultMetrics == nil {
		return
	}
	defaultMetrics.InstanceLaunchesTotal.WithLabelValues(status).Inc()
}

// IncPeerForward учитывает попытку пересылки peer'у; nil-safe
func IncPeerForward(peer, status string) {
	if defaultMetrics == nil {
		return
	}
	defaultMetrics.PeerForwardsTotal.WithLabelValues(peer, status).Inc()
}

// SetServiceInfo выставляет информацию о сервисе; nil-safe
func SetServiceInfo(version, environment string) {
	if defaultMetrics == nil {
		return
	}
	defaultMetrics.ServiceInfo.WithLabelValues(version, environment).Set(1)
}
