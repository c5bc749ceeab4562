// Package metrics exposes scheduler activity as Prometheus collectors. The collectors are
// fed by the store's transition events and by hooks in the scheduler, router, sweeper and
// cron engine.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meridian/internal/domain"
)

const namespace = "meridian"

type Metrics struct {
	reg         *prometheus.Registry
	transitions *prometheus.CounterVec
	claims      *prometheus.CounterVec
	reclaimed   prometheus.Counter
	stale       prometheus.Counter
	reroutes    *prometheus.CounterVec
	cron        *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
}

// New registers all collectors, plus the Go and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transitions_total",
			Help: "Instance status transitions.",
		}, []string{"from", "to"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total",
			Help: "Instances claimed by this scheduler.",
		}, []string{"region"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reclaimed_total",
			Help: "Expired leases reclaimed by the sweeper.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_reports_total",
			Help: "Status reports discarded because the lease was lost.",
		}),
		reroutes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reroutes_total",
			Help: "Instances routed to a backup region.",
		}, []string{"from", "to"}),
		cron: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cron_instances_total",
			Help: "Instances materialized by the cron engine.",
		}, []string{"catch_up"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Entries waiting per queue.",
		}, []string{"queue"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.claims, m.reclaimed, m.stale, m.reroutes, m.cron, m.queueDepth,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// OnTransition counts a committed status transition.
func (m *Metrics) OnTransition(t domain.Transition) {
	from := string(t.From)
	if from == "" {
		from = "NEW"
	}
	m.transitions.WithLabelValues(from, string(t.To)).Inc()
}

func (m *Metrics) Claimed(region string, n int) {
	m.claims.WithLabelValues(region).Add(float64(n))
}

func (m *Metrics) Reclaimed(n int) { m.reclaimed.Add(float64(n)) }

func (m *Metrics) StaleReport() { m.stale.Inc() }

func (m *Metrics) Rerouted(from, to string) { m.reroutes.WithLabelValues(from, to).Inc() }

func (m *Metrics) CronMaterialized(catchUp bool, n int) {
	m.cron.WithLabelValues(strconv.FormatBool(catchUp)).Add(float64(n))
}

func (m *Metrics) QueueDepths(depths map[string]int) {
	for q, n := range depths {
		m.queueDepth.WithLabelValues(q).Set(float64(n))
	}
}
