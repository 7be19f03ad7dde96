package pva

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ContextCollector exports a Context's counters to Prometheus. Register
// it with a prometheus.Registerer; all values come from atomics, so
// Collect never touches the worker loop.
type ContextCollector struct {
	ctx *Context

	channelsLive *prometheus.Desc
	connsLive    *prometheus.Desc
	opsActive    *prometheus.Desc
	opsCompleted *prometheus.Desc
	searchesSent *prometheus.Desc
	discoverers  *prometheus.Desc
}

func NewContextCollector(ctx *Context) *ContextCollector {
	return &ContextCollector{
		ctx: ctx,

		channelsLive: prometheus.NewDesc(
			"pva_client_channels",
			"Number of cached client channels",
			nil, nil,
		),
		connsLive: prometheus.NewDesc(
			"pva_client_connections",
			"Number of established server connections",
			nil, nil,
		),
		opsActive: prometheus.NewDesc(
			"pva_client_operations_inflight",
			"Number of operations not yet terminal",
			nil, nil,
		),
		opsCompleted: prometheus.NewDesc(
			"pva_client_operations_completed_total",
			"Total number of operations reaching the terminal state",
			nil, nil,
		),
		searchesSent: prometheus.NewDesc(
			"pva_client_searches_sent_total",
			"Total number of search frames built for the search destinations",
			nil, nil,
		),
		discoverers: prometheus.NewDesc(
			"pva_client_discoverers",
			"Number of active discovery operations",
			nil, nil,
		),
	}
}

func (cc *ContextCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cc.channelsLive
	ch <- cc.connsLive
	ch <- cc.opsActive
	ch <- cc.opsCompleted
	ch <- cc.searchesSent
	ch <- cc.discoverers
}

func (cc *ContextCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		cc.channelsLive,
		prometheus.GaugeValue,
		float64(cc.ctx.channelsLive.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		cc.connsLive,
		prometheus.GaugeValue,
		float64(cc.ctx.connsLive.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		cc.opsActive,
		prometheus.GaugeValue,
		float64(cc.ctx.opsActive.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		cc.opsCompleted,
		prometheus.CounterValue,
		float64(cc.ctx.opsCompleted.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		cc.searchesSent,
		prometheus.CounterValue,
		float64(cc.ctx.searchesSent.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		cc.discoverers,
		prometheus.GaugeValue,
		float64(cc.ctx.discoverersN.Load()),
	)
}
