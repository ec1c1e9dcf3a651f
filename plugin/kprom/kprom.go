// Package kprom provides prometheus plug-in metrics for a kcons consumer.
//
// This package tracks the following metrics under the following names:
//
//	#{ns}_group_joins_total{group="#{group}",leader="true|false"}
//	#{ns}_group_generation{group="#{group}"}
//	#{ns}_assigned_partitions{group="#{group}"}
//	#{ns}_revoked_partitions_total{group="#{group}",lost="true|false"}
//	#{ns}_commits_total{group="#{group}"}
//	#{ns}_commit_errors_total{group="#{group}"}
//	#{ns}_committed_partitions_total{group="#{group}"}
//	#{ns}_fetch_bytes_total{node_id="#{node}",topic="#{topic}"}
//	#{ns}_fetch_records_total{node_id="#{node}",topic="#{topic}"}
//	#{ns}_fetch_batch_records{topic="#{topic}"} (histogram)
//
// This can be used in a consumer like so:
//
//	m := kprom.NewMetrics("kcons")
//	c, err := kcons.NewConsumer(
//	        kcons.WithHooks(m),
//	        // ...other opts
//	)
//
// By default, metrics are installed under a new prometheus registry, but
// this can be overridden with the Registry option.
package kprom

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kcons/kcons/pkg/kcons"
)

var ( // interface checks to ensure we implement the hooks properly
	_ kcons.HookGroupJoined        = new(Metrics)
	_ kcons.HookPartitionsAssigned = new(Metrics)
	_ kcons.HookPartitionsRevoked  = new(Metrics)
	_ kcons.HookOffsetsCommitted   = new(Metrics)
	_ kcons.HookFetchBatchRead     = new(Metrics)
)

// Metrics provides prometheus metrics to a given registry.
type Metrics struct {
	cfg cfg

	joins      *prometheus.CounterVec
	generation *prometheus.GaugeVec
	assigned   *prometheus.GaugeVec
	revoked    *prometheus.CounterVec

	commits          *prometheus.CounterVec
	commitErrs       *prometheus.CounterVec
	committedPartits *prometheus.CounterVec

	fetchBytes   *prometheus.CounterVec
	fetchRecords *prometheus.CounterVec
	batchRecords *prometheus.HistogramVec
}

// Registry returns the prometheus registry that metrics were added to.
//
// This is useful if you want the Metrics type to create its own registry for
// you to add additional metrics to.
func (m *Metrics) Registry() prometheus.Registerer {
	return m.cfg.reg
}

// Handler returns an http.Handler providing prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.cfg.gatherer, m.cfg.handlerOpts)
}

type cfg struct {
	namespace string

	reg      prometheus.Registerer
	gatherer prometheus.Gatherer

	handlerOpts  promhttp.HandlerOpts
	goCollectors bool
}

// RegistererGatherer is a registry that both registers and gathers.
type RegistererGatherer interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// Opt applies options to further tune how prometheus metrics are gathered or
// which metrics to use.
type Opt interface {
	apply(*cfg)
}

type opt struct{ fn func(*cfg) }

func (o opt) apply(c *cfg) { o.fn(c) }

// Registry sets the registerer and gatherer to add metrics to, rather than a
// new registry.
func Registry(rg RegistererGatherer) Opt {
	return opt{func(c *cfg) {
		c.reg = rg
		c.gatherer = rg
	}}
}

// Registerer sets the registerer to add metrics to, rather than a new registry.
func Registerer(reg prometheus.Registerer) Opt {
	return opt{func(c *cfg) { c.reg = reg }}
}

// Gatherer sets the gatherer to gather metrics from, rather than a new registry.
func Gatherer(gatherer prometheus.Gatherer) Opt {
	return opt{func(c *cfg) { c.gatherer = gatherer }}
}

// GoCollectors adds the prometheus.NewProcessCollector and
// prometheus.NewGoCollector collectors the the Metric's registry.
func GoCollectors() Opt {
	return opt{func(c *cfg) { c.goCollectors = true }}
}

// HandlerOpts sets handler options to use if you wish you use the
// Metrics.Handler function.
func HandlerOpts(opts promhttp.HandlerOpts) Opt {
	return opt{func(c *cfg) { c.handlerOpts = opts }}
}

// NewMetrics returns a new Metrics that adds prometheus metrics to the
// registry under the given namespace.
func NewMetrics(namespace string, opts ...Opt) *Metrics {
	var regGatherer RegistererGatherer = prometheus.NewRegistry()
	cfg := cfg{
		namespace: namespace,
		reg:       regGatherer,
		gatherer:  regGatherer,
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	if cfg.goCollectors {
		cfg.reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
		cfg.reg.MustRegister(prometheus.NewGoCollector())
	}

	factory := promauto.With(cfg.reg)

	return &Metrics{
		cfg: cfg,

		// group membership

		joins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_joins_total",
			Help:      "Total number of group generations joined, by group and whether this member led",
		}, []string{"group", "leader"}),

		generation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_generation",
			Help:      "Current group generation, by group",
		}, []string{"group"}),

		assigned: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assigned_partitions",
			Help:      "Number of partitions currently assigned, by group",
		}, []string{"group"}),

		revoked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revoked_partitions_total",
			Help:      "Total number of partitions revoked, by group and whether they were lost",
		}, []string{"group", "lost"}),

		// commits

		commits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Total number of offset commit round trips, by group",
		}, []string{"group"}),

		commitErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_errors_total",
			Help:      "Total number of failed offset commits, by group",
		}, []string{"group"}),

		committedPartits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_partitions_total",
			Help:      "Total number of partition offsets successfully committed, by group",
		}, []string{"group"}),

		// fetch

		fetchBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Total number of bytes fetched, by broker and topic",
		}, []string{"node_id", "topic"}),

		fetchRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_records_total",
			Help:      "Total number of records fetched, by broker and topic",
		}, []string{"node_id", "topic"}),

		batchRecords: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_batch_records",
			Help:      "Number of records per partition in a fetch response, by topic",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"topic"}),
	}
}

// OnGroupJoined implements kcons.HookGroupJoined.
func (m *Metrics) OnGroupJoined(group, _ string, generation int32, leader bool) {
	m.joins.WithLabelValues(group, strconv.FormatBool(leader)).Inc()
	m.generation.WithLabelValues(group).Set(float64(generation))
}

// OnPartitionsAssigned implements kcons.HookPartitionsAssigned.
func (m *Metrics) OnPartitionsAssigned(group string, assigned []kcons.TopicPartition) {
	m.assigned.WithLabelValues(group).Set(float64(len(assigned)))
}

// OnPartitionsRevoked implements kcons.HookPartitionsRevoked.
func (m *Metrics) OnPartitionsRevoked(group string, revoked []kcons.TopicPartition, lost bool) {
	m.revoked.WithLabelValues(group, strconv.FormatBool(lost)).Add(float64(len(revoked)))
	m.assigned.WithLabelValues(group).Set(0)
}

// OnOffsetsCommitted implements kcons.HookOffsetsCommitted.
func (m *Metrics) OnOffsetsCommitted(group string, offsets []kcons.TopicPartitionOffset, err error) {
	m.commits.WithLabelValues(group).Inc()
	if err != nil {
		m.commitErrs.WithLabelValues(group).Inc()
	}
	var ok int
	for _, o := range offsets {
		if o.Err == nil {
			ok++
		}
	}
	if err == nil || ok > 0 {
		m.committedPartits.WithLabelValues(group).Add(float64(ok))
	}
}

// OnFetchBatchRead implements kcons.HookFetchBatchRead.
func (m *Metrics) OnFetchBatchRead(broker int32, tp kcons.TopicPartition, records, bytes int) {
	node := strconv.Itoa(int(broker))
	m.fetchBytes.WithLabelValues(node, tp.Topic).Add(float64(bytes))
	m.fetchRecords.WithLabelValues(node, tp.Topic).Add(float64(records))
	m.batchRecords.WithLabelValues(tp.Topic).Observe(float64(records))
}
