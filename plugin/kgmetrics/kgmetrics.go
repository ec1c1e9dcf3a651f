// Package kgmetrics provides rcrowley/go-metrics drop-in metrics for a kcons
// consumer.
//
// This package tracks the following metrics under the following names:
//
//	group.<group>.joins                          (meter)
//	group.<group>.generation                     (gauge)
//	group.<group>.assigned_partitions            (gauge)
//	group.<group>.revoked_partitions             (meter)
//	group.<group>.lost_partitions                (meter)
//	group.<group>.commits                        (meter)
//	group.<group>.commit_errors                  (meter)
//	broker.<id>.topic.<topic>.fetch_bytes        (meter)
//	broker.<id>.topic.<topic>.fetch_records      (meter)
//	broker.<id>.topic.<topic>.fetch_batch_records (histogram)
//
// The metrics can be prefixed with the NamePrefix option.
//
// This can be used in a consumer like so:
//
//	m := kgmetrics.NewMetrics()
//	c, err := kcons.NewConsumer(
//	        kcons.WithHooks(m),
//	        // ...other opts
//	)
//
// By default, metrics are installed under the DefaultRegistry, but this can
// be overridden with the Registry option.
package kgmetrics

import (
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"

	"github.com/kcons/kcons/pkg/kcons"
)

var ( // interface checks to ensure we implement the hooks properly
	_ kcons.HookGroupJoined        = new(Metrics)
	_ kcons.HookPartitionsAssigned = new(Metrics)
	_ kcons.HookPartitionsRevoked  = new(Metrics)
	_ kcons.HookOffsetsCommitted   = new(Metrics)
	_ kcons.HookFetchBatchRead     = new(Metrics)
)

// Metrics provides rcrowley/go-metrics.
type Metrics struct {
	reg        metrics.Registry
	namePrefix string

	groups  sync.Map // group => *group
	brokers sync.Map // broker => *sync.Map of topic => *brokerTopic
}

// Registry returns the registry that metrics were added to.
func (m *Metrics) Registry() metrics.Registry {
	return m.reg
}

type group struct {
	joins      metrics.Meter
	generation metrics.Gauge
	assigned   metrics.Gauge
	revoked    metrics.Meter
	lost       metrics.Meter
	commits    metrics.Meter
	commitErrs metrics.Meter
}

type brokerTopic struct {
	fetchBytes   metrics.Meter
	fetchRecords metrics.Meter
	batchRecords metrics.Histogram
}

// Opt applies options to further tune how metrics are gathered.
type Opt interface {
	apply(*Metrics)
}

type opt struct{ fn func(*Metrics) }

func (o opt) apply(m *Metrics) { o.fn(m) }

// Registry sets the registry to add metrics to, rather than metrics.DefaultRegistry.
func Registry(reg metrics.Registry) Opt {
	return opt{func(m *Metrics) { m.reg = reg }}
}

// NamePrefix sets configures all register names to be prefixed with this
// value.
func NamePrefix(prefix string) Opt {
	return opt{func(m *Metrics) { m.namePrefix = prefix }}
}

// NewMetrics returns a new Metrics.
func NewMetrics(opts ...Opt) *Metrics {
	m := &Metrics{
		reg: metrics.DefaultRegistry,
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	return m
}

func (m *Metrics) loadGroup(name string) *group {
	gi, ok := m.groups.Load(name)
	if !ok {
		metric := func(metric string) string {
			return fmt.Sprintf("%sgroup.%s.%s", m.namePrefix, name, metric)
		}
		g := &group{
			joins:      metrics.GetOrRegisterMeter(metric("joins"), m.reg),
			generation: metrics.GetOrRegisterGauge(metric("generation"), m.reg),
			assigned:   metrics.GetOrRegisterGauge(metric("assigned_partitions"), m.reg),
			revoked:    metrics.GetOrRegisterMeter(metric("revoked_partitions"), m.reg),
			lost:       metrics.GetOrRegisterMeter(metric("lost_partitions"), m.reg),
			commits:    metrics.GetOrRegisterMeter(metric("commits"), m.reg),
			commitErrs: metrics.GetOrRegisterMeter(metric("commit_errors"), m.reg),
		}
		gi, _ = m.groups.LoadOrStore(name, g)
	}
	return gi.(*group)
}

func (m *Metrics) loadTopic(broker int32, topic string) *brokerTopic {
	bi, ok := m.brokers.Load(broker)
	if !ok {
		bi, _ = m.brokers.LoadOrStore(broker, new(sync.Map))
	}
	topics := bi.(*sync.Map)
	ti, ok := topics.Load(topic)
	if !ok {
		name := func(metric string) string {
			return fmt.Sprintf("%sbroker.%d.topic.%s.%s",
				m.namePrefix,
				broker,
				topic,
				metric,
			)
		}
		t := &brokerTopic{
			fetchBytes:   metrics.GetOrRegisterMeter(name("fetch_bytes"), m.reg),
			fetchRecords: metrics.GetOrRegisterMeter(name("fetch_records"), m.reg),
			batchRecords: metrics.GetOrRegisterHistogram(name("fetch_batch_records"), m.reg, metrics.NewExpDecaySample(1028, 0.015)),
		}
		ti, _ = topics.LoadOrStore(topic, t)
	}
	return ti.(*brokerTopic)
}

func (m *Metrics) OnGroupJoined(group, _ string, generation int32, _ bool) {
	g := m.loadGroup(group)
	g.joins.Mark(1)
	g.generation.Update(int64(generation))
}

func (m *Metrics) OnPartitionsAssigned(group string, assigned []kcons.TopicPartition) {
	m.loadGroup(group).assigned.Update(int64(len(assigned)))
}

func (m *Metrics) OnPartitionsRevoked(group string, revoked []kcons.TopicPartition, lost bool) {
	g := m.loadGroup(group)
	if lost {
		g.lost.Mark(int64(len(revoked)))
	} else {
		g.revoked.Mark(int64(len(revoked)))
	}
	g.assigned.Update(0)
}

func (m *Metrics) OnOffsetsCommitted(group string, _ []kcons.TopicPartitionOffset, err error) {
	g := m.loadGroup(group)
	g.commits.Mark(1)
	if err != nil {
		g.commitErrs.Mark(1)
	}
}

func (m *Metrics) OnFetchBatchRead(broker int32, tp kcons.TopicPartition, records, bytes int) {
	t := m.loadTopic(broker, tp.Topic)
	t.fetchBytes.Mark(int64(bytes))
	t.fetchRecords.Mark(int64(records))
	t.batchRecords.Update(int64(records))
}
