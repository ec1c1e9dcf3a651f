package kvictoria

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/kcons/kcons/pkg/kcons"
)

var (
	// interface checks to ensure we implement the hooks properly
	_ kcons.HookGroupJoined        = new(Metrics)
	_ kcons.HookPartitionsAssigned = new(Metrics)
	_ kcons.HookPartitionsRevoked  = new(Metrics)
	_ kcons.HookOffsetsCommitted   = new(Metrics)
	_ kcons.HookFetchBatchRead     = new(Metrics)
)

// Metrics provides metrics using the [VictoriaMetrics/metrics] library.
//
// Metrics are registered in a set of their own, which is registered for
// global exposition with vm.WritePrometheus until Unregister is called.
//
// [VictoriaMetrics/metrics]: https://github.com/VictoriaMetrics/metrics
type Metrics struct {
	namespace string
	subsystem string
	clientID  string
	byTopic   bool

	set *vm.Set
}

// Opt configures Metrics.
type Opt func(*Metrics)

// Subsystem sets the subsystem for the metrics, placed between the
// namespace and the metric name.
func Subsystem(ss string) Opt {
	return func(m *Metrics) { m.subsystem = ss }
}

// ClientLabel adds a client_id label with the given id to every metric, to
// tell apart consumers sharing a process.
func ClientLabel(id string) Opt {
	return func(m *Metrics) { m.clientID = id }
}

// FetchByTopic drops the partition label from fetch metrics, keeping one
// series per broker and topic.
func FetchByTopic() Opt {
	return func(m *Metrics) { m.byTopic = true }
}

// NewMetrics returns a new Metrics that tracks metrics under the given namespace.
func NewMetrics(namespace string, opts ...Opt) *Metrics {
	m := &Metrics{
		namespace: namespace,
		set:       vm.NewSet(),
	}
	for _, opt := range opts {
		opt(m)
	}
	vm.RegisterSet(m.set)
	return m
}

// Set returns the set metrics are registered in.
func (m *Metrics) Set() *vm.Set { return m.set }

// Unregister removes all metrics from global exposition.
func (m *Metrics) Unregister() {
	vm.UnregisterSet(m.set, true)
}

// OnGroupJoined implements the [kcons.HookGroupJoined] interface for metrics gathering.
func (m *Metrics) OnGroupJoined(group, _ string, generation int32, leader bool) {
	labels := map[string]string{"group": group, "leader": strconv.FormatBool(leader)}
	m.set.GetOrCreateCounter(m.buildName("group_joins_total", labels)).Inc()
	m.set.GetOrCreateFloatCounter(m.buildName("group_generation", map[string]string{"group": group})).Set(float64(generation))
}

// OnPartitionsAssigned implements the [kcons.HookPartitionsAssigned] interface for metrics gathering.
func (m *Metrics) OnPartitionsAssigned(group string, assigned []kcons.TopicPartition) {
	labels := map[string]string{"group": group}
	m.set.GetOrCreateFloatCounter(m.buildName("assigned_partitions", labels)).Set(float64(len(assigned)))
	m.set.GetOrCreateCounter(m.buildName("rebalances_total", labels)).Inc()
}

// OnPartitionsRevoked implements the [kcons.HookPartitionsRevoked] interface for metrics gathering.
func (m *Metrics) OnPartitionsRevoked(group string, revoked []kcons.TopicPartition, lost bool) {
	labels := map[string]string{"group": group, "lost": strconv.FormatBool(lost)}
	m.set.GetOrCreateCounter(m.buildName("revoked_partitions_total", labels)).Add(len(revoked))
	m.set.GetOrCreateFloatCounter(m.buildName("assigned_partitions", map[string]string{"group": group})).Set(0)
}

// OnOffsetsCommitted implements the [kcons.HookOffsetsCommitted] interface for metrics gathering.
func (m *Metrics) OnOffsetsCommitted(group string, offsets []kcons.TopicPartitionOffset, err error) {
	labels := map[string]string{"group": group}
	m.set.GetOrCreateCounter(m.buildName("commits_total", labels)).Inc()
	if err != nil {
		var ke *kerr.Error
		if errors.As(err, &ke) {
			labels["error_message"] = ke.Message
		}
		m.set.GetOrCreateCounter(m.buildName("commit_errors_total", labels)).Inc()
		return
	}
	m.set.GetOrCreateCounter(m.buildName("committed_partitions_total", labels)).Add(len(offsets))
}

// OnFetchBatchRead implements the [kcons.HookFetchBatchRead] interface for metrics gathering.
func (m *Metrics) OnFetchBatchRead(broker int32, tp kcons.TopicPartition, records, bytes int) {
	labels := map[string]string{
		"node_id": strconv.Itoa(int(broker)),
		"topic":   tp.Topic,
	}
	if !m.byTopic {
		labels["partition"] = strconv.FormatInt(int64(tp.Partition), 10)
	}

	m.set.GetOrCreateCounter(m.buildName("fetch_bytes_total", labels)).Add(bytes)
	m.set.GetOrCreateCounter(m.buildName("fetch_batches_total", labels)).Inc()
	m.set.GetOrCreateCounter(m.buildName("fetch_records_total", labels)).Add(records)
	m.set.GetOrCreateHistogram(m.buildName("fetch_batch_records", map[string]string{"topic": tp.Topic})).Update(float64(records))
}

// buildName constructs a metric name for the VictoriaMetrics metrics library.
//
// The library expects the user to create a metric for each and every variation of a metric
// by providing the full name, including labels: there is no equivalent to the *Vec variants
// in the official Prometheus client.
//
// Labels are written sorted, with the client label added if configured.
func (m *Metrics) buildName(name string, labels map[string]string) string {
	var builder strings.Builder

	if m.namespace != "" {
		builder.WriteString(m.namespace + "_")
	}
	if m.subsystem != "" {
		builder.WriteString(m.subsystem + "_")
	}
	builder.WriteString(name)

	if m.clientID != "" {
		withClient := make(map[string]string, len(labels)+1)
		for k, v := range labels {
			withClient[k] = v
		}
		withClient["client_id"] = m.clientID
		labels = withClient
	}

	labelNames := make([]string, 0, len(labels))
	for name := range labels {
		labelNames = append(labelNames, name)
	}
	sort.Strings(labelNames)

	if len(labels) > 0 {
		builder.WriteRune('{')
		for i, name := range labelNames {
			builder.WriteString(name)
			builder.WriteRune('=')
			builder.WriteString(strconv.Quote(labels[name]))
			if i+1 < len(labelNames) {
				builder.WriteRune(',')
			}
		}
		builder.WriteRune('}')
	}

	return builder.String()
}
