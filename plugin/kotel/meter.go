package kotel

import (
	"context"
	"log"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/kcons/kcons/pkg/kcons"
)

var ( // interface checks to ensure we implement the hooks properly
	_ kcons.HookGroupJoined        = new(Meter)
	_ kcons.HookPartitionsAssigned = new(Meter)
	_ kcons.HookPartitionsRevoked  = new(Meter)
	_ kcons.HookOffsetsCommitted   = new(Meter)
	_ kcons.HookFetchBatchRead     = new(Meter)
)

const (
	dimensionless = "1"
	bytes         = "By"
)

// Meter records consumer metrics through kcons hooks.
type Meter struct {
	provider    metric.MeterProvider
	meter       metric.Meter
	instruments instruments
}

// MeterOpt interface used for setting optional config properties.
type MeterOpt interface {
	apply(*Meter)
}

type meterOptFunc func(*Meter)

func (o meterOptFunc) apply(m *Meter) { o(m) }

// MeterProvider takes a metric.MeterProvider and applies it to the Meter.
// If none is specified, the global provider is used.
func MeterProvider(provider metric.MeterProvider) MeterOpt {
	return meterOptFunc(func(m *Meter) {
		if provider != nil {
			m.provider = provider
		}
	})
}

// NewMeter returns a Meter.
func NewMeter(opts ...MeterOpt) *Meter {
	m := &Meter{}
	for _, opt := range opts {
		opt.apply(m)
	}
	if m.provider == nil {
		m.provider = otel.GetMeterProvider()
	}
	m.meter = m.provider.Meter(
		instrumentationName,
		metric.WithInstrumentationVersion(SemVersion()),
		metric.WithSchemaURL(semconv.SchemaURL),
	)
	m.instruments = m.newInstruments()
	return m
}

// instruments ---------------------------------------------------------------

type instruments struct {
	joins      metric.Int64Counter
	assigned   metric.Int64UpDownCounter
	revoked    metric.Int64Counter
	commits    metric.Int64Counter
	commitErrs metric.Int64Counter

	fetchBytes   metric.Int64Counter
	fetchRecords metric.Int64Counter
}

func (m *Meter) newInstruments() instruments {
	joins, err := m.meter.Int64Counter(
		"messaging.kafka.group_joins.count",
		metric.WithUnit(dimensionless),
		metric.WithDescription("Total number of group generations joined, by group"),
	)
	if err != nil {
		log.Printf("failed to create joins instrument, %v", err)
	}

	assigned, err := m.meter.Int64UpDownCounter(
		"messaging.kafka.assigned_partitions",
		metric.WithUnit(dimensionless),
		metric.WithDescription("Number of partitions currently assigned, by group"),
	)
	if err != nil {
		log.Printf("failed to create assigned instrument, %v", err)
	}

	revoked, err := m.meter.Int64Counter(
		"messaging.kafka.revoked_partitions.count",
		metric.WithUnit(dimensionless),
		metric.WithDescription("Total number of partitions revoked, by group and whether they were lost"),
	)
	if err != nil {
		log.Printf("failed to create revoked instrument, %v", err)
	}

	commits, err := m.meter.Int64Counter(
		"messaging.kafka.commits.count",
		metric.WithUnit(dimensionless),
		metric.WithDescription("Total number of offset commits, by group"),
	)
	if err != nil {
		log.Printf("failed to create commits instrument, %v", err)
	}

	commitErrs, err := m.meter.Int64Counter(
		"messaging.kafka.commit_errors.count",
		metric.WithUnit(dimensionless),
		metric.WithDescription("Total number of failed offset commits, by group"),
	)
	if err != nil {
		log.Printf("failed to create commitErrs instrument, %v", err)
	}

	fetchBytes, err := m.meter.Int64Counter(
		"messaging.kafka.fetch_bytes.count",
		metric.WithUnit(bytes),
		metric.WithDescription("Total number of bytes fetched, by broker and topic"),
	)
	if err != nil {
		log.Printf("failed to create fetchBytes instrument, %v", err)
	}

	fetchRecords, err := m.meter.Int64Counter(
		"messaging.kafka.fetch_records.count",
		metric.WithUnit(dimensionless),
		metric.WithDescription("Total number of records fetched, by broker and topic"),
	)
	if err != nil {
		log.Printf("failed to create fetchRecords instrument, %v", err)
	}

	return instruments{
		joins:      joins,
		assigned:   assigned,
		revoked:    revoked,
		commits:    commits,
		commitErrs: commitErrs,

		fetchBytes:   fetchBytes,
		fetchRecords: fetchRecords,
	}
}

// Hooks ---------------------------------------------------------------------

func (m *Meter) OnGroupJoined(group, _ string, _ int32, leader bool) {
	m.instruments.joins.Add(
		context.Background(),
		1,
		metric.WithAttributes(
			attribute.String("group", group),
			attribute.Bool("leader", leader),
		),
	)
}

func (m *Meter) OnPartitionsAssigned(group string, assigned []kcons.TopicPartition) {
	m.instruments.assigned.Add(
		context.Background(),
		int64(len(assigned)),
		metric.WithAttributes(attribute.String("group", group)),
	)
}

func (m *Meter) OnPartitionsRevoked(group string, revoked []kcons.TopicPartition, lost bool) {
	m.instruments.assigned.Add(
		context.Background(),
		-int64(len(revoked)),
		metric.WithAttributes(attribute.String("group", group)),
	)
	m.instruments.revoked.Add(
		context.Background(),
		int64(len(revoked)),
		metric.WithAttributes(
			attribute.String("group", group),
			attribute.Bool("lost", lost),
		),
	)
}

func (m *Meter) OnOffsetsCommitted(group string, _ []kcons.TopicPartitionOffset, err error) {
	attrs := metric.WithAttributes(attribute.String("group", group))
	if err != nil {
		m.instruments.commitErrs.Add(context.Background(), 1, attrs)
		return
	}
	m.instruments.commits.Add(context.Background(), 1, attrs)
}

func (m *Meter) OnFetchBatchRead(broker int32, tp kcons.TopicPartition, records, bytes int) {
	attrs := metric.WithAttributes(
		attribute.String("node_id", strconv.Itoa(int(broker))),
		attribute.String("topic", tp.Topic),
	)
	m.instruments.fetchBytes.Add(context.Background(), int64(bytes), attrs)
	m.instruments.fetchRecords.Add(context.Background(), int64(records), attrs)
}
