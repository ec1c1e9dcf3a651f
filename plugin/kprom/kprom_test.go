package kprom

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kcons/kcons/pkg/kcons"
)

func TestHooks(t *testing.T) {
	m := NewMetrics("kcons")

	m.OnGroupJoined("g", "member-1", 5, true)
	m.OnPartitionsAssigned("g", []kcons.TopicPartition{{Topic: "t", Partition: 0}, {Topic: "t", Partition: 1}})
	m.OnFetchBatchRead(1, kcons.TopicPartition{Topic: "t", Partition: 0}, 10, 1000)
	m.OnFetchBatchRead(1, kcons.TopicPartition{Topic: "t", Partition: 1}, 5, 500)
	m.OnOffsetsCommitted("g", []kcons.TopicPartitionOffset{
		{TopicPartition: kcons.TopicPartition{Topic: "t", Partition: 0}, Offset: 10},
		{TopicPartition: kcons.TopicPartition{Topic: "t", Partition: 1}, Offset: 5, Err: kcons.ErrCommitFailed},
	}, kcons.ErrCommitFailed)
	m.OnOffsetsCommitted("g", nil, errors.New("unreachable"))
	m.OnPartitionsRevoked("g", []kcons.TopicPartition{{Topic: "t", Partition: 0}, {Topic: "t", Partition: 1}}, true)

	for _, check := range []struct {
		name string
		got  float64
		want float64
	}{
		{"joins", testutil.ToFloat64(m.joins.WithLabelValues("g", "true")), 1},
		{"generation", testutil.ToFloat64(m.generation.WithLabelValues("g")), 5},
		{"assigned", testutil.ToFloat64(m.assigned.WithLabelValues("g")), 0},
		{"revoked lost", testutil.ToFloat64(m.revoked.WithLabelValues("g", "true")), 2},
		{"commits", testutil.ToFloat64(m.commits.WithLabelValues("g")), 2},
		{"commit errors", testutil.ToFloat64(m.commitErrs.WithLabelValues("g")), 2},
		{"committed partitions", testutil.ToFloat64(m.committedPartits.WithLabelValues("g")), 1},
		{"fetch bytes", testutil.ToFloat64(m.fetchBytes.WithLabelValues("1", "t")), 1500},
		{"fetch records", testutil.ToFloat64(m.fetchRecords.WithLabelValues("1", "t")), 15},
	} {
		if check.got != check.want {
			t.Errorf("%s: got %v, want %v", check.name, check.got, check.want)
		}
	}

	if n := testutil.CollectAndCount(m.batchRecords); n != 1 {
		t.Errorf("batch records histogram series: got %d, want 1", n)
	}
}
