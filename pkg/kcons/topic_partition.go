package kcons

import (
	"sort"
	"strconv"
	"time"
)

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return tp.Topic + "[" + strconv.Itoa(int(tp.Partition)) + "]"
}

// Offset is a record position within a partition. Negative offsets are
// sentinels that are resolved by the consumer before fetching.
type Offset int64

const (
	// OffsetBeginning resolves to the earliest offset still in the log.
	OffsetBeginning Offset = -2
	// OffsetEnd resolves to the offset of the next record to be produced.
	OffsetEnd Offset = -1
	// OffsetStored resolves to the group's committed offset, falling back
	// to the configured reset policy if nothing is committed.
	OffsetStored Offset = -1000
	// OffsetInvalid is an unknown or unset offset.
	OffsetInvalid Offset = -1001
)

func (o Offset) String() string {
	switch o {
	case OffsetBeginning:
		return "beginning"
	case OffsetEnd:
		return "end"
	case OffsetStored:
		return "stored"
	case OffsetInvalid:
		return "invalid"
	}
	return strconv.FormatInt(int64(o), 10)
}

// IsSpecial returns whether the offset is a sentinel rather than an exact
// position.
func (o Offset) IsSpecial() bool { return o < 0 }

// TopicPartitionOffset pairs a partition with an offset. Err is set on
// results that failed for this partition only.
type TopicPartitionOffset struct {
	TopicPartition
	Offset Offset
	Err    error
}

// TopicPartitionTimestamp is a partition and a timestamp to look up with
// OffsetsForTimes.
type TopicPartitionTimestamp struct {
	TopicPartition
	Timestamp time.Time
}

func sortPartitions(tps []TopicPartition) {
	sort.Slice(tps, func(i, j int) bool {
		l, r := tps[i], tps[j]
		return l.Topic < r.Topic || l.Topic == r.Topic && l.Partition < r.Partition
	})
}

func sortPartitionOffsets(tpos []TopicPartitionOffset) {
	sort.Slice(tpos, func(i, j int) bool {
		l, r := tpos[i], tpos[j]
		return l.Topic < r.Topic || l.Topic == r.Topic && l.Partition < r.Partition
	})
}

// byTopic groups partitions per topic, each topic's partitions sorted.
func byTopic(tps []TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	for _, ps := range m {
		sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	}
	return m
}

// diffPartitions returns what is in l but not in r.
func diffPartitions(l, r []TopicPartition) []TopicPartition {
	rs := make(map[TopicPartition]struct{}, len(r))
	for _, tp := range r {
		rs[tp] = struct{}{}
	}
	var d []TopicPartition
	for _, tp := range l {
		if _, ok := rs[tp]; !ok {
			d = append(d, tp)
		}
	}
	return d
}

func millis(d time.Duration) int32 { return int32(d.Milliseconds()) }
