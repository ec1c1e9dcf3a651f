package kcons

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ParseConfigMap converts Kafka style properties into options. Recognized
// keys are:
//
//	group.id, group.instance.id, client.id
//	session.timeout.ms, heartbeat.interval.ms, max.poll.interval.ms
//	auto.offset.reset (earliest, latest, error)
//	enable.auto.commit, auto.commit.interval.ms, enable.auto.offset.store
//	partition.assignment.strategy (comma separated range, roundrobin)
//	fetch.max.bytes, max.partition.fetch.bytes, fetch.min.bytes
//	fetch.wait.max.ms, retry.backoff.ms, statistics.interval.ms
//	enable.partition.eof
//
// Byte sizes accept plain integers or humanized sizes ("1MiB", "500kB").
// Any other key is an error, as is any unparseable value.
func ParseConfigMap(m map[string]string) ([]Opt, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var opts []Opt
	for _, k := range keys {
		v := strings.TrimSpace(m[k])
		opt, err := parseConfigKey(k, v)
		if err != nil {
			return nil, fmt.Errorf("config %s=%q: %w", k, v, err)
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

func parseConfigKey(k, v string) (Opt, error) {
	switch k {
	case "group.id":
		return ConsumerGroup(v), nil
	case "group.instance.id":
		return InstanceID(v), nil
	case "client.id":
		return ClientID(v), nil

	case "session.timeout.ms":
		return withMillis(v, SessionTimeout)
	case "heartbeat.interval.ms":
		return withMillis(v, HeartbeatInterval)
	case "max.poll.interval.ms":
		return withMillis(v, MaxPollInterval)
	case "auto.commit.interval.ms":
		return withMillis(v, AutoCommitInterval)
	case "fetch.wait.max.ms":
		return withMillis(v, FetchMaxWait)
	case "retry.backoff.ms":
		return withMillis(v, RetryBackoff)
	case "statistics.interval.ms":
		return withMillis(v, StatisticsInterval)

	case "auto.offset.reset":
		switch strings.ToLower(v) {
		case "earliest", "smallest", "beginning":
			return AutoOffsetReset(ResetEarliest), nil
		case "latest", "largest", "end":
			return AutoOffsetReset(ResetLatest), nil
		case "error":
			return AutoOffsetReset(ResetError), nil
		}
		return nil, fmt.Errorf("unknown reset policy")

	case "enable.auto.commit":
		return withBool(v, func(b bool) Opt {
			if b {
				return consumerOpt{func(cfg *cfg) { cfg.autoCommit = true }}
			}
			return DisableAutoCommit()
		})
	case "enable.auto.offset.store":
		return withBool(v, func(b bool) Opt {
			if b {
				return consumerOpt{func(cfg *cfg) { cfg.autoOffsetStore = true }}
			}
			return DisableAutoOffsetStore()
		})
	case "enable.partition.eof":
		return withBool(v, func(b bool) Opt {
			return consumerOpt{func(cfg *cfg) { cfg.partitionEOF = b }}
		})

	case "partition.assignment.strategy":
		var assignors []Assignor
		for _, name := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "range":
				assignors = append(assignors, RangeAssignor())
			case "roundrobin":
				assignors = append(assignors, RoundRobinAssignor())
			case "":
			default:
				return nil, fmt.Errorf("unknown assignment strategy %q", name)
			}
		}
		return Assignors(assignors...), nil

	case "fetch.max.bytes":
		return withBytes(v, FetchMaxBytes)
	case "max.partition.fetch.bytes":
		return withBytes(v, FetchMaxPartitionBytes)
	case "fetch.min.bytes":
		return withBytes(v, FetchMinBytes)
	}
	return nil, fmt.Errorf("unknown configuration key")
}

func withMillis(v string, fn func(time.Duration) Opt) (Opt, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, fmt.Errorf("negative duration")
	}
	return fn(time.Duration(ms) * time.Millisecond), nil
}

func withBool(v string, fn func(bool) Opt) (Opt, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, err
	}
	return fn(b), nil
}

func withBytes(v string, fn func(int32) Opt) (Opt, error) {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return nil, err
	}
	if n > math.MaxInt32 {
		return nil, fmt.Errorf("size %s exceeds %s", humanize.IBytes(n), humanize.IBytes(math.MaxInt32))
	}
	return fn(int32(n)), nil
}
