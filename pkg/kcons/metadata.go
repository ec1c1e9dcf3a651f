package kcons

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

type partitionLeader struct {
	leader int32
	epoch  int32
	err    error
}

type topicMeta struct {
	id         [16]byte
	partitions []partitionLeader
}

// metadata caches topic partition counts and partition leaders. Refreshes
// are rate limited by the metadata min age unless forced.
type metadata struct {
	cfg  *cfg
	log  Logger
	b    backoff.BackOff
	last time.Time

	topics map[string]*topicMeta
	byID   map[[16]byte]string
}

func newMetadata(cfg *cfg, log Logger) *metadata {
	return &metadata{
		cfg:    cfg,
		log:    log,
		b:      cfg.newBackoff(),
		topics: make(map[string]*topicMeta),
		byID:   make(map[[16]byte]string),
	}
}

func (m *metadata) stale() bool {
	return time.Since(m.last) >= m.cfg.metadataMinAge
}

// refresh loads metadata for topics, retrying transport failures with
// backoff until ctx is done.
func (m *metadata) refresh(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	topics = append([]string(nil), topics...)
	sort.Strings(topics)

	req := kmsg.NewPtrMetadataRequest()
	for _, topic := range topics {
		rt := kmsg.NewMetadataRequestTopic()
		rt.Topic = kmsg.StringPtr(topic)
		req.Topics = append(req.Topics, rt)
	}
	resp, err := retry(ctx, m.b, m.log, "metadata", func() (*kmsg.MetadataResponse, error) {
		kresp, err := doRequest(ctx, m.cfg.requester, m.cfg.requestTimeout, AnyBroker, req)
		if err != nil {
			return nil, err
		}
		return kresp.(*kmsg.MetadataResponse), nil
	})
	if err != nil {
		return fmt.Errorf("metadata refresh: %w", err)
	}
	m.last = time.Now()

	for _, t := range resp.Topics {
		if t.Topic == nil {
			continue
		}
		topic := *t.Topic
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			m.log.Log(LogLevelWarn, "metadata topic error", "topic", topic, "err", err)
			// Keep what we knew; leadership errors are retried on
			// the next refresh.
			if _, ok := m.topics[topic]; !ok || !kerr.IsRetriable(err) {
				delete(m.topics, topic)
			}
			continue
		}
		tm := &topicMeta{id: t.TopicID}
		for _, p := range t.Partitions {
			for int(p.Partition) >= len(tm.partitions) {
				tm.partitions = append(tm.partitions, partitionLeader{leader: -1, epoch: -1, err: ErrUnknownLeader})
			}
			pl := partitionLeader{leader: p.Leader, epoch: p.LeaderEpoch, err: kerr.ErrorForCode(p.ErrorCode)}
			if pl.leader < 0 && pl.err == nil {
				pl.err = ErrUnknownLeader
			}
			tm.partitions[p.Partition] = pl
		}
		m.topics[topic] = tm
		m.byID[t.TopicID] = topic
	}
	return nil
}

// partitionCounts returns the partition count of each known topic in topics.
func (m *metadata) partitionCounts(topics []string) map[string]int32 {
	counts := make(map[string]int32, len(topics))
	for _, topic := range topics {
		if tm, ok := m.topics[topic]; ok {
			counts[topic] = int32(len(tm.partitions))
		}
	}
	return counts
}

// leader returns the current leader of tp and its leader epoch.
func (m *metadata) leader(tp TopicPartition) (int32, int32, error) {
	tm, ok := m.topics[tp.Topic]
	if !ok {
		return -1, -1, kerr.UnknownTopicOrPartition
	}
	if tp.Partition < 0 || int(tp.Partition) >= len(tm.partitions) {
		return -1, -1, kerr.UnknownTopicOrPartition
	}
	pl := tm.partitions[tp.Partition]
	return pl.leader, pl.epoch, pl.err
}

func (m *metadata) topicID(topic string) [16]byte {
	if tm, ok := m.topics[topic]; ok {
		return tm.id
	}
	return [16]byte{}
}

// topicName resolves a fetch response topic: by name if set, else by ID.
func (m *metadata) topicName(name string, id [16]byte) string {
	if name != "" {
		return name
	}
	return m.byID[id]
}
