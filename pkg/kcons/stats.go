package kcons

import (
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var statsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Statistics is the periodic statistics snapshot, emitted as JSON to
// OnStatistics and HookStatistics.
type Statistics struct {
	Name     string `json:"name"`
	ClientID string `json:"client_id"`
	Type     string `json:"type"`
	// Time is the snapshot time in unix seconds.
	Time int64 `json:"time"`
	// Age is microseconds since the consumer was created.
	Age int64 `json:"age"`

	RxMsgs     int64 `json:"rxmsgs"`
	RxMsgBytes int64 `json:"rxmsg_bytes"`

	Group  *GroupStatistics           `json:"cgrp,omitempty"`
	Topics map[string]TopicStatistics `json:"topics"`
}

// GroupStatistics describes group membership.
type GroupStatistics struct {
	State          string `json:"state"`
	MemberID       string `json:"member_id"`
	Generation     int32  `json:"generation"`
	Leader         bool   `json:"leader"`
	Protocol       string `json:"protocol,omitempty"`
	Coordinator    int32  `json:"coordinator"`
	AssignmentSize int    `json:"assignment_size"`
	RebalanceCnt   int64  `json:"rebalance_cnt"`
	// RebalanceAge is milliseconds since the last rebalance completed.
	RebalanceAge int64 `json:"rebalance_age"`
}

// TopicStatistics holds per partition statistics of a topic.
type TopicStatistics struct {
	Topic      string                         `json:"topic"`
	Partitions map[string]PartitionStatistics `json:"partitions"`
}

// PartitionStatistics describes an assigned partition. Offsets that are not
// known yet are -1001.
type PartitionStatistics struct {
	Partition       int32 `json:"partition"`
	Leader          int32 `json:"leader"`
	FetchOffset     int64 `json:"next_offset"`
	Position        int64 `json:"app_offset"`
	StoredOffset    int64 `json:"stored_offset"`
	CommittedOffset int64 `json:"committed_offset"`
	HighWatermark   int64 `json:"hi_offset"`
	ConsumerLag     int64 `json:"consumer_lag"`
	FetchqCnt       int   `json:"fetchq_cnt"`
	RxMsgs          int64 `json:"rxmsgs"`
	RxBytes         int64 `json:"rxbytes"`
	Paused          bool  `json:"paused"`
}

// statistics builds the current snapshot. It is called from inside a step.
func (c *Consumer) statistics(now time.Time) *Statistics {
	s := &Statistics{
		Name:       c.Name(),
		ClientID:   c.cfg.id,
		Type:       "consumer",
		Time:       now.Unix(),
		Age:        now.Sub(c.created).Microseconds(),
		RxMsgs:     c.src.fetchedRecs,
		RxMsgBytes: c.src.fetchedBytes,
		Topics:     make(map[string]TopicStatistics),
	}
	if c.g != nil {
		s.Group = &GroupStatistics{
			State:          c.g.state.String(),
			MemberID:       c.g.memberID,
			Generation:     c.g.generation.Load(),
			Leader:         c.g.leader,
			Protocol:       c.g.protocol,
			Coordinator:    c.g.coordinator,
			AssignmentSize: len(c.store.order),
			RebalanceCnt:   c.rebalances,
		}
		if !c.lastRebalance.IsZero() {
			s.Group.RebalanceAge = now.Sub(c.lastRebalance).Milliseconds()
		}
	}
	for _, tp := range c.store.order {
		e := c.store.entries[tp]
		ps := PartitionStatistics{
			Partition:       tp.Partition,
			Leader:          -1,
			FetchOffset:     int64(OffsetInvalid),
			Position:        int64(e.position),
			StoredOffset:    int64(e.stored),
			CommittedOffset: int64(e.committed),
			HighWatermark:   -1,
			ConsumerLag:     -1,
		}
		if cur, ok := c.src.cursors[tp]; ok {
			ps.Leader = cur.leader
			ps.FetchOffset = int64(cur.offset)
			ps.Paused = cur.paused
		}
		if st, ok := c.src.partStats[tp]; ok {
			ps.HighWatermark = st.hwm
			ps.FetchqCnt = st.buffered
			ps.RxMsgs = st.fetched
			ps.RxBytes = st.bytes
			if st.hwm >= 0 && e.position >= 0 {
				ps.ConsumerLag = st.hwm - int64(e.position)
			}
		}
		ts, ok := s.Topics[tp.Topic]
		if !ok {
			ts = TopicStatistics{Topic: tp.Topic, Partitions: make(map[string]PartitionStatistics)}
			s.Topics[tp.Topic] = ts
		}
		ts.Partitions[strconv.Itoa(int(tp.Partition))] = ps
	}
	return s
}

// maybeEmitStatistics emits statistics if the interval has elapsed.
func (c *Consumer) maybeEmitStatistics() {
	if c.cfg.statsInterval <= 0 {
		return
	}
	now := time.Now()
	if now.Before(c.nextStats) {
		return
	}
	c.nextStats = now.Add(c.cfg.statsInterval)
	raw, err := statsJSON.Marshal(c.statistics(now))
	if err != nil {
		c.log.Log(LogLevelError, "unable to encode statistics", "err", err)
		return
	}
	if c.cfg.onStats != nil {
		c.cfg.onStats(raw)
	}
	c.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookStatistics); ok {
			h.OnStatistics(raw)
		}
	})
}
