package kcons

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

type listedOffset struct {
	offset      Offset
	leaderEpoch int32
	err         error
}

// listOffsets looks up offsets by timestamp for each partition, issuing one
// ListOffsets request per partition leader. A timestamp of -2 resolves to
// the log start and -1 to the log end. Partitions whose leader is unknown or
// stale are returned with a leadership error and flagged in the metadata.
func listOffsets(ctx context.Context, cfg *cfg, meta *metadata, timestamps map[TopicPartition]int64) map[TopicPartition]listedOffset {
	listed := make(map[TopicPartition]listedOffset, len(timestamps))
	byLeader := make(map[int32]map[string][]int32)
	for tp := range timestamps {
		leader, _, err := meta.leader(tp)
		if err != nil {
			listed[tp] = listedOffset{offset: OffsetInvalid, err: err}
			continue
		}
		if byLeader[leader] == nil {
			byLeader[leader] = make(map[string][]int32)
		}
		byLeader[leader][tp.Topic] = append(byLeader[leader][tp.Topic], tp.Partition)
	}

	for leader, topics := range byLeader {
		req := kmsg.NewPtrListOffsetsRequest()
		req.ReplicaID = -1
		for topic, partitions := range topics {
			rt := kmsg.NewListOffsetsRequestTopic()
			rt.Topic = topic
			for _, p := range partitions {
				rp := kmsg.NewListOffsetsRequestTopicPartition()
				rp.Partition = p
				rp.CurrentLeaderEpoch = -1
				rp.Timestamp = timestamps[TopicPartition{topic, p}]
				rt.Partitions = append(rt.Partitions, rp)
			}
			req.Topics = append(req.Topics, rt)
		}

		kresp, err := doRequest(ctx, cfg.requester, cfg.requestTimeout, leader, req)
		if err != nil {
			for topic, partitions := range topics {
				for _, p := range partitions {
					listed[TopicPartition{topic, p}] = listedOffset{offset: OffsetInvalid, err: err}
				}
			}
			continue
		}
		resp := kresp.(*kmsg.ListOffsetsResponse)
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				tp := TopicPartition{t.Topic, p.Partition}
				if _, ok := timestamps[tp]; !ok {
					continue
				}
				lo := listedOffset{offset: Offset(p.Offset), leaderEpoch: p.LeaderEpoch}
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
					lo = listedOffset{offset: OffsetInvalid, err: err}
				}
				listed[tp] = lo
			}
		}
	}

	for tp := range timestamps {
		if _, ok := listed[tp]; !ok {
			listed[tp] = listedOffset{offset: OffsetInvalid, err: fmt.Errorf("%w: partition missing from list offsets response", ErrInvalidResp)}
		}
	}
	return listed
}
