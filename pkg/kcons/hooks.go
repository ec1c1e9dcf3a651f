package kcons

// Hook is a hook to be called when something happens in the consumer.
//
// The base Hook interface is useless, but wherever a hook can occur, the
// consumer checks if your hook implements an appropriate interface. If so,
// your hook is called.
//
// This allows you to only hook in to behavior you care about, and it allows
// the consumer to add more hooks in the future.
//
// All hook interfaces in this package have Hook in the name. Hooks are called
// on the goroutine driving the consumer (inside Consume, Commit, and so on),
// so they must be fast and must not call back into the consumer.
type Hook any

type hooks []Hook

func (hs hooks) each(fn func(Hook)) {
	for _, h := range hs {
		fn(h)
	}
}

// HookGroupJoined is called after the consumer joins and syncs a group
// generation.
type HookGroupJoined interface {
	// OnGroupJoined is passed the group, this member's id, the new
	// generation and whether this member led the assignment.
	OnGroupJoined(group, memberID string, generation int32, leader bool)
}

// HookPartitionsAssigned is called after a new assignment is in place.
type HookPartitionsAssigned interface {
	OnPartitionsAssigned(group string, assigned []TopicPartition)
}

// HookPartitionsRevoked is called after partitions are revoked or lost.
type HookPartitionsRevoked interface {
	// OnPartitionsRevoked is passed whether the partitions were lost
	// (the generation was invalidated) rather than cleanly revoked.
	OnPartitionsRevoked(group string, revoked []TopicPartition, lost bool)
}

// HookOffsetsCommitted is called after every commit round trip, including
// auto commits.
type HookOffsetsCommitted interface {
	OnOffsetsCommitted(group string, offsets []TopicPartitionOffset, err error)
}

// HookFetchBatchRead is called for every partition in a fetch response that
// contained records.
type HookFetchBatchRead interface {
	// OnFetchBatchRead is passed the broker the fetch was issued to, the
	// partition, how many records were kept, and the number of bytes the
	// broker returned for the partition.
	OnFetchBatchRead(broker int32, tp TopicPartition, records, bytes int)
}

// HookStatistics is called with the periodic statistics blob.
type HookStatistics interface {
	OnStatistics(json []byte)
}
