package kcons

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
)

var (
	// ErrConcurrentAccess is returned when a consumer method is called
	// while another call on the same consumer is still running. A consumer
	// is not safe for concurrent use; rather than silently serializing
	// callers, overlapping calls fail immediately.
	ErrConcurrentAccess = errors.New("consumer is being used concurrently")

	// ErrCommitFailed is returned from a commit when the group generation
	// the offsets were captured in is no longer current. The offsets may
	// already be owned by another member and were not committed.
	ErrCommitFailed = errors.New("commit failed: group generation is stale")

	// ErrClosed is returned from all methods once Close has been called.
	ErrClosed = errors.New("consumer is closed")

	// ErrNoGroup is returned when subscribing or committing without a
	// configured group.
	ErrNoGroup = errors.New("no consumer group configured")

	// ErrNotAssigned is returned when seeking, pausing or storing offsets
	// for a partition that is not in the current assignment.
	ErrNotAssigned = errors.New("partition is not assigned")

	// ErrInvalidOffset is returned when an offset cannot be used for the
	// requested operation, such as storing a sentinel offset.
	ErrInvalidOffset = errors.New("invalid offset")

	// ErrInvalidResp is a generic error used when a broker responded
	// unexpectedly.
	ErrInvalidResp = errors.New("invalid response")

	// ErrNoOffset is the partition error surfaced when a partition has no
	// committed offset and the reset policy is ResetError.
	ErrNoOffset = errors.New("no committed offset and reset policy is error")

	// ErrUnknownLeader is used for partitions whose leader is not yet
	// known from metadata.
	ErrUnknownLeader = errors.New("partition leader is unknown")
)

// PartitionError is an error isolated to a single partition. It carries
// enough context to decide whether to retry or abandon the partition.
type PartitionError struct {
	Topic     string
	Partition int32
	// Offset is the offset being fetched or committed when the error
	// occurred, if known.
	Offset Offset
	// Broker is the broker that returned the error, or -1.
	Broker int32
	Err    error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("topic %s partition %d offset %s (broker %d): %v",
		e.Topic, e.Partition, e.Offset, e.Broker, e.Err)
}

func (e *PartitionError) Unwrap() error { return e.Err }

// GroupError is returned for group membership failures that ended an
// operation. The consumer stays usable; the next call retries the join.
type GroupError struct {
	Group       string
	MemberID    string
	Generation  int32
	Coordinator int32
	Err         error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("group %s member %q generation %d (coordinator %d): %v",
		e.Group, e.MemberID, e.Generation, e.Coordinator, e.Err)
}

func (e *GroupError) Unwrap() error { return e.Err }

// IsRetriable returns whether err is transient: coordinator or leader
// movement, broker timeouts, or a broken connection. Retriable errors are
// retried internally and only surface once an operation deadline expires.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return ke.Retriable || isCoordinatorErr(err)
	}
	for _, nonRetriable := range []error{
		context.Canceled,
		ErrConcurrentAccess,
		ErrCommitFailed,
		ErrClosed,
		ErrNoGroup,
		ErrNotAssigned,
		ErrInvalidOffset,
		ErrInvalidResp,
		ErrNoOffset,
	} {
		if errors.Is(err, nonRetriable) {
			return false
		}
	}
	// Errors from the request primitive that are not Kafka errors are
	// connection level.
	return true
}

// IsGenerationInvalidating returns whether err forces the group member to
// rejoin: the coordinator has started a new generation or no longer knows
// this member.
func IsGenerationInvalidating(err error) bool {
	return errors.Is(err, kerr.RebalanceInProgress) ||
		errors.Is(err, kerr.IllegalGeneration) ||
		errors.Is(err, kerr.UnknownMemberID) ||
		errors.Is(err, kerr.FencedInstanceID)
}

// IsFatal returns whether err ends the current operation without retries:
// authorization failures, invalid configuration, or a fenced member.
func IsFatal(err error) bool {
	switch {
	case errors.Is(err, kerr.GroupAuthorizationFailed),
		errors.Is(err, kerr.TopicAuthorizationFailed),
		errors.Is(err, kerr.ClusterAuthorizationFailed),
		errors.Is(err, kerr.InvalidSessionTimeout),
		errors.Is(err, kerr.InconsistentGroupProtocol),
		errors.Is(err, kerr.InvalidGroupID),
		errors.Is(err, kerr.FencedInstanceID),
		errors.Is(err, kerr.UnsupportedVersion):
		return true
	}
	return false
}

func isCoordinatorErr(err error) bool {
	return errors.Is(err, kerr.CoordinatorNotAvailable) ||
		errors.Is(err, kerr.NotCoordinator) ||
		errors.Is(err, kerr.CoordinatorLoadInProgress)
}

// isLeaderErr returns whether a partition error means our view of the
// partition's leadership is stale.
func isLeaderErr(err error) bool {
	return errors.Is(err, kerr.NotLeaderForPartition) ||
		errors.Is(err, kerr.LeaderNotAvailable) ||
		errors.Is(err, kerr.UnknownTopicOrPartition) ||
		errors.Is(err, kerr.FencedLeaderEpoch) ||
		errors.Is(err, kerr.UnknownLeaderEpoch) ||
		errors.Is(err, kerr.ReplicaNotAvailable) ||
		errors.Is(err, kerr.KafkaStorageError) ||
		errors.Is(err, ErrUnknownLeader)
}
