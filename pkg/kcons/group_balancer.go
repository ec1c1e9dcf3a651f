package kcons

import (
	"fmt"
	"sort"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// Assignor assigns the partitions of subscribed topics among group members.
// The elected group leader runs the assignor chosen by the coordinator, which
// is the first protocol in the leader's preference order that every member
// supports.
type Assignor interface {
	// Name is the protocol name used in JoinGroup, e.g. range.
	Name() string

	// Assign maps every partition of every subscribed topic to exactly
	// one member subscribed to that topic. subscriptions is member id =>
	// topics; partitionsPerTopic is topic => partition count. Topics with
	// no known partition count are skipped.
	//
	// Assign must be deterministic and must not modify its inputs.
	Assign(subscriptions map[string][]string, partitionsPerTopic map[string]int32) map[string][]TopicPartition
}

type groupMember struct {
	id     string
	topics []string // sorted
}

// sortedMembers returns members sorted by id, each with sorted topics.
func sortedMembers(subscriptions map[string][]string) []groupMember {
	members := make([]groupMember, 0, len(subscriptions))
	for id, topics := range subscriptions {
		topics = append([]string(nil), topics...)
		sort.Strings(topics)
		members = append(members, groupMember{id, topics})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].id < members[j].id })
	return members
}

func newPlan(members []groupMember) map[string][]TopicPartition {
	plan := make(map[string][]TopicPartition, len(members))
	for _, m := range members {
		plan[m.id] = nil
	}
	return plan
}

// RoundRobinAssignor returns an assignor that deals all sorted partitions of
// all subscribed topics one at a time across the sorted members.
//
// Suppose there are two members M0 and M1, two topics t0 and t1, and each
// topic has three partitions p0, p1, and p2. The assignment will be
//
//	M0: [t0p0, t0p2, t1p1]
//	M1: [t0p1, t1p0, t1p2]
//
// If a member is not subscribed to a partition's topic, it is skipped and the
// partition goes to the next member in the cycle that is. With equal
// subscriptions, member partition counts differ by at most one.
func RoundRobinAssignor() Assignor { return roundRobinAssignor{} }

type roundRobinAssignor struct{}

func (roundRobinAssignor) Name() string { return "roundrobin" }

func (roundRobinAssignor) Assign(subscriptions map[string][]string, partitionsPerTopic map[string]int32) map[string][]TopicPartition {
	members := sortedMembers(subscriptions)
	plan := newPlan(members)

	subscribed := make(map[string]map[string]bool, len(members))
	var all []TopicPartition
	for _, m := range members {
		subscribed[m.id] = make(map[string]bool, len(m.topics))
		for _, topic := range m.topics {
			subscribed[m.id][topic] = true
		}
	}
	seen := make(map[string]bool)
	for _, m := range members {
		for _, topic := range m.topics {
			if seen[topic] {
				continue
			}
			seen[topic] = true
			for p := int32(0); p < partitionsPerTopic[topic]; p++ {
				all = append(all, TopicPartition{topic, p})
			}
		}
	}
	sortPartitions(all)

	// Walk members circularly until one can take the partition, and
	// start the next partition where the walk left off.
	var idx int
	for _, tp := range all {
		for {
			m := members[idx]
			idx = (idx + 1) % len(members)
			if subscribed[m.id][tp.Topic] {
				plan[m.id] = append(plan[m.id], tp)
				break
			}
		}
	}
	return plan
}

// RangeAssignor returns an assignor that, per topic, divides the topic's
// partitions into contiguous ranges over the sorted members subscribed to the
// topic. When partitions do not divide evenly, the first members get one
// extra partition each.
//
// Suppose there are two members M0 and M1, two topics t0 and t1, and each
// topic has three partitions p0, p1, and p2. The assignment will be
//
//	M0: [t0p0, t0p1, t1p0, t1p1]
//	M1: [t0p2, t1p2]
func RangeAssignor() Assignor { return rangeAssignor{} }

type rangeAssignor struct{}

func (rangeAssignor) Name() string { return "range" }

func (rangeAssignor) Assign(subscriptions map[string][]string, partitionsPerTopic map[string]int32) map[string][]TopicPartition {
	members := sortedMembers(subscriptions)
	plan := newPlan(members)

	consumers := make(map[string][]string) // topic => sorted member ids
	for _, m := range members {
		for _, topic := range m.topics {
			consumers[topic] = append(consumers[topic], m.id)
		}
	}
	topics := make([]string, 0, len(consumers))
	for topic := range consumers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		potential := consumers[topic]
		numParts := int(partitionsPerTopic[topic])
		div, rem := numParts/len(potential), numParts%len(potential)

		var next int32
		for i, id := range potential {
			num := div
			if i < rem {
				num++
			}
			for ; num > 0; num-- {
				plan[id] = append(plan[id], TopicPartition{topic, next})
				next++
			}
		}
	}
	return plan
}

// memberMetadata encodes a JoinGroup protocol's metadata: our subscription.
func memberMetadata(topics []string) []byte {
	meta := kmsg.NewConsumerMemberMetadata()
	meta.Version = 0
	meta.Topics = topics
	return meta.AppendTo(nil)
}

// parseSubscriptions decodes every member's subscription from a JoinGroup
// response.
func parseSubscriptions(kmembers []kmsg.JoinGroupResponseMember) (map[string][]string, error) {
	subscriptions := make(map[string][]string, len(kmembers))
	for _, kmember := range kmembers {
		var meta kmsg.ConsumerMemberMetadata
		if err := meta.ReadFrom(kmember.ProtocolMetadata); err != nil {
			return nil, fmt.Errorf("unable to read member %q metadata: %w", kmember.MemberID, err)
		}
		subscriptions[kmember.MemberID] = meta.Topics
	}
	return subscriptions, nil
}

// intoSyncAssignment translates an assignment plan into a SyncGroup request's
// member assignments, sorted by member.
func intoSyncAssignment(plan map[string][]TopicPartition) []kmsg.SyncGroupRequestGroupAssignment {
	ids := make([]string, 0, len(plan))
	for id := range plan {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	kassignments := make([]kmsg.SyncGroupRequestGroupAssignment, 0, len(plan))
	for _, id := range ids {
		assignment := kmsg.NewConsumerMemberAssignment()
		parts := byTopic(plan[id])
		topics := make([]string, 0, len(parts))
		for topic := range parts {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		for _, topic := range topics {
			t := kmsg.NewConsumerMemberAssignmentTopic()
			t.Topic = topic
			t.Partitions = parts[topic]
			assignment.Topics = append(assignment.Topics, t)
		}
		ka := kmsg.NewSyncGroupRequestGroupAssignment()
		ka.MemberID = id
		ka.MemberAssignment = assignment.AppendTo(nil)
		kassignments = append(kassignments, ka)
	}
	return kassignments
}

// parseAssignment decodes our assignment from a SyncGroup response. An empty
// assignment is valid: the leader had nothing for us.
func parseAssignment(raw []byte) ([]TopicPartition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var assignment kmsg.ConsumerMemberAssignment
	if err := assignment.ReadFrom(raw); err != nil {
		return nil, fmt.Errorf("unable to read member assignment: %w", err)
	}
	var tps []TopicPartition
	for _, t := range assignment.Topics {
		for _, p := range t.Partitions {
			tps = append(tps, TopicPartition{t.Topic, p})
		}
	}
	sortPartitions(tps)
	return tps, nil
}
