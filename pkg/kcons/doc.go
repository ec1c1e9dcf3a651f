// Package kcons is the consuming half of a Kafka client: group membership,
// pipelined fetching, and offset tracking layered over a broker request
// primitive.
//
// A Consumer is driven entirely by its caller. Heartbeats, rebalances, offset
// resets and commits all make progress inside Consume, Commit and the other
// methods; nothing mutates consumer state from a background goroutine.
package kcons
