package kcons

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Opt is an option to configure a consumer.
type Opt interface {
	apply(*cfg)
}

type consumerOpt struct{ fn func(*cfg) }

func (opt consumerOpt) apply(cfg *cfg) { opt.fn(cfg) }

// OffsetReset is the policy for a partition with no usable offset: nothing
// committed, or the fetch offset fell out of the log's range.
type OffsetReset int8

const (
	// ResetEarliest resets to the earliest offset in the log.
	ResetEarliest OffsetReset = iota
	// ResetLatest resets to the end of the log.
	ResetLatest
	// ResetError surfaces a PartitionError from Consume and stops fetching
	// the partition until it is seeked.
	ResetError
)

func (r OffsetReset) String() string {
	switch r {
	case ResetEarliest:
		return "earliest"
	case ResetLatest:
		return "latest"
	}
	return "error"
}

func (r OffsetReset) offset() Offset {
	if r == ResetLatest {
		return OffsetEnd
	}
	return OffsetBeginning
}

// PartitionsFunc is the signature of rebalance callbacks. The consumer is
// passed so that the callback can seek, commit, or store offsets; these calls
// are allowed from inside the callback.
type PartitionsFunc func(ctx context.Context, c *Consumer, partitions []TopicPartition)

type cfg struct {
	requester Requester
	logger    Logger
	hooks     hooks

	id         string
	group      string
	instanceID *string

	sessionTimeout    time.Duration
	rebalanceTimeout  time.Duration
	heartbeatInterval time.Duration // 0 => sessionTimeout / 3
	maxPollInterval   time.Duration
	assignors         []Assignor

	retryBackoff     time.Duration
	backoffInitial   time.Duration
	backoffMax       time.Duration // 0 => sessionTimeout
	backoffJitter    float64
	requestTimeout   time.Duration
	metadataMinAge   time.Duration
	metadataMaxRetry int

	resetPolicy        OffsetReset
	autoCommit         bool
	autoCommitInterval time.Duration
	autoOffsetStore    bool

	fetchMaxBytes     int32
	fetchMaxPartBytes int32
	fetchMinBytes     int32
	fetchMaxWait      time.Duration
	partitionEOF      bool

	statsInterval time.Duration

	onAssigned  PartitionsFunc
	onRevoked   PartitionsFunc
	onLost      PartitionsFunc
	onCommitted func(*Consumer, []TopicPartitionOffset, error)
	onStats     func([]byte)
}

func defaultCfg() cfg {
	return cfg{
		logger: new(nopLogger),
		id:     "kcons-" + uuid.NewString()[:8],

		sessionTimeout:   45 * time.Second,
		rebalanceTimeout: 60 * time.Second,
		maxPollInterval:  5 * time.Minute,
		assignors:        []Assignor{RangeAssignor(), RoundRobinAssignor()},

		retryBackoff:     100 * time.Millisecond,
		backoffInitial:   100 * time.Millisecond,
		backoffJitter:    0.2,
		requestTimeout:   30 * time.Second,
		metadataMinAge:   time.Second,
		metadataMaxRetry: 10,

		resetPolicy:        ResetLatest,
		autoCommit:         true,
		autoCommitInterval: 5 * time.Second,
		autoOffsetStore:    true,

		fetchMaxBytes:     50 << 20,
		fetchMaxPartBytes: 1 << 20,
		fetchMinBytes:     1,
		fetchMaxWait:      500 * time.Millisecond,
	}
}

func (cfg *cfg) validate() error {
	if cfg.requester == nil {
		return errors.New("missing broker requester, see WithRequester")
	}
	if cfg.sessionTimeout <= 0 {
		return fmt.Errorf("session timeout %v must be positive", cfg.sessionTimeout)
	}
	if cfg.heartbeatInterval == 0 {
		cfg.heartbeatInterval = cfg.sessionTimeout / 3
	}
	if cfg.heartbeatInterval >= cfg.sessionTimeout {
		return fmt.Errorf("heartbeat interval %v must be less than session timeout %v",
			cfg.heartbeatInterval, cfg.sessionTimeout)
	}
	if cfg.backoffMax == 0 {
		cfg.backoffMax = cfg.sessionTimeout
	}
	if cfg.backoffInitial <= 0 || cfg.backoffMax < cfg.backoffInitial {
		return fmt.Errorf("coordinator backoff initial %v must be positive and at most max %v",
			cfg.backoffInitial, cfg.backoffMax)
	}
	if cfg.backoffJitter < 0 || cfg.backoffJitter >= 1 {
		return fmt.Errorf("coordinator backoff jitter %v must be in [0, 1)", cfg.backoffJitter)
	}
	if len(cfg.assignors) == 0 {
		return errors.New("at least one partition assignor is required")
	}
	if cfg.autoCommit && cfg.autoCommitInterval <= 0 {
		return fmt.Errorf("auto commit interval %v must be positive", cfg.autoCommitInterval)
	}
	if cfg.fetchMaxBytes <= 0 || cfg.fetchMaxPartBytes <= 0 {
		return fmt.Errorf("fetch max bytes %d and max partition bytes %d must be positive",
			cfg.fetchMaxBytes, cfg.fetchMaxPartBytes)
	}
	if cfg.fetchMinBytes < 0 {
		return fmt.Errorf("fetch min bytes %d must not be negative", cfg.fetchMinBytes)
	}
	if cfg.maxPollInterval < cfg.sessionTimeout {
		return fmt.Errorf("max poll interval %v must be at least the session timeout %v",
			cfg.maxPollInterval, cfg.sessionTimeout)
	}
	return nil
}

// WithRequester sets the broker request primitive the consumer issues all
// requests through. This option is required.
func WithRequester(r Requester) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.requester = r }}
}

// WithLogger sets the consumer to use the given logger, overriding the
// default to not use a logger.
//
// It is invalid to use a nil logger; doing so will cause panics.
func WithLogger(l Logger) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.logger = l }}
}

// WithHooks sets hooks to call whenever relevant.
//
// Hooks can be used to layer in metrics (such as prometheus hooks) or anything
// else. The base Hook interface is useless; see the Hook* interfaces.
func WithHooks(hooks ...Hook) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.hooks = append(cfg.hooks, hooks...) }}
}

// ClientID sets the name the consumer uses in logs and statistics,
// overriding the default "kcons-" followed by a random suffix.
//
// This corresponds to client.id.
func ClientID(id string) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.id = id }}
}

// ConsumerGroup sets the group to join when subscribing and to commit
// offsets to. Without a group, only Assign can be used and commits fail.
//
// This corresponds to group.id.
func ConsumerGroup(group string) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.group = group }}
}

// InstanceID sets the group consumer's instance ID, switching the group member
// from "dynamic" to "static". Static members do not leave the group on
// Close, expecting to rejoin with the same instance ID before the session
// times out.
//
// This corresponds to group.instance.id.
func InstanceID(id string) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.instanceID = &id }}
}

// SessionTimeout sets how long a member of the group can go between
// heartbeats, overriding the default 45s. If a member does not heartbeat in
// this timeout, the broker will remove the member from the group and initiate
// a rebalance.
//
// This corresponds to session.timeout.ms.
func SessionTimeout(timeout time.Duration) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.sessionTimeout = timeout }}
}

// RebalanceTimeout sets how long group members are allowed to take when a
// rebalance has begun, overriding the default 60s.
func RebalanceTimeout(timeout time.Duration) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.rebalanceTimeout = timeout }}
}

// HeartbeatInterval sets how long a group member goes between heartbeats,
// overriding the default of a third of the session timeout.
//
// This corresponds to heartbeat.interval.ms.
func HeartbeatInterval(interval time.Duration) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.heartbeatInterval = interval }}
}

// MaxPollInterval sets the longest the application may go between calls
// that drive the consumer, overriding the default 5m. If exceeded, the member
// considers its partitions lost and rejoins the group on the next call.
//
// This corresponds to max.poll.interval.ms.
func MaxPollInterval(interval time.Duration) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.maxPollInterval = interval }}
}

// Assignors sets the partition assignment strategies to offer when joining,
// in preference order, overriding the default [range, roundrobin].
//
// This corresponds to partition.assignment.strategy.
func Assignors(assignors ...Assignor) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.assignors = assignors }}
}

// RetryBackoff sets how long to wait before rejoining after the coordinator
// reports a rebalance in progress, and between metadata refreshes, overriding
// the default 100ms.
//
// This corresponds to retry.backoff.ms.
func RetryBackoff(backoff time.Duration) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.retryBackoff = backoff }}
}

// CoordinatorBackoff sets the exponential backoff used when the group
// coordinator is unavailable or unreachable, overriding the defaults of an
// initial 100ms, a max of the session timeout, and jitter of 20%.
func CoordinatorBackoff(initial, max time.Duration, jitter float64) Opt {
	return consumerOpt{func(cfg *cfg) {
		cfg.backoffInitial = initial
		cfg.backoffMax = max
		cfg.backoffJitter = jitter
	}}
}

// RequestTimeout bounds requests that are issued outside of a caller's
// context, such as leaving the group on close and asynchronous commits,
// overriding the default 30s.
func RequestTimeout(timeout time.Duration) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.requestTimeout = timeout }}
}

// MetadataMinAge sets the minimum time between metadata refreshes triggered
// by leadership errors, overriding the default 1s.
func MetadataMinAge(age time.Duration) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.metadataMinAge = age }}
}

// AutoOffsetReset sets what to do when a partition has no committed offset or
// its offset is out of range, overriding the default ResetLatest.
//
// This corresponds to auto.offset.reset.
func AutoOffsetReset(policy OffsetReset) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.resetPolicy = policy }}
}

// DisableAutoCommit disables committing stored offsets periodically and on
// revoke.
//
// This corresponds to enable.auto.commit=false.
func DisableAutoCommit() Opt {
	return consumerOpt{func(cfg *cfg) { cfg.autoCommit = false }}
}

// AutoCommitInterval sets how long to go between autocommits, overriding the
// default 5s.
//
// This corresponds to auto.commit.interval.ms.
func AutoCommitInterval(interval time.Duration) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.autoCommitInterval = interval }}
}

// DisableAutoOffsetStore stops Consume from storing the offset of every
// record it returns. Offsets must then be stored with StoreRecord or
// StoreOffsets for commits of "current positions" to make progress.
//
// This corresponds to enable.auto.offset.store=false.
func DisableAutoOffsetStore() Opt {
	return consumerOpt{func(cfg *cfg) { cfg.autoOffsetStore = false }}
}

// FetchMaxBytes sets the maximum amount of bytes a broker will try to send
// in a single fetch response, overriding the default 50MiB.
//
// This corresponds to fetch.max.bytes.
func FetchMaxBytes(b int32) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.fetchMaxBytes = b }}
}

// FetchMaxPartitionBytes sets the maximum amount of bytes returned for a
// single partition in a fetch response, overriding the default 1MiB.
//
// This corresponds to max.partition.fetch.bytes.
func FetchMaxPartitionBytes(b int32) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.fetchMaxPartBytes = b }}
}

// FetchMinBytes sets the minimum amount of bytes a broker will accumulate
// before answering a fetch, overriding the default 1.
func FetchMinBytes(b int32) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.fetchMinBytes = b }}
}

// FetchMaxWait sets how long a broker may hold a fetch waiting for
// FetchMinBytes, overriding the default 500ms.
func FetchMaxWait(wait time.Duration) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.fetchMaxWait = wait }}
}

// EnablePartitionEOF makes Consume return a record with PartitionEOF set
// whenever a partition is fully caught up to its high watermark.
//
// This corresponds to enable.partition.eof.
func EnablePartitionEOF() Opt {
	return consumerOpt{func(cfg *cfg) { cfg.partitionEOF = true }}
}

// StatisticsInterval enables the statistics callback and hook, emitted at
// most once per interval from inside Consume.
//
// This corresponds to statistics.interval.ms.
func StatisticsInterval(interval time.Duration) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.statsInterval = interval }}
}

// OnPartitionsAssigned sets the function to be called once a new assignment
// is in place, after positions for the new partitions are known and before
// any of them are fetched. Seeking inside this callback changes where
// fetching begins.
//
// The callback is called even if nothing is assigned, so that the
// application knows the rebalance completed.
func OnPartitionsAssigned(fn PartitionsFunc) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.onAssigned = fn }}
}

// OnPartitionsRevoked sets the function to be called when partitions are
// revoked at the start of a rebalance. It is called before stored offsets
// for the revoked partitions are auto committed and before the next
// assignment is applied.
//
// If you are committing offsets manually (have disabled autocommitting), it is
// highly recommended to do a proper blocking commit in OnPartitionsRevoked.
func OnPartitionsRevoked(fn PartitionsFunc) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.onRevoked = fn }}
}

// OnPartitionsLost sets the function to be called when the group generation
// is invalidated (IllegalGeneration, UnknownMemberID, a session timeout, or
// exceeding the max poll interval). Commits for lost partitions cannot
// succeed.
//
// If not set, OnPartitionsRevoked is used.
func OnPartitionsLost(fn PartitionsFunc) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.onLost = fn }}
}

// OnOffsetsCommitted sets the function to be called after every commit,
// including auto commits and asynchronous commits. For asynchronous commits,
// this is called from the next consumer call after the commit completes.
func OnOffsetsCommitted(fn func(*Consumer, []TopicPartitionOffset, error)) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.onCommitted = fn }}
}

// OnStatistics sets the function to be called with the periodic statistics
// JSON, see StatisticsInterval.
func OnStatistics(fn func([]byte)) Opt {
	return consumerOpt{func(cfg *cfg) { cfg.onStats = fn }}
}
