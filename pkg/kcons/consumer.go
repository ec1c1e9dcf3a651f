package kcons

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
)

type consumeMode int8

const (
	modeNone consumeMode = iota
	modeSubscribe
	modeAssign
)

var errMaxPollExceeded = errors.New("max poll interval exceeded")

// pendingAssign is an assignment whose start offsets are not yet known.
type pendingAssign struct {
	tps []TopicPartition
	// offsets are explicit start offsets; OffsetStored means start from
	// the committed offset.
	offsets   map[TopicPartition]Offset
	rebalance bool
}

// Consumer consumes records from Kafka, either as a member of a consumer
// group (Subscribe) or from explicitly assigned partitions (Assign).
//
// A Consumer is not safe for concurrent use. All work, including group
// heartbeats and rebalances, happens inside the consumer's methods, mostly
// inside Consume; a method called while another is running returns
// ErrConcurrentAccess. Calls from inside callbacks are allowed, except those
// that consume, subscribe, assign, or close. Detection is best effort: while
// a callback is running, calls that are allowed from callbacks are also let
// through from other goroutines.
type Consumer struct {
	cfg cfg
	log Logger
	clg Logger // commit facility

	guard  guard
	closed atomic.Bool

	meta  *metadata
	store *offsetStore
	src   *source
	g     *groupClient

	mode    consumeMode
	pending *pendingAssign

	commitsDone chan commitDone
	commitWg    sync.WaitGroup
	commitCtx   context.Context
	commitStop  context.CancelFunc

	memberID atomic.Value // string

	created        time.Time
	lastPoll       time.Time
	nextAutoCommit time.Time
	nextStats      time.Time
	rebalances     int64
	lastRebalance  time.Time
}

// NewConsumer returns a new consumer. WithRequester is required.
func NewConsumer(opts ...Opt) (*Consumer, error) {
	cfg := defaultCfg()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Consumer{
		cfg:         cfg,
		commitsDone: make(chan commitDone, 64),
		created:     time.Now(),
	}
	c.log = newFacilityLogger(cfg.logger, "CONSUMER")
	c.clg = newFacilityLogger(cfg.logger, "COMMIT")
	c.meta = newMetadata(&c.cfg, newFacilityLogger(cfg.logger, "METADATA"))
	c.store = newOffsetStore()
	c.src = newSource(&c.cfg, newFacilityLogger(cfg.logger, "FETCH"), c.meta, c.store)
	if cfg.group != "" {
		c.g = newGroupClient(&c.cfg, newFacilityLogger(cfg.logger, "CGRP"), c.meta)
	}
	c.commitCtx, c.commitStop = context.WithCancel(context.Background())
	c.memberID.Store("")
	c.lastPoll = c.created
	c.nextAutoCommit = c.created.Add(cfg.autoCommitInterval)
	c.nextStats = c.created.Add(cfg.statsInterval)
	c.log.Log(LogLevelInfo, "consumer created", "client_id", cfg.id, "group", cfg.group)
	return c, nil
}

func (c *Consumer) enter(nestable bool) (func(), error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.guard.enter(nestable)
}

// Name returns the client id of this consumer.
func (c *Consumer) Name() string { return c.cfg.id }

// MemberID returns the member id assigned by the group coordinator, or an
// empty string if the consumer is not a group member. It is safe to call
// concurrently with other methods.
func (c *Consumer) MemberID() string { return c.memberID.Load().(string) }

// Subscribe sets the topics to consume as a group member, replacing any
// previous subscription or assignment. The group is joined, or rejoined if
// the subscription changed, from the next Consume.
func (c *Consumer) Subscribe(topics ...string) error {
	exit, err := c.enter(false)
	if err != nil {
		return err
	}
	defer exit()
	if c.g == nil {
		return ErrNoGroup
	}
	if len(topics) == 0 {
		return errors.New("no topics to subscribe to")
	}
	if c.mode == modeAssign {
		c.unassign()
	}
	c.mode = modeSubscribe
	c.g.subscribe(dedupe(topics))
	return nil
}

// Unsubscribe revokes the current assignment, committing stored offsets if
// auto commit is enabled, and leaves the group.
func (c *Consumer) Unsubscribe() error {
	exit, err := c.enter(false)
	if err != nil {
		return err
	}
	defer exit()
	if c.mode != modeSubscribe {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.requestTimeout)
	defer cancel()
	c.unsubscribe(ctx)
	return nil
}

func (c *Consumer) unsubscribe(ctx context.Context) {
	if assigned := c.store.assigned(); len(assigned) > 0 {
		c.revoke(ctx, assigned, c.g.state == stateRevoking && c.g.lost)
	}
	c.g.unsubscribe(ctx)
	c.store.clear()
	c.src.clear()
	c.pending = nil
	c.mode = modeNone
	c.memberID.Store("")
}

// Assign sets the partitions to consume without joining a group, replacing
// any previous subscription or assignment. Each partition starts at its
// offset: an exact offset, OffsetBeginning, OffsetEnd, or OffsetStored for
// the group's committed offset (falling back to the reset policy).
func (c *Consumer) Assign(tpos ...TopicPartitionOffset) error {
	exit, err := c.enter(false)
	if err != nil {
		return err
	}
	defer exit()
	p := &pendingAssign{offsets: make(map[TopicPartition]Offset, len(tpos))}
	for _, tpo := range tpos {
		if _, ok := p.offsets[tpo.TopicPartition]; ok {
			continue
		}
		o, err := startOffset(tpo)
		if err != nil {
			return err
		}
		p.tps = append(p.tps, tpo.TopicPartition)
		p.offsets[tpo.TopicPartition] = o
	}

	if c.mode == modeSubscribe {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.requestTimeout)
		c.unsubscribe(ctx)
		cancel()
	}
	c.unassign()
	c.mode = modeAssign
	for _, tp := range p.tps {
		c.store.add(tp)
	}
	c.pending = p
	return nil
}

// startOffset normalizes where an assigned partition starts: OffsetInvalid
// means the committed offset, and the only negative offsets allowed are the
// sentinels.
func startOffset(tpo TopicPartitionOffset) (Offset, error) {
	o := tpo.Offset
	if o == OffsetInvalid {
		o = OffsetStored
	}
	if o < 0 && o != OffsetBeginning && o != OffsetEnd && o != OffsetStored {
		return 0, fmt.Errorf("%w: %s for %s", ErrInvalidOffset, o, tpo.TopicPartition)
	}
	return o, nil
}

// Unassign stops consuming explicitly assigned partitions.
func (c *Consumer) Unassign() error {
	exit, err := c.enter(false)
	if err != nil {
		return err
	}
	defer exit()
	if c.mode == modeAssign {
		c.unassign()
		c.mode = modeNone
	}
	return nil
}

func (c *Consumer) unassign() {
	c.store.clear()
	c.src.clear()
	c.pending = nil
}

// Assignment returns the partitions currently assigned to this consumer.
func (c *Consumer) Assignment() ([]TopicPartition, error) {
	exit, err := c.enter(true)
	if err != nil {
		return nil, err
	}
	defer exit()
	return c.store.assigned(), nil
}

// Subscription returns the topics subscribed to.
func (c *Consumer) Subscription() ([]string, error) {
	exit, err := c.enter(true)
	if err != nil {
		return nil, err
	}
	defer exit()
	if c.mode != modeSubscribe {
		return nil, nil
	}
	return append([]string(nil), c.g.topics...), nil
}

// Consume returns the next record, driving the consumer until one is
// available: heartbeating, rebalancing (invoking callbacks), committing on
// the auto commit interval, and fetching.
//
// Consume returns (nil, ctx.Err()) once ctx is done; requests in flight at
// that time finish in the background and their results are discarded if
// stale. A *PartitionError is returned for errors isolated to a partition;
// other partitions keep being consumed.
func (c *Consumer) Consume(ctx context.Context) (*Record, error) {
	exit, err := c.enter(false)
	if err != nil {
		return nil, err
	}
	defer exit()
	return c.consume(ctx)
}

// Poll is Consume with a timeout, returning (nil, nil) if no record arrived
// in time.
func (c *Consumer) Poll(timeout time.Duration) (*Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	r, err := c.Consume(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return nil, nil
	}
	return r, err
}

// ConsumeResult is the result of a ConsumeAsync.
type ConsumeResult struct {
	Record *Record
	Err    error
}

// ConsumeAsync runs Consume in a goroutine, delivering its result on the
// returned channel. The consumer is busy until the result is on the channel.
func (c *Consumer) ConsumeAsync(ctx context.Context) <-chan ConsumeResult {
	ch := make(chan ConsumeResult, 1)
	exit, err := c.enter(false)
	if err != nil {
		ch <- ConsumeResult{Err: err}
		return ch
	}
	go func() {
		r, err := c.consume(ctx)
		exit()
		ch <- ConsumeResult{r, err}
	}()
	return ch
}

func (c *Consumer) consume(ctx context.Context) (*Record, error) {
	if c.mode == modeNone {
		return nil, errors.New("consumer is neither subscribed nor assigned")
	}
	now := time.Now()
	if c.mode == modeSubscribe && c.g.state == stateStable && now.Sub(c.lastPoll) > c.cfg.maxPollInterval {
		c.log.Log(LogLevelWarn, "max poll interval exceeded, considering partitions lost", "since_last_poll", now.Sub(c.lastPoll))
		c.g.invalidate(errMaxPollExceeded, true)
	}
	// The interval runs from one return to the next call; time blocked in
	// here counts as polling.
	c.lastPoll = now
	defer func() { c.lastPoll = time.Now() }()

	for {
		if err := c.step(ctx); err != nil {
			return nil, err
		}
		c.src.drain(c.cfg.hooks)
		r, err := c.src.next()
		if err != nil {
			return nil, err
		}
		if r != nil {
			if c.cfg.autoOffsetStore && !r.PartitionEOF {
				c.store.store(r.TopicPartition(), r.Offset+1)
			}
			return r, nil
		}
		if c.pending != nil || c.g != nil && c.g.state == stateRevoking {
			continue
		}
		if err := c.src.prepare(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if IsFatal(err) || !IsRetriable(err) {
				return nil, err
			}
			c.log.Log(LogLevelWarn, "unable to prepare fetches", "err", err)
		}
		c.src.issue()
		if len(c.src.pendingErrs) > 0 {
			continue
		}
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// wait blocks until a fetch or commit completes, the next timed event is
// due, or ctx is done.
func (c *Consumer) wait(ctx context.Context) error {
	now := time.Now()
	next := now.Add(c.cfg.heartbeatInterval)
	if !c.src.outstanding() {
		// Nothing in flight: partitions are paused, leaderless, or
		// backing off.
		next = now.Add(c.cfg.retryBackoff)
	}
	if c.g != nil && c.g.state == stateStable && c.g.nextHeartbeat.Before(next) {
		next = c.g.nextHeartbeat
	}
	if c.cfg.autoCommit && c.g != nil && c.nextAutoCommit.Before(next) {
		next = c.nextAutoCommit
	}
	if c.cfg.statsInterval > 0 && c.nextStats.Before(next) {
		next = c.nextStats
	}

	t := time.NewTimer(time.Until(next))
	defer t.Stop()
	select {
	case r := <-c.src.results:
		c.src.apply(r, c.cfg.hooks)
	case cd := <-c.commitsDone:
		c.finishCommit(cd.commitReq, cd.resp, cd.err)
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// step runs everything that is due, in order: completed async commits,
// group membership and rebalances, finishing a pending assignment, auto
// commit, and statistics.
func (c *Consumer) step(ctx context.Context) error {
	c.applyCommits()

	if c.g != nil && c.mode == modeSubscribe {
		for {
			ev, err := c.g.drive(ctx)
			c.memberID.Store(c.g.memberID)
			if err != nil {
				return err
			}
			if ev.kind == eventNone {
				break
			}
			switch ev.kind {
			case eventRevoke:
				c.revoke(ctx, ev.partitions, ev.lost)
				c.g.revoked()
			case eventAssign:
				c.pending = &pendingAssign{tps: ev.partitions, rebalance: true}
				for _, tp := range ev.partitions {
					c.store.add(tp)
				}
			}
		}
	}

	if c.pending != nil {
		if err := c.finishAssign(ctx); err != nil {
			return err
		}
	}

	if c.cfg.autoCommit && c.g != nil && !time.Now().Before(c.nextAutoCommit) {
		c.nextAutoCommit = time.Now().Add(c.cfg.autoCommitInterval)
		if c.mode == modeAssign || c.g.state == stateStable {
			if offsets := c.store.stored(); len(offsets) > 0 {
				c.commitAsync(offsets)
			}
		}
	}

	c.maybeEmitStatistics()
	return nil
}

// revoke revokes partitions at the end of a generation: the revoke (or
// lost) callback first, then the auto commit of what was stored for them,
// then removing them from the store and the fetcher.
func (c *Consumer) revoke(ctx context.Context, tps []TopicPartition, lost bool) {
	c.log.Log(LogLevelInfo, "revoking partitions", "partitions", tps, "lost", lost)
	if len(tps) > 0 {
		fn := c.cfg.onRevoked
		if lost && c.cfg.onLost != nil {
			fn = c.cfg.onLost
		}
		if fn != nil {
			c.guard.callback(func() { fn(ctx, c, tps) })
		}
		c.cfg.hooks.each(func(h Hook) {
			if h, ok := h.(HookPartitionsRevoked); ok {
				h.OnPartitionsRevoked(c.cfg.group, tps, lost)
			}
		})
	}

	if !lost && c.cfg.autoCommit {
		if offsets := c.store.storedFor(tps); len(offsets) > 0 {
			cr := c.g.capture(offsets, c.store)
			results, err := c.g.commitSync(ctx, cr)
			c.finishCommit(cr, results, err)
		}
	}

	c.store.remove(tps)
	c.src.remove(tps)
	c.pending = nil
}

// finishAssign resolves the start offsets of a pending assignment and
// starts fetching it. For a group assignment, the assigned callback runs
// once the offsets are in place and before anything is fetched.
func (c *Consumer) finishAssign(ctx context.Context) error {
	p := c.pending
	var fromCommitted []TopicPartition
	for _, tp := range p.tps {
		if o, ok := p.offsets[tp]; !ok || o == OffsetStored {
			fromCommitted = append(fromCommitted, tp)
		}
	}

	if c.g != nil && len(fromCommitted) > 0 {
		committed, err := c.g.fetchOffsets(ctx, fromCommitted)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.rebalance && IsGenerationInvalidating(err) {
				c.g.invalidate(err, true)
				return nil
			}
			return c.g.err(err)
		}
		for _, tpo := range committed {
			if tpo.Err != nil {
				c.log.Log(LogLevelWarn, "unable to fetch committed offset", "topic", tpo.Topic, "partition", tpo.Partition, "err", tpo.Err)
				continue
			}
			if tpo.Offset >= 0 {
				c.store.setCommitted(tpo.TopicPartition, tpo.Offset, true)
			}
		}
	}

	c.pending = nil
	for _, tp := range p.tps {
		start, ok := p.offsets[tp]
		if !ok || start == OffsetStored {
			start = OffsetStored
			if e, ok := c.store.get(tp); ok && e.committed >= 0 {
				start = e.committed
			}
		}
		c.store.seek(tp, start)
		c.src.add(tp, start)
	}

	if p.rebalance {
		c.rebalances++
		c.lastRebalance = time.Now()
		tps := append([]TopicPartition(nil), p.tps...)
		c.log.Log(LogLevelInfo, "assigned partitions", "partitions", tps)
		if c.cfg.onAssigned != nil {
			c.guard.callback(func() { c.cfg.onAssigned(ctx, c, tps) })
		}
		c.cfg.hooks.each(func(h Hook) {
			if h, ok := h.(HookPartitionsAssigned); ok {
				h.OnPartitionsAssigned(c.cfg.group, tps)
			}
		})
	}
	return nil
}

// Commit synchronously commits offsets, or if none are given, the stored
// offsets of all assigned partitions. The returned offsets carry any per
// partition error.
//
// If the group generation changed after the offsets were captured, the
// commit fails with ErrCommitFailed.
func (c *Consumer) Commit(ctx context.Context, offsets ...TopicPartitionOffset) ([]TopicPartitionOffset, error) {
	exit, err := c.enter(true)
	if err != nil {
		return nil, err
	}
	defer exit()
	if c.g == nil {
		return nil, ErrNoGroup
	}
	explicit := offsets
	if offsets, err = c.commitOffsets(explicit); err != nil {
		return nil, err
	}
	// Capture before stepping: a step that ends the generation purges the
	// store, and offsets from the ended generation must fail.
	cr := c.g.capture(offsets, c.store)
	if c.guard.state.Load() != guardCallback {
		if err := c.step(ctx); err != nil {
			return nil, err
		}
		if len(cr.offsets) > 0 {
			if err := c.g.staleErr(cr); err != nil {
				results := failCommit(cr, err)
				c.finishCommit(cr, results, err)
				return results, err
			}
		}
		if cr.generation < 0 {
			if offsets, err = c.commitOffsets(explicit); err != nil {
				return nil, err
			}
			cr = c.g.capture(offsets, c.store)
		}
	}
	if len(cr.offsets) == 0 {
		return nil, nil
	}
	results, err := c.g.commitSync(ctx, cr)
	c.finishCommit(cr, results, err)
	return results, err
}

// CommitAsync commits like Commit, without waiting. The commit's outcome is
// available from the returned result once the commit completes; the commit
// callback and hooks run from inside a later consumer call.
func (c *Consumer) CommitAsync(offsets ...TopicPartitionOffset) *CommitResult {
	exit, err := c.enter(true)
	if err != nil {
		r := newCommitResult()
		r.finish(nil, err)
		return r
	}
	defer exit()
	if c.g == nil {
		r := newCommitResult()
		r.finish(nil, ErrNoGroup)
		return r
	}
	offsets, err = c.commitOffsets(offsets)
	if err != nil || len(offsets) == 0 {
		r := newCommitResult()
		r.finish(nil, err)
		return r
	}
	return c.commitAsync(offsets)
}

func (c *Consumer) commitOffsets(offsets []TopicPartitionOffset) ([]TopicPartitionOffset, error) {
	if len(offsets) == 0 {
		return c.store.stored(), nil
	}
	offsets = append([]TopicPartitionOffset(nil), offsets...)
	for i := range offsets {
		if offsets[i].Offset < 0 {
			return nil, fmt.Errorf("%w: cannot commit %s for %s", ErrInvalidOffset, offsets[i].Offset, offsets[i].TopicPartition)
		}
		offsets[i].Err = nil
	}
	sortPartitionOffsets(offsets)
	return offsets, nil
}

func (c *Consumer) commitAsync(offsets []TopicPartitionOffset) *CommitResult {
	r := newCommitResult()
	cr := c.g.capture(offsets, c.store)
	coordinator := c.g.coordinator
	c.commitWg.Add(1)
	go func() {
		defer c.commitWg.Done()
		ctx, cancel := context.WithTimeout(c.commitCtx, c.cfg.requestTimeout)
		defer cancel()
		var (
			results []TopicPartitionOffset
			err     error
		)
		if coordinator < 0 {
			coordinator, err = c.g.lookupCoordinator(ctx)
		}
		if err == nil {
			results, err = c.g.commit(ctx, coordinator, cr)
		}
		r.finish(results, err)
		select {
		case c.commitsDone <- commitDone{commitReq: cr, result: r, resp: results, err: err}:
		case <-c.commitCtx.Done():
		}
	}()
	return r
}

func (c *Consumer) applyCommits() {
	for {
		select {
		case cd := <-c.commitsDone:
			c.finishCommit(cd.commitReq, cd.resp, cd.err)
		default:
			return
		}
	}
}

// finishCommit records acknowledged offsets and notifies the application.
// A generation error for the current generation forces a rejoin.
func (c *Consumer) finishCommit(cr commitReq, results []TopicPartitionOffset, err error) {
	for _, tpo := range results {
		if tpo.Err == nil {
			c.store.setCommitted(tpo.TopicPartition, tpo.Offset, false)
		}
	}
	if err != nil {
		c.clg.Log(LogLevelWarn, "commit failed", "generation", cr.generation, "offsets", cr.offsets, "err", err)
		if cr.generation >= 0 && cr.generation == c.g.generation.Load() && IsGenerationInvalidating(err) {
			c.g.invalidate(err, !errors.Is(err, kerr.RebalanceInProgress))
		}
	} else {
		c.clg.Log(LogLevelDebug, "commit complete", "generation", cr.generation, "offsets", results)
	}
	if results == nil {
		results = cr.offsets
	}
	if c.cfg.onCommitted != nil {
		c.guard.callback(func() { c.cfg.onCommitted(c, results, err) })
	}
	c.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookOffsetsCommitted); ok {
			h.OnOffsetsCommitted(c.cfg.group, results, err)
		}
	})
}

// StoreOffsets sets the offsets that a commit of current positions sends.
// The offset stored should be the offset of the next record to consume:
// the last processed offset + 1.
func (c *Consumer) StoreOffsets(offsets ...TopicPartitionOffset) error {
	exit, err := c.enter(true)
	if err != nil {
		return err
	}
	defer exit()
	var errs []error
	for _, tpo := range offsets {
		if err := c.store.store(tpo.TopicPartition, tpo.Offset); err != nil {
			errs = append(errs, &PartitionError{Topic: tpo.Topic, Partition: tpo.Partition, Offset: tpo.Offset, Broker: -1, Err: err})
		}
	}
	return errors.Join(errs...)
}

// StoreRecord stores the offset after r, marking r as processed.
func (c *Consumer) StoreRecord(r *Record) error {
	return c.StoreOffsets(TopicPartitionOffset{TopicPartition: r.TopicPartition(), Offset: r.Offset + 1})
}

// Seek sets the next offset to consume for an assigned partition, dropping
// anything already buffered. The offset can be exact or a sentinel:
// OffsetBeginning, OffsetEnd, or OffsetStored for the committed offset.
//
// Seeking from OnPartitionsAssigned changes where the partition is first
// fetched from.
func (c *Consumer) Seek(tpo TopicPartitionOffset) error {
	exit, err := c.enter(true)
	if err != nil {
		return err
	}
	defer exit()
	if c.pending != nil {
		if _, ok := c.pending.offsets[tpo.TopicPartition]; ok || containsPartition(c.pending.tps, tpo.TopicPartition) {
			o, err := startOffset(tpo)
			if err != nil {
				return err
			}
			if c.pending.offsets == nil {
				c.pending.offsets = make(map[TopicPartition]Offset)
			}
			c.pending.offsets[tpo.TopicPartition] = o
			return nil
		}
	}
	e, ok := c.store.get(tpo.TopicPartition)
	if !ok {
		return &PartitionError{Topic: tpo.Topic, Partition: tpo.Partition, Offset: tpo.Offset, Broker: -1, Err: ErrNotAssigned}
	}
	o := tpo.Offset
	switch {
	case o == OffsetStored || o == OffsetInvalid:
		o = OffsetStored
		if e.committed >= 0 {
			o = e.committed
		}
	case o < 0 && o != OffsetBeginning && o != OffsetEnd:
		return fmt.Errorf("%w: %s for %s", ErrInvalidOffset, o, tpo.TopicPartition)
	}
	c.log.Log(LogLevelInfo, "seeking", "topic", tpo.Topic, "partition", tpo.Partition, "offset", o)
	c.store.seek(tpo.TopicPartition, o)
	c.src.seek(tpo.TopicPartition, o)
	return nil
}

// Pause stops fetching and delivering records for the given partitions.
// Records already buffered are kept and delivered after Resume.
func (c *Consumer) Pause(tps ...TopicPartition) error {
	return c.pauseResume(tps, c.src.pause)
}

// Resume resumes paused partitions.
func (c *Consumer) Resume(tps ...TopicPartition) error {
	return c.pauseResume(tps, c.src.resume)
}

func (c *Consumer) pauseResume(tps []TopicPartition, fn func(TopicPartition) bool) error {
	exit, err := c.enter(true)
	if err != nil {
		return err
	}
	defer exit()
	var errs []error
	for _, tp := range tps {
		if !fn(tp) {
			errs = append(errs, &PartitionError{Topic: tp.Topic, Partition: tp.Partition, Offset: OffsetInvalid, Broker: -1, Err: ErrNotAssigned})
		}
	}
	return errors.Join(errs...)
}

// Committed returns the group's committed offsets for tps, as stored by the
// coordinator. Partitions with nothing committed have OffsetInvalid.
func (c *Consumer) Committed(ctx context.Context, tps ...TopicPartition) ([]TopicPartitionOffset, error) {
	exit, err := c.enter(true)
	if err != nil {
		return nil, err
	}
	defer exit()
	if c.g == nil {
		return nil, ErrNoGroup
	}
	committed, err := c.g.fetchOffsets(ctx, tps)
	if err != nil {
		return nil, err
	}
	for _, tpo := range committed {
		if tpo.Err == nil && tpo.Offset >= 0 {
			c.store.setCommitted(tpo.TopicPartition, tpo.Offset, false)
		}
	}
	return committed, nil
}

// Position returns the offset of the next record Consume returns for each
// partition. Partitions that are not assigned have ErrNotAssigned set;
// partitions whose start is not resolved yet have OffsetInvalid.
func (c *Consumer) Position(tps ...TopicPartition) ([]TopicPartitionOffset, error) {
	exit, err := c.enter(true)
	if err != nil {
		return nil, err
	}
	defer exit()
	positions := make([]TopicPartitionOffset, 0, len(tps))
	for _, tp := range tps {
		tpo := TopicPartitionOffset{TopicPartition: tp, Offset: OffsetInvalid}
		if e, ok := c.store.get(tp); !ok {
			tpo.Err = ErrNotAssigned
		} else if e.position >= 0 {
			tpo.Offset = e.position
		}
		positions = append(positions, tpo)
	}
	return positions, nil
}

// OffsetsForTimes returns, for each partition, the earliest offset whose
// timestamp is at or after the given timestamp, or OffsetEnd if there is no
// such record.
func (c *Consumer) OffsetsForTimes(ctx context.Context, tpts ...TopicPartitionTimestamp) ([]TopicPartitionOffset, error) {
	exit, err := c.enter(true)
	if err != nil {
		return nil, err
	}
	defer exit()
	timestamps := make(map[TopicPartition]int64, len(tpts))
	topics := make(map[string]bool)
	for _, tpt := range tpts {
		timestamps[tpt.TopicPartition] = tpt.Timestamp.UnixMilli()
		topics[tpt.Topic] = true
	}
	var refresh []string
	for topic := range topics {
		if _, ok := c.meta.topics[topic]; !ok {
			refresh = append(refresh, topic)
		}
	}
	if err := c.meta.refresh(ctx, refresh); err != nil {
		return nil, err
	}

	listed := listOffsets(ctx, &c.cfg, c.meta, timestamps)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]TopicPartitionOffset, 0, len(tpts))
	for _, tpt := range tpts {
		lo := listed[tpt.TopicPartition]
		tpo := TopicPartitionOffset{TopicPartition: tpt.TopicPartition, Offset: lo.offset, Err: lo.err}
		if lo.err == nil && lo.offset < 0 {
			tpo.Offset = OffsetEnd
		}
		results = append(results, tpo)
	}
	return results, nil
}

// Close revokes the current assignment (committing stored offsets if auto
// commit is enabled), leaves the group unless the member is static, waits
// for outstanding asynchronous commits, and releases resources. All calls
// after Close return ErrClosed.
func (c *Consumer) Close(ctx context.Context) error {
	exit, err := c.enter(false)
	if err != nil {
		return err
	}
	defer exit()
	c.log.Log(LogLevelInfo, "closing consumer")

	switch c.mode {
	case modeSubscribe:
		c.unsubscribe(ctx)
	case modeAssign:
		if c.g != nil && c.cfg.autoCommit {
			if offsets := c.store.stored(); len(offsets) > 0 {
				cr := c.g.capture(offsets, c.store)
				results, err := c.g.commitSync(ctx, cr)
				c.finishCommit(cr, results, err)
			}
		}
		c.unassign()
	}

	done := make(chan struct{})
	go func() {
		c.commitWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Log(LogLevelWarn, "abandoning outstanding commits", "err", ctx.Err())
	}
	c.commitStop()
	c.applyCommits()
	c.closed.Store(true)
	c.src.close()
	if c.g != nil {
		c.g.state = stateLeft
	}
	return nil
}

func dedupe(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	var out []string
	for _, t := range topics {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func containsPartition(tps []TopicPartition, tp TopicPartition) bool {
	for _, t := range tps {
		if t == tp {
			return true
		}
	}
	return false
}
