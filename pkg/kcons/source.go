package kcons

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// cursor is the fetch state of an assigned partition.
type cursor struct {
	tp TopicPartition

	// offset is the next offset to fetch. Until the partition's start
	// is known, this is a sentinel: OffsetBeginning and OffsetEnd are
	// resolved with ListOffsets.
	offset      Offset
	leader      int32
	leaderEpoch int32

	paused   bool
	inflight bool
	// epoch changes on every seek and reset and is unique across
	// cursors, so a partition removed and added again never matches a
	// fetch issued for its previous incarnation.
	epoch uint64
	// err is a sticky error that stops fetching until the next seek.
	err error

	hwm     int64
	eofSent bool
}

// chunk is the undelivered part of one partition's fetch response.
type chunk struct {
	tp    TopicPartition
	epoch uint64
	recs  []*Record
}

type fetchReq struct {
	broker  int32
	epochs  map[TopicPartition]uint64
	offsets map[TopicPartition]Offset
	gen     uint64
}

type fetchResult struct {
	fetchReq
	resp *kmsg.FetchResponse
	err  error
}

type partitionStats struct {
	fetched  int64
	bytes    int64
	hwm      int64
	buffered int
}

// source schedules fetches for the assigned partitions: at most one
// outstanding fetch per broker, covering every ready partition led by that
// broker. Fetches run on background goroutines that only perform the
// request; responses are applied by apply, from inside a consumer step.
type source struct {
	cfg   *cfg
	log   Logger
	meta  *metadata
	store *offsetStore
	dec   *decompressor

	cursors map[TopicPartition]*cursor
	order   []TopicPartition
	// gen increases whenever the assignment changes.
	gen    uint64
	epochs uint64

	inflight     map[int32]bool
	brokerWait   map[int32]time.Time
	needMeta     bool // partitions without a leader
	staleMeta    bool // cached leaders are known to be wrong
	results      chan fetchResult
	buffered     []*chunk
	pendingErrs  []error
	partStats    map[TopicPartition]*partitionStats
	fetchedBytes int64
	fetchedRecs  int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSource(cfg *cfg, log Logger, meta *metadata, store *offsetStore) *source {
	ctx, cancel := context.WithCancel(context.Background())
	return &source{
		cfg:        cfg,
		log:        log,
		meta:       meta,
		store:      store,
		dec:        newDecompressor(),
		cursors:    make(map[TopicPartition]*cursor),
		inflight:   make(map[int32]bool),
		brokerWait: make(map[int32]time.Time),
		results:    make(chan fetchResult, 16),
		partStats:  make(map[TopicPartition]*partitionStats),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// add starts tracking tp from offset, which may be a sentinel.
func (s *source) add(tp TopicPartition, offset Offset) {
	if _, ok := s.cursors[tp]; ok {
		s.seek(tp, offset)
		return
	}
	s.cursors[tp] = &cursor{tp: tp, offset: offset, leader: -1, leaderEpoch: -1, hwm: -1, epoch: s.nextEpoch()}
	s.order = append(s.order, tp)
	s.partStats[tp] = &partitionStats{hwm: -1}
	s.gen++
	s.needMeta = true
}

func (s *source) nextEpoch() uint64 {
	s.epochs++
	return s.epochs
}

// remove stops fetching tps and drops everything buffered for them.
func (s *source) remove(tps []TopicPartition) {
	if len(tps) == 0 {
		return
	}
	for _, tp := range tps {
		delete(s.cursors, tp)
		delete(s.partStats, tp)
	}
	keep := s.order[:0]
	for _, tp := range s.order {
		if _, ok := s.cursors[tp]; ok {
			keep = append(keep, tp)
		}
	}
	s.order = keep
	s.dropBuffered(func(c *chunk) bool { _, ok := s.cursors[c.tp]; return !ok })
	s.gen++
}

func (s *source) clear() {
	s.remove(append([]TopicPartition(nil), s.order...))
	s.pendingErrs = nil
}

func (s *source) dropBuffered(drop func(*chunk) bool) {
	keep := s.buffered[:0]
	for _, c := range s.buffered {
		if !drop(c) {
			keep = append(keep, c)
		}
	}
	for i := len(keep); i < len(s.buffered); i++ {
		s.buffered[i] = nil
	}
	s.buffered = keep
}

// seek resets where tp is fetched from, discarding anything buffered or in
// flight for the old position.
func (s *source) seek(tp TopicPartition, offset Offset) bool {
	c, ok := s.cursors[tp]
	if !ok {
		return false
	}
	c.offset = offset
	c.epoch = s.nextEpoch()
	c.inflight = false
	c.err = nil
	c.eofSent = false
	s.dropBuffered(func(ch *chunk) bool { return ch.tp == tp })
	return true
}

// pause excludes tp from fetching and delivery. The fetch offset and any
// buffered records are kept for resume.
func (s *source) pause(tp TopicPartition) bool {
	c, ok := s.cursors[tp]
	if ok {
		c.paused = true
	}
	return ok
}

func (s *source) resume(tp TopicPartition) bool {
	c, ok := s.cursors[tp]
	if ok {
		c.paused = false
	}
	return ok
}

// next returns the next deliverable record, or a partition error that was
// recorded while applying fetches. Records for paused partitions stay
// buffered. Delivering a record advances the partition's position.
func (s *source) next() (*Record, error) {
	if len(s.pendingErrs) > 0 {
		err := s.pendingErrs[0]
		s.pendingErrs = s.pendingErrs[1:]
		return nil, err
	}
	for i, c := range s.buffered {
		cur, ok := s.cursors[c.tp]
		if !ok || cur.epoch != c.epoch {
			continue
		}
		if cur.paused {
			continue
		}
		r := c.recs[0]
		c.recs[0] = nil
		c.recs = c.recs[1:]
		if len(c.recs) == 0 {
			s.buffered = append(s.buffered[:i], s.buffered[i+1:]...)
		}
		if ps := s.partStats[c.tp]; ps != nil {
			ps.buffered--
		}
		if !r.PartitionEOF {
			s.store.advance(c.tp, r.Offset+1, r.LeaderEpoch)
		}
		return r, nil
	}
	return nil, nil
}

func (s *source) hasBuffered(tp TopicPartition) bool {
	for _, c := range s.buffered {
		if c.tp == tp {
			return true
		}
	}
	return false
}

// prepare resolves sentinel offsets and refreshes metadata if partitions
// lost their leader. It issues requests on the caller's goroutine.
func (s *source) prepare(ctx context.Context) error {
	if s.needMeta && !s.staleMeta {
		// New partitions can use what is cached.
		s.needMeta = !s.applyLeaders()
		s.staleMeta = s.needMeta
	}
	if s.staleMeta && s.meta.stale() {
		topics := make(map[string]bool)
		for _, tp := range s.order {
			topics[tp.Topic] = true
		}
		list := make([]string, 0, len(topics))
		for t := range topics {
			list = append(list, t)
		}
		if err := s.meta.refresh(ctx, list); err != nil {
			return err
		}
		s.needMeta = !s.applyLeaders()
		s.staleMeta = s.needMeta
	}

	var resolve map[TopicPartition]int64
	for _, tp := range s.order {
		c := s.cursors[tp]
		if c.leader < 0 || c.err != nil || c.offset >= 0 {
			continue
		}
		switch c.offset {
		case OffsetBeginning, OffsetEnd:
		default:
			s.resetCursor(c, nil)
			if c.err != nil {
				continue
			}
		}
		if resolve == nil {
			resolve = make(map[TopicPartition]int64)
		}
		resolve[tp] = int64(c.offset)
	}
	if len(resolve) == 0 {
		return nil
	}
	for tp, lo := range listOffsets(ctx, s.cfg, s.meta, resolve) {
		c, ok := s.cursors[tp]
		if !ok {
			continue
		}
		if lo.err != nil {
			if isLeaderErr(lo.err) {
				s.needMeta, s.staleMeta = true, true
			}
			s.log.Log(LogLevelWarn, "unable to resolve start offset", "topic", tp.Topic, "partition", tp.Partition, "err", lo.err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		s.log.Log(LogLevelInfo, "resolved start offset", "topic", tp.Topic, "partition", tp.Partition, "from", c.offset, "offset", lo.offset)
		c.offset = lo.offset
		c.epoch = s.nextEpoch()
		s.store.seek(tp, lo.offset)
	}
	return nil
}

// applyLeaders sets every cursor's leader from the cached metadata,
// returning whether all partitions have a usable leader.
func (s *source) applyLeaders() bool {
	all := true
	for _, tp := range s.order {
		c := s.cursors[tp]
		leader, epoch, err := s.meta.leader(tp)
		if err != nil {
			c.leader = -1
			all = false
			s.log.Log(LogLevelDebug, "partition has no usable leader", "topic", tp.Topic, "partition", tp.Partition, "err", err)
			continue
		}
		c.leader, c.leaderEpoch = leader, epoch
	}
	return all
}

// resetCursor moves c to the reset policy's sentinel, or makes the cursor
// stick on a partition error if the policy is ResetError.
func (s *source) resetCursor(c *cursor, cause error) {
	if s.cfg.resetPolicy == ResetError {
		if cause == nil {
			cause = ErrNoOffset
		}
		c.err = &PartitionError{
			Topic:     c.tp.Topic,
			Partition: c.tp.Partition,
			Offset:    c.offset,
			Broker:    c.leader,
			Err:       cause,
		}
		s.pendingErrs = append(s.pendingErrs, c.err)
		return
	}
	s.log.Log(LogLevelInfo, "resetting partition offset", "topic", c.tp.Topic, "partition", c.tp.Partition, "from", c.offset, "policy", s.cfg.resetPolicy, "cause", cause)
	c.offset = s.cfg.resetPolicy.offset()
	c.epoch = s.nextEpoch()
}

// issue starts a fetch for every broker with no outstanding fetch that
// leads at least one ready partition. It returns the number started.
func (s *source) issue() int {
	now := time.Now()
	reqs := make(map[int32]*kmsg.FetchRequest)
	meta := make(map[int32]*fetchReq)
	for _, tp := range s.order {
		c := s.cursors[tp]
		if c.paused || c.inflight || c.err != nil || c.leader < 0 || c.offset < 0 {
			continue
		}
		if s.inflight[c.leader] || now.Before(s.brokerWait[c.leader]) || s.hasBuffered(tp) {
			continue
		}
		req, ok := reqs[c.leader]
		if !ok {
			req = kmsg.NewPtrFetchRequest()
			req.ReplicaID = -1
			req.MaxWaitMillis = millis(s.cfg.fetchMaxWait)
			req.MinBytes = s.cfg.fetchMinBytes
			req.MaxBytes = s.cfg.fetchMaxBytes
			req.IsolationLevel = 0
			req.SessionEpoch = -1
			reqs[c.leader] = req
			meta[c.leader] = &fetchReq{
				broker:  c.leader,
				epochs:  make(map[TopicPartition]uint64),
				offsets: make(map[TopicPartition]Offset),
				gen:     s.gen,
			}
		}
		var rt *kmsg.FetchRequestTopic
		for i := range req.Topics {
			if req.Topics[i].Topic == tp.Topic {
				rt = &req.Topics[i]
				break
			}
		}
		if rt == nil {
			t := kmsg.NewFetchRequestTopic()
			t.Topic = tp.Topic
			t.TopicID = s.meta.topicID(tp.Topic)
			req.Topics = append(req.Topics, t)
			rt = &req.Topics[len(req.Topics)-1]
		}
		rp := kmsg.NewFetchRequestTopicPartition()
		rp.Partition = tp.Partition
		rp.CurrentLeaderEpoch = c.leaderEpoch
		rp.FetchOffset = int64(c.offset)
		rp.LastFetchedEpoch = -1
		rp.LogStartOffset = -1
		rp.PartitionMaxBytes = s.cfg.fetchMaxPartBytes
		rt.Partitions = append(rt.Partitions, rp)

		c.inflight = true
		fm := meta[c.leader]
		fm.epochs[tp] = c.epoch
		fm.offsets[tp] = c.offset
	}

	for broker, req := range reqs {
		s.inflight[broker] = true
		fr := *meta[broker]
		s.wg.Add(1)
		go func(req *kmsg.FetchRequest) {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.requestTimeout+s.cfg.fetchMaxWait)
			defer cancel()
			kresp, err := s.cfg.requester.Request(ctx, fr.broker, req)
			r := fetchResult{fetchReq: fr, err: err}
			if err == nil {
				r.resp = kresp.(*kmsg.FetchResponse)
			}
			select {
			case s.results <- r:
			case <-s.ctx.Done():
			}
		}(req)
	}
	return len(reqs)
}

func (s *source) outstanding() bool {
	for _, in := range s.inflight {
		if in {
			return true
		}
	}
	return false
}

// drain applies every fetch result that has already arrived.
func (s *source) drain(hs hooks) {
	for {
		select {
		case r := <-s.results:
			s.apply(r, hs)
		default:
			return
		}
	}
}

// apply merges a fetch result. Partitions are buffered in assignment order;
// results for partitions reset or reassigned since the fetch was issued are
// discarded.
func (s *source) apply(r fetchResult, hs hooks) {
	s.inflight[r.broker] = false
	for tp, epoch := range r.epochs {
		if c, ok := s.cursors[tp]; ok && c.epoch == epoch {
			c.inflight = false
		}
	}
	if r.gen != s.gen {
		s.log.Log(LogLevelDebug, "fetch was issued for a previous assignment, keeping only unchanged partitions", "broker", r.broker)
	}

	if r.err == nil {
		r.err = kerr.ErrorForCode(r.resp.ErrorCode)
	}
	if r.err != nil {
		if errors.Is(r.err, context.Canceled) && s.ctx.Err() != nil {
			return
		}
		s.log.Log(LogLevelWarn, "fetch failed, backing off broker", "broker", r.broker, "err", r.err)
		s.brokerWait[r.broker] = time.Now().Add(s.cfg.retryBackoff)
		s.needMeta, s.staleMeta = true, true
		return
	}

	byTP := make(map[TopicPartition]*kmsg.FetchResponseTopicPartition)
	for i := range r.resp.Topics {
		t := &r.resp.Topics[i]
		topic := s.meta.topicName(t.Topic, t.TopicID)
		for j := range t.Partitions {
			byTP[TopicPartition{topic, t.Partitions[j].Partition}] = &t.Partitions[j]
		}
	}

	for _, tp := range s.order {
		epoch, asked := r.epochs[tp]
		rp, got := byTP[tp]
		if !asked || !got {
			continue
		}
		c := s.cursors[tp]
		if c.epoch != epoch || r.offsets[tp] != c.offset {
			continue
		}
		s.applyPartition(r.broker, c, rp, hs)
	}
}

func (s *source) applyPartition(broker int32, c *cursor, rp *kmsg.FetchResponseTopicPartition, hs hooks) {
	tp := c.tp
	if err := kerr.ErrorForCode(rp.ErrorCode); err != nil {
		switch {
		case errors.Is(err, kerr.OffsetOutOfRange):
			s.resetCursor(c, err)
		case isLeaderErr(err):
			s.log.Log(LogLevelInfo, "partition leadership moved, refreshing metadata", "topic", tp.Topic, "partition", tp.Partition, "broker", broker, "err", err)
			c.leader = -1
			s.needMeta, s.staleMeta = true, true
		default:
			s.pendingErrs = append(s.pendingErrs, &PartitionError{
				Topic:     tp.Topic,
				Partition: tp.Partition,
				Offset:    c.offset,
				Broker:    broker,
				Err:       err,
			})
		}
		return
	}

	c.hwm = rp.HighWatermark
	ps := s.partStats[tp]
	ps.hwm = rp.HighWatermark

	recs, next, nbytes, err := decodeBatches(tp, rp.RecordBatches, c.offset, s.dec)
	if next > c.offset {
		c.offset = next
	}
	if len(recs) > 0 {
		c.eofSent = false
		s.buffered = append(s.buffered, &chunk{tp: tp, epoch: c.epoch, recs: recs})
		ps.buffered += len(recs)
		ps.fetched += int64(len(recs))
		ps.bytes += int64(nbytes)
		s.fetchedRecs += int64(len(recs))
		s.fetchedBytes += int64(nbytes)
		hs.each(func(h Hook) {
			if h, ok := h.(HookFetchBatchRead); ok {
				h.OnFetchBatchRead(broker, tp, len(recs), nbytes)
			}
		})
	} else if s.cfg.partitionEOF && !c.eofSent && int64(c.offset) >= rp.HighWatermark {
		c.eofSent = true
		s.buffered = append(s.buffered, &chunk{tp: tp, epoch: c.epoch, recs: []*Record{{
			Topic:        tp.Topic,
			Partition:    tp.Partition,
			Offset:       c.offset,
			PartitionEOF: true,
		}}})
		ps.buffered++
	}
	if err != nil {
		s.pendingErrs = append(s.pendingErrs, &PartitionError{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    c.offset,
			Broker:    broker,
			Err:       err,
		})
	}
}

func (s *source) close() {
	s.cancel()
	s.wg.Wait()
	s.dec.close()
}
