package kcons

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// CommitResult is the deferred result of CommitAsync.
type CommitResult struct {
	done    chan struct{}
	offsets []TopicPartitionOffset
	err     error
}

func newCommitResult() *CommitResult {
	return &CommitResult{done: make(chan struct{})}
}

func (r *CommitResult) finish(offsets []TopicPartitionOffset, err error) {
	r.offsets, r.err = offsets, err
	close(r.done)
}

// Done returns a channel that is closed once the commit completes.
func (r *CommitResult) Done() <-chan struct{} { return r.done }

// Wait waits for the commit to complete or ctx to be done, returning the
// committed offsets with any per-partition errors set.
func (r *CommitResult) Wait(ctx context.Context) ([]TopicPartitionOffset, error) {
	select {
	case <-r.done:
		return r.offsets, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// commitReq is a commit captured inside a step: the offsets with the group
// generation and member they belong to.
type commitReq struct {
	offsets    []TopicPartitionOffset
	leaderEpo  map[TopicPartition]int32
	generation int32
	memberID   string
}

type commitDone struct {
	commitReq
	result *CommitResult
	resp   []TopicPartitionOffset
	err    error
}

// capture snapshots what a commit of offsets sends. A member that is not in
// a stable generation commits with generation -1, which the coordinator
// accepts only for groups without active members.
func (g *groupClient) capture(offsets []TopicPartitionOffset, store *offsetStore) commitReq {
	cr := commitReq{
		offsets:    offsets,
		leaderEpo:  make(map[TopicPartition]int32, len(offsets)),
		generation: -1,
	}
	if g.state != stateUnjoined {
		cr.generation = g.generation.Load()
		cr.memberID = g.memberID
	}
	for _, tpo := range offsets {
		epoch := int32(-1)
		if e, ok := store.get(tpo.TopicPartition); ok && e.position == tpo.Offset {
			epoch = e.leaderEpoch
		}
		cr.leaderEpo[tpo.TopicPartition] = epoch
	}
	return cr
}

// commit issues an OffsetCommit for cr. It may run off the consumer's
// goroutine, so it only reads the coordinator and generation; coordinator
// errors are left for the next step to act on.
//
// Offsets captured in a generation that is no longer current fail with
// ErrCommitFailed, whether the coordinator or the local member noticed
// first.
func (g *groupClient) commit(ctx context.Context, coordinator int32, cr commitReq) ([]TopicPartitionOffset, error) {
	if len(cr.offsets) == 0 {
		return nil, nil
	}
	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = g.group
	req.Generation = cr.generation
	req.MemberID = cr.memberID
	req.InstanceID = g.cfg.instanceID
	req.RetentionTimeMillis = -1
	parts := make(map[string][]TopicPartitionOffset)
	var topics []string
	for _, tpo := range cr.offsets {
		if _, ok := parts[tpo.Topic]; !ok {
			topics = append(topics, tpo.Topic)
		}
		parts[tpo.Topic] = append(parts[tpo.Topic], tpo)
	}
	for _, topic := range topics {
		rt := kmsg.NewOffsetCommitRequestTopic()
		rt.Topic = topic
		for _, tpo := range parts[topic] {
			rp := kmsg.NewOffsetCommitRequestTopicPartition()
			rp.Partition = tpo.Partition
			rp.Offset = int64(tpo.Offset)
			rp.LeaderEpoch = cr.leaderEpo[tpo.TopicPartition]
			rt.Partitions = append(rt.Partitions, rp)
		}
		req.Topics = append(req.Topics, rt)
	}

	kresp, err := doRequest(ctx, g.cfg.requester, g.cfg.requestTimeout, coordinator, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.OffsetCommitResponse)

	errs := make(map[TopicPartition]error)
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			errs[TopicPartition{t.Topic, p.Partition}] = kerr.ErrorForCode(p.ErrorCode)
		}
	}
	stale := cr.generation >= 0 && g.generation.Load() != cr.generation
	results := make([]TopicPartitionOffset, 0, len(cr.offsets))
	var firstErr error
	for _, tpo := range cr.offsets {
		perr, ok := errs[tpo.TopicPartition]
		switch {
		case !ok:
			perr = fmt.Errorf("%w: partition missing from commit response", ErrInvalidResp)
		case perr != nil && IsGenerationInvalidating(perr):
			perr = fmt.Errorf("%w: %w", ErrCommitFailed, perr)
		case perr == nil && stale:
			perr = ErrCommitFailed
		}
		if perr != nil && firstErr == nil {
			firstErr = perr
		}
		tpo.Err = perr
		results = append(results, tpo)
	}
	return results, firstErr
}

// staleErr returns ErrCommitFailed, wrapping why the generation ended, if
// the generation cr was captured in is no longer current.
func (g *groupClient) staleErr(cr commitReq) error {
	if cr.generation < 0 || g.generation.Load() == cr.generation && g.memberID == cr.memberID {
		return nil
	}
	if g.ended != nil {
		return fmt.Errorf("%w: %w", ErrCommitFailed, g.ended)
	}
	return ErrCommitFailed
}

// failCommit fails every offset in cr with err without contacting the
// coordinator.
func failCommit(cr commitReq, err error) []TopicPartitionOffset {
	results := make([]TopicPartitionOffset, 0, len(cr.offsets))
	for _, tpo := range cr.offsets {
		tpo.Err = err
		results = append(results, tpo)
	}
	return results
}

// commitSync commits on the caller's goroutine, rediscovering the
// coordinator and retrying on coordinator errors until ctx is done.
func (g *groupClient) commitSync(ctx context.Context, cr commitReq) ([]TopicPartitionOffset, error) {
	var results []TopicPartitionOffset
	_, err := retry(ctx, g.cfg.newBackoff(), g.log, "commit", func() (struct{}, error) {
		if g.coordinator < 0 {
			if err := g.findCoordinator(ctx); err != nil {
				return struct{}{}, err
			}
		}
		var err error
		results, err = g.commit(ctx, g.coordinator, cr)
		if err != nil && ctx.Err() == nil && (isCoordinatorErr(err) || !isKafkaErr(err) && IsRetriable(err)) {
			g.coordinator = -1
		}
		return struct{}{}, err
	})
	return results, err
}

func isKafkaErr(err error) bool {
	var ke *kerr.Error
	return errors.As(err, &ke)
}

// fetchOffsets loads the group's committed offsets for tps. Partitions with
// nothing committed are returned with OffsetInvalid.
func (g *groupClient) fetchOffsets(ctx context.Context, tps []TopicPartition) ([]TopicPartitionOffset, error) {
	if len(tps) == 0 {
		return nil, nil
	}
	parts := byTopic(tps)
	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = g.group
	rg := kmsg.NewOffsetFetchRequestGroup()
	rg.Group = g.group
	topics := make([]string, 0, len(parts))
	for topic := range parts {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		rt := kmsg.NewOffsetFetchRequestTopic()
		rt.Topic = topic
		rt.Partitions = parts[topic]
		req.Topics = append(req.Topics, rt)
		grt := kmsg.NewOffsetFetchRequestGroupTopic()
		grt.Topic = topic
		grt.Partitions = parts[topic]
		rg.Topics = append(rg.Topics, grt)
	}
	req.Groups = append(req.Groups, rg)

	type fetched struct {
		offset Offset
		err    error
	}
	got, err := retry(ctx, g.cfg.newBackoff(), g.log, "offset fetch", func() (map[TopicPartition]fetched, error) {
		kresp, err := g.request(ctx, g.cfg.requestTimeout, req)
		if err != nil {
			return nil, err
		}
		resp := kresp.(*kmsg.OffsetFetchResponse)
		got := make(map[TopicPartition]fetched)
		if len(resp.Groups) > 0 {
			rg := resp.Groups[0]
			if err := kerr.ErrorForCode(rg.ErrorCode); err != nil {
				return nil, g.checkCoordinatorErr(err)
			}
			for _, t := range rg.Topics {
				for _, p := range t.Partitions {
					got[TopicPartition{t.Topic, p.Partition}] = fetched{Offset(p.Offset), kerr.ErrorForCode(p.ErrorCode)}
				}
			}
			return got, nil
		}
		if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
			return nil, g.checkCoordinatorErr(err)
		}
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				got[TopicPartition{t.Topic, p.Partition}] = fetched{Offset(p.Offset), kerr.ErrorForCode(p.ErrorCode)}
			}
		}
		return got, nil
	})
	if err != nil {
		return nil, fmt.Errorf("offset fetch: %w", err)
	}

	results := make([]TopicPartitionOffset, 0, len(tps))
	for _, tp := range tps {
		f, ok := got[tp]
		tpo := TopicPartitionOffset{TopicPartition: tp, Offset: OffsetInvalid}
		switch {
		case !ok:
			tpo.Err = fmt.Errorf("%w: partition missing from offset fetch response", ErrInvalidResp)
		case f.err != nil:
			tpo.Err = f.err
		case f.offset >= 0:
			tpo.Offset = f.offset
		}
		results = append(results, tpo)
	}
	return results, nil
}
