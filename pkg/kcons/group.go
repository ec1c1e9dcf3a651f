package kcons

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// groupState is the membership state of a group consumer.
type groupState int8

const (
	// stateUnjoined: not subscribed, or subscribed but never joined.
	stateUnjoined groupState = iota
	// stateJoining: a JoinGroup is due or being retried.
	stateJoining
	// stateAwaitingSync: joined a generation, SyncGroup is due.
	stateAwaitingSync
	// stateStable: the assignment for the current generation is in place
	// and heartbeats are sent on the heartbeat interval.
	stateStable
	// stateRevoking: the generation ended; the consumer must revoke the
	// current assignment before rejoining.
	stateRevoking
	// stateLeft: the consumer is closed.
	stateLeft
)

func (s groupState) String() string {
	switch s {
	case stateUnjoined:
		return "unjoined"
	case stateJoining:
		return "joining"
	case stateAwaitingSync:
		return "awaiting-sync"
	case stateStable:
		return "stable"
	case stateRevoking:
		return "revoking"
	case stateLeft:
		return "left"
	}
	return "unknown"
}

type groupEventKind int8

const (
	eventNone groupEventKind = iota
	// eventRevoke: the current assignment must be revoked; call revoked
	// once done.
	eventRevoke
	// eventAssign: a new assignment arrived from SyncGroup.
	eventAssign
)

type groupEvent struct {
	kind       groupEventKind
	partitions []TopicPartition
	lost       bool
}

// groupClient drives the group membership protocol. It is only used from
// inside a consumer step, except for generation, which fetch and commit
// goroutines read to fence stale responses.
type groupClient struct {
	cfg  *cfg
	log  Logger
	meta *metadata
	b    *backoff.ExponentialBackOff

	group       string
	state       groupState
	coordinator int32
	memberID    string
	generation  atomic.Int32
	protocol    string
	leader      bool

	topics   []string // desired subscription, sorted
	assigned []TopicPartition
	lost     bool
	ended    error // why the last generation ended
	// pendingMembers are the members to assign if we lead the generation
	// being synced.
	pendingMembers []kmsg.JoinGroupResponseMember

	nextHeartbeat time.Time
}

func newGroupClient(cfg *cfg, log Logger, meta *metadata) *groupClient {
	g := &groupClient{
		cfg:         cfg,
		log:         log,
		meta:        meta,
		b:           cfg.newBackoff(),
		group:       cfg.group,
		coordinator: -1,
	}
	g.generation.Store(-1)
	return g
}

// subscribe sets the desired subscription. Changing it while a member
// forces a rebalance.
func (g *groupClient) subscribe(topics []string) {
	topics = append([]string(nil), topics...)
	sort.Strings(topics)
	same := len(topics) == len(g.topics)
	for i := 0; same && i < len(topics); i++ {
		same = topics[i] == g.topics[i]
	}
	g.topics = topics
	switch g.state {
	case stateUnjoined:
		g.state = stateJoining
	case stateStable:
		if !same {
			g.log.Log(LogLevelInfo, "subscription changed, rejoining", "topics", topics)
			g.state = stateRevoking
		}
	case stateAwaitingSync:
		if !same {
			g.state = stateJoining
		}
	}
}

// invalidate ends the current generation. If lost, the coordinator no
// longer considers us the owner of our partitions and our member id is
// dropped.
func (g *groupClient) invalidate(why error, lost bool) {
	switch g.state {
	case stateUnjoined, stateLeft, stateRevoking:
		if lost {
			g.lost = true
		}
		return
	}
	g.log.Log(LogLevelInfo, "group generation ended", "member_id", g.memberID, "generation", g.generation.Load(), "lost", lost, "why", why)
	g.ended = why
	if lost {
		g.memberID = ""
		g.generation.Store(-1)
	}
	g.lost = lost
	g.state = stateRevoking
}

// revoked is called once the consumer revoked the assignment announced by
// an eventRevoke.
func (g *groupClient) revoked() {
	g.assigned = nil
	g.lost = false
	if g.state == stateRevoking {
		g.state = stateJoining
	}
}

func (g *groupClient) err(err error) error {
	return &GroupError{
		Group:       g.group,
		MemberID:    g.memberID,
		Generation:  g.generation.Load(),
		Coordinator: g.coordinator,
		Err:         err,
	}
}

// drive advances the state machine until it reaches a state that needs the
// consumer to act or that is steady. Retriable failures are retried with
// backoff until ctx is done; anything else is returned and the state stays
// where it was so that the next call retries.
func (g *groupClient) drive(ctx context.Context) (groupEvent, error) {
	for {
		var (
			ev  groupEvent
			err error
		)
		switch g.state {
		case stateUnjoined, stateLeft:
			return groupEvent{}, nil
		case stateStable:
			if time.Now().Before(g.nextHeartbeat) {
				return groupEvent{}, nil
			}
			if err := g.heartbeat(ctx); err != nil {
				if ctx.Err() != nil {
					return groupEvent{}, ctx.Err()
				}
				if IsFatal(err) || !IsRetriable(err) {
					return groupEvent{}, g.err(err)
				}
				g.log.Log(LogLevelWarn, "heartbeat failed", "err", err, "next", g.nextHeartbeat)
			}
			if g.state == stateStable {
				return groupEvent{}, nil
			}
			continue
		case stateRevoking:
			return groupEvent{kind: eventRevoke, partitions: g.assigned, lost: g.lost}, nil
		case stateJoining:
			err = g.join(ctx)
		case stateAwaitingSync:
			ev, err = g.sync(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return groupEvent{}, ctx.Err()
			}
			if IsFatal(err) || !IsRetriable(err) && !IsGenerationInvalidating(err) {
				return groupEvent{}, g.err(err)
			}
			wait := g.cfg.retryBackoff
			if !errors.Is(err, kerr.RebalanceInProgress) && !IsGenerationInvalidating(err) {
				wait = g.b.NextBackOff()
			}
			g.log.Log(LogLevelWarn, "group request failed, retrying", "state", g.state, "err", err, "backoff", wait)
			if err := sleep(ctx, wait); err != nil {
				return groupEvent{}, err
			}
			continue
		}
		g.b.Reset()
		if ev.kind != eventNone {
			return ev, nil
		}
	}
}

// request sends req to the coordinator, discovering it first if needed. A
// coordinator error or transport failure forgets the coordinator.
func (g *groupClient) request(ctx context.Context, timeout time.Duration, req kmsg.Request) (kmsg.Response, error) {
	if g.coordinator < 0 {
		if err := g.findCoordinator(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := doRequest(ctx, g.cfg.requester, timeout, g.coordinator, req)
	if err != nil && ctx.Err() == nil {
		g.log.Log(LogLevelWarn, "coordinator request failed", "coordinator", g.coordinator, "key", kmsg.NameForKey(req.Key()), "err", err)
		g.coordinator = -1
	}
	return resp, err
}

func (g *groupClient) checkCoordinatorErr(err error) error {
	if isCoordinatorErr(err) {
		g.coordinator = -1
	}
	return err
}

func (g *groupClient) findCoordinator(ctx context.Context) error {
	node, err := g.lookupCoordinator(ctx)
	if err != nil {
		return err
	}
	g.coordinator = node
	g.log.Log(LogLevelInfo, "found group coordinator", "coordinator", node)
	return nil
}

// lookupCoordinator discovers the group coordinator without remembering
// it, so that it can run off the consumer's goroutine.
func (g *groupClient) lookupCoordinator(ctx context.Context) (int32, error) {
	req := kmsg.NewPtrFindCoordinatorRequest()
	req.CoordinatorKey = g.group
	req.CoordinatorKeys = []string{g.group}
	req.CoordinatorType = 0

	node, err := retry(ctx, g.cfg.newBackoff(), g.log, "find coordinator", func() (int32, error) {
		kresp, err := doRequest(ctx, g.cfg.requester, g.cfg.requestTimeout, AnyBroker, req)
		if err != nil {
			return -1, err
		}
		resp := kresp.(*kmsg.FindCoordinatorResponse)
		code, node := resp.ErrorCode, resp.NodeID
		if len(resp.Coordinators) > 0 {
			code, node = resp.Coordinators[0].ErrorCode, resp.Coordinators[0].NodeID
		}
		if err := kerr.ErrorForCode(code); err != nil {
			return -1, err
		}
		return node, nil
	})
	if err != nil {
		return -1, fmt.Errorf("find coordinator: %w", err)
	}
	return node, nil
}

func (g *groupClient) join(ctx context.Context) error {
	req := kmsg.NewPtrJoinGroupRequest()
	req.Group = g.group
	req.SessionTimeoutMillis = millis(g.cfg.sessionTimeout)
	req.RebalanceTimeoutMillis = millis(g.cfg.rebalanceTimeout)
	req.ProtocolType = "consumer"
	req.MemberID = g.memberID
	req.InstanceID = g.cfg.instanceID
	meta := memberMetadata(g.topics)
	for _, a := range g.cfg.assignors {
		p := kmsg.NewJoinGroupRequestProtocol()
		p.Name = a.Name()
		p.Metadata = meta
		req.Protocols = append(req.Protocols, p)
	}

	g.log.Log(LogLevelInfo, "joining group", "member_id", g.memberID, "topics", g.topics)
	kresp, err := g.request(ctx, g.cfg.rebalanceTimeout+g.cfg.requestTimeout, req)
	if err != nil {
		return err
	}
	resp := kresp.(*kmsg.JoinGroupResponse)
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		switch {
		case errors.Is(err, kerr.MemberIDRequired):
			g.memberID = resp.MemberID
			g.log.Log(LogLevelInfo, "join returned MemberIDRequired, rejoining with response's member id", "member_id", resp.MemberID)
			return g.join(ctx)
		case errors.Is(err, kerr.UnknownMemberID):
			g.memberID = ""
			g.log.Log(LogLevelInfo, "join returned UnknownMemberID, rejoining without a member id")
			return g.join(ctx)
		}
		return g.checkCoordinatorErr(err)
	}

	g.memberID = resp.MemberID
	g.generation.Store(resp.Generation)
	g.protocol = ""
	if resp.Protocol != nil {
		g.protocol = *resp.Protocol
	}
	g.leader = resp.LeaderID == resp.MemberID
	g.log.Log(LogLevelInfo, "joined",
		"member_id", g.memberID,
		"generation", resp.Generation,
		"protocol", g.protocol,
		"leader", g.leader,
	)
	g.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(HookGroupJoined); ok {
			h.OnGroupJoined(g.group, g.memberID, resp.Generation, g.leader)
		}
	})

	g.pendingMembers = nil
	if g.leader {
		g.pendingMembers = resp.Members
	}
	g.state = stateAwaitingSync
	return nil
}

// assign runs our configured assignor for the chosen protocol over every
// member's subscription.
func (g *groupClient) assign(ctx context.Context, kmembers []kmsg.JoinGroupResponseMember) ([]kmsg.SyncGroupRequestGroupAssignment, error) {
	var assignor Assignor
	for _, a := range g.cfg.assignors {
		if a.Name() == g.protocol {
			assignor = a
			break
		}
	}
	if assignor == nil {
		return nil, fmt.Errorf("%w: coordinator chose unknown protocol %q", ErrInvalidResp, g.protocol)
	}
	subscriptions, err := parseSubscriptions(kmembers)
	if err != nil {
		return nil, err
	}
	topics := make(map[string]bool)
	for _, ts := range subscriptions {
		for _, t := range ts {
			topics[t] = true
		}
	}
	all := make([]string, 0, len(topics))
	for t := range topics {
		all = append(all, t)
	}
	if err := g.meta.refresh(ctx, all); err != nil {
		return nil, err
	}
	plan := assignor.Assign(subscriptions, g.meta.partitionCounts(all))
	g.log.Log(LogLevelDebug, "balanced", "protocol", g.protocol, "plan", plan)
	return intoSyncAssignment(plan), nil
}

func (g *groupClient) sync(ctx context.Context) (groupEvent, error) {
	req := kmsg.NewPtrSyncGroupRequest()
	req.Group = g.group
	req.Generation = g.generation.Load()
	req.MemberID = g.memberID
	req.InstanceID = g.cfg.instanceID
	req.ProtocolType = kmsg.StringPtr("consumer")
	req.Protocol = kmsg.StringPtr(g.protocol)
	if g.leader {
		assignments, err := g.assign(ctx, g.pendingMembers)
		if err != nil {
			return groupEvent{}, err
		}
		req.GroupAssignment = assignments
	}

	kresp, err := g.request(ctx, g.cfg.rebalanceTimeout+g.cfg.requestTimeout, req)
	if err != nil {
		return groupEvent{}, err
	}
	resp := kresp.(*kmsg.SyncGroupResponse)
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		switch {
		case errors.Is(err, kerr.RebalanceInProgress):
			g.state = stateJoining
		case errors.Is(err, kerr.UnknownMemberID), errors.Is(err, kerr.IllegalGeneration), errors.Is(err, kerr.FencedInstanceID):
			g.memberID = ""
			g.generation.Store(-1)
			g.state = stateJoining
		}
		return groupEvent{}, g.checkCoordinatorErr(err)
	}

	assigned, err := parseAssignment(resp.MemberAssignment)
	if err != nil {
		g.state = stateJoining
		return groupEvent{}, err
	}
	g.pendingMembers = nil
	g.assigned = assigned
	g.state = stateStable
	g.nextHeartbeat = time.Now().Add(g.cfg.heartbeatInterval)
	g.log.Log(LogLevelInfo, "synced", "generation", req.Generation, "assigned", assigned)
	return groupEvent{kind: eventAssign, partitions: assigned}, nil
}

func (g *groupClient) heartbeat(ctx context.Context) error {
	req := kmsg.NewPtrHeartbeatRequest()
	req.Group = g.group
	req.Generation = g.generation.Load()
	req.MemberID = g.memberID
	req.InstanceID = g.cfg.instanceID

	kresp, err := g.request(ctx, g.cfg.requestTimeout, req)
	if err == nil {
		err = kerr.ErrorForCode(kresp.(*kmsg.HeartbeatResponse).ErrorCode)
	}
	switch {
	case err == nil:
		g.b.Reset()
		g.nextHeartbeat = time.Now().Add(g.cfg.heartbeatInterval)
		g.log.Log(LogLevelDebug, "heartbeat complete")
		return nil
	case errors.Is(err, kerr.RebalanceInProgress):
		g.invalidate(err, false)
		return nil
	case IsGenerationInvalidating(err):
		g.invalidate(err, true)
		if IsFatal(err) {
			return err
		}
		return nil
	}
	// The session is kept alive by whatever heartbeats get through; if
	// none do, the coordinator eventually answers with UnknownMemberID.
	g.checkCoordinatorErr(err)
	wait := g.b.NextBackOff()
	if wait > g.cfg.heartbeatInterval {
		wait = g.cfg.heartbeatInterval
	}
	g.nextHeartbeat = time.Now().Add(wait)
	return err
}

// leave sends a best effort LeaveGroup. Static members do not leave; their
// session outlives the process so a restart keeps the assignment.
func (g *groupClient) leave(ctx context.Context) {
	defer func() {
		g.state = stateLeft
		g.generation.Store(-1)
	}()
	if g.memberID == "" || g.cfg.instanceID != nil {
		return
	}
	req := kmsg.NewPtrLeaveGroupRequest()
	req.Group = g.group
	req.MemberID = g.memberID
	m := kmsg.NewLeaveGroupRequestMember()
	m.MemberID = g.memberID
	req.Members = append(req.Members, m)

	kresp, err := g.request(ctx, g.cfg.requestTimeout, req)
	if err == nil {
		err = kerr.ErrorForCode(kresp.(*kmsg.LeaveGroupResponse).ErrorCode)
	}
	if err != nil {
		g.log.Log(LogLevelWarn, "unable to leave group, the coordinator will expire our session", "err", err)
		return
	}
	g.log.Log(LogLevelInfo, "left group", "member_id", g.memberID)
}

// unsubscribe leaves the group and returns to unjoined.
func (g *groupClient) unsubscribe(ctx context.Context) {
	g.leave(ctx)
	g.state = stateUnjoined
	g.memberID = ""
	g.topics = nil
	g.assigned = nil
	g.lost = false
}
