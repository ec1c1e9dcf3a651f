package kcons

import (
	"context"
	"hash/crc32"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const fakeBroker int32 = 1

type fakeRecord struct {
	key, value []byte
	headers    []kmsg.Header
	ts         int64
}

type fakePartition struct {
	logStart int64
	records  []fakeRecord // records[i] is at offset logStart+i
	epoch    int32
}

func (p *fakePartition) hwm() int64 { return p.logStart + int64(len(p.records)) }

type fakeGroup struct {
	memberID   string
	generation int32
	rebalance  bool
	assignment []byte
	leaves     int
	committed  map[TopicPartition]int64
}

// fakeCluster is a single broker cluster that answers the requests the
// consumer issues. Groups support one member at a time; a new member
// replaces the old one.
type fakeCluster struct {
	mu sync.Mutex

	topics map[string][]*fakePartition
	ids    map[string][16]byte
	groups map[string]*fakeGroup

	nextMember int
	requests   map[int16]int
	commits    []*kmsg.OffsetCommitRequest

	// intercept, if set, is consulted before the default handling. It
	// returns handled=false to fall through.
	intercept func(req kmsg.Request) (resp kmsg.Response, err error, handled bool)
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		topics:   make(map[string][]*fakePartition),
		ids:      make(map[string][16]byte),
		groups:   make(map[string]*fakeGroup),
		requests: make(map[int16]int),
	}
}

// addTopic creates topic with n empty partitions.
func (f *fakeCluster) addTopic(topic string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := make([]*fakePartition, n)
	for i := range ps {
		ps[i] = &fakePartition{}
	}
	f.topics[topic] = ps
	var id [16]byte
	copy(id[:], topic)
	id[15] = byte(len(f.ids) + 1)
	f.ids[topic] = id
}

// produce appends n records to a partition, with values "<offset>" and
// timestamps base+offset seconds.
func (f *fakeCluster) produce(topic string, partition int32, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.topics[topic][partition]
	for i := 0; i < n; i++ {
		offset := p.hwm()
		p.records = append(p.records, fakeRecord{
			key:   []byte(topic),
			value: []byte(strconv.FormatInt(offset, 10)),
			ts:    fakeTimestamp(offset).UnixMilli(),
		})
	}
}

// truncate moves the log start of a partition forward.
func (f *fakeCluster) truncate(topic string, partition int32, logStart int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.topics[topic][partition]
	drop := logStart - p.logStart
	if drop > int64(len(p.records)) {
		drop = int64(len(p.records))
	}
	p.records = p.records[drop:]
	p.logStart = logStart
}

func fakeTimestamp(offset int64) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(offset) * time.Second)
}

func (f *fakeCluster) group(name string) *fakeGroup {
	g, ok := f.groups[name]
	if !ok {
		g = &fakeGroup{committed: make(map[TopicPartition]int64)}
		f.groups[name] = g
	}
	return g
}

// commit stores an offset for a group as if committed by another client.
func (f *fakeCluster) commit(group string, tp TopicPartition, offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group(group).committed[tp] = offset
}

func (f *fakeCluster) committed(group string, tp TopicPartition) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.group(group).committed[tp]
	return o, ok
}

// rebalance makes the next heartbeat of the group's member fail with
// RebalanceInProgress.
func (f *fakeCluster) rebalance(group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group(group).rebalance = true
}

// bumpGeneration ends the group's generation as if another member joined.
func (f *fakeCluster) bumpGeneration(group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group(group).generation++
}

func (f *fakeCluster) generation(group string) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.group(group).generation
}

func (f *fakeCluster) count(key int16) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[key]
}

func (f *fakeCluster) setIntercept(fn func(kmsg.Request) (kmsg.Response, error, bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intercept = fn
}

func (f *fakeCluster) Request(ctx context.Context, _ int32, req kmsg.Request) (kmsg.Response, error) {
	f.mu.Lock()
	f.requests[req.Key()]++
	if f.intercept != nil {
		if resp, err, ok := f.intercept(req); ok {
			f.mu.Unlock()
			return resp, err
		}
	}

	var (
		resp  kmsg.Response
		empty bool
	)
	switch req := req.(type) {
	case *kmsg.MetadataRequest:
		resp = f.metadata(req)
	case *kmsg.FindCoordinatorRequest:
		resp = f.findCoordinator(req)
	case *kmsg.JoinGroupRequest:
		resp = f.joinGroup(req)
	case *kmsg.SyncGroupRequest:
		resp = f.syncGroup(req)
	case *kmsg.HeartbeatRequest:
		resp = f.heartbeat(req)
	case *kmsg.LeaveGroupRequest:
		resp = f.leaveGroup(req)
	case *kmsg.OffsetCommitRequest:
		resp = f.offsetCommit(req)
	case *kmsg.OffsetFetchRequest:
		resp = f.offsetFetch(req)
	case *kmsg.ListOffsetsRequest:
		resp = f.listOffsets(req)
	case *kmsg.FetchRequest:
		resp, empty = f.fetch(req)
		if empty {
			defer sleepCtx(ctx, 5*time.Millisecond)
		}
	default:
		f.mu.Unlock()
		return nil, kerr.UnsupportedVersion
	}
	f.mu.Unlock()
	return resp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (f *fakeCluster) metadata(req *kmsg.MetadataRequest) *kmsg.MetadataResponse {
	resp := kmsg.NewPtrMetadataResponse()
	b := kmsg.NewMetadataResponseBroker()
	b.NodeID = fakeBroker
	b.Host = "localhost"
	b.Port = 9092
	resp.Brokers = append(resp.Brokers, b)
	for _, rt := range req.Topics {
		topic := *rt.Topic
		t := kmsg.NewMetadataResponseTopic()
		t.Topic = kmsg.StringPtr(topic)
		ps, ok := f.topics[topic]
		if !ok {
			t.ErrorCode = kerr.UnknownTopicOrPartition.Code
			resp.Topics = append(resp.Topics, t)
			continue
		}
		t.TopicID = f.ids[topic]
		for i, p := range ps {
			mp := kmsg.NewMetadataResponseTopicPartition()
			mp.Partition = int32(i)
			mp.Leader = fakeBroker
			mp.LeaderEpoch = p.epoch
			mp.Replicas = []int32{fakeBroker}
			mp.ISR = []int32{fakeBroker}
			t.Partitions = append(t.Partitions, mp)
		}
		resp.Topics = append(resp.Topics, t)
	}
	return resp
}

func (f *fakeCluster) findCoordinator(req *kmsg.FindCoordinatorRequest) *kmsg.FindCoordinatorResponse {
	resp := kmsg.NewPtrFindCoordinatorResponse()
	resp.NodeID = fakeBroker
	for _, key := range req.CoordinatorKeys {
		c := kmsg.NewFindCoordinatorResponseCoordinator()
		c.Key = key
		c.NodeID = fakeBroker
		c.Host = "localhost"
		c.Port = 9092
		resp.Coordinators = append(resp.Coordinators, c)
	}
	return resp
}

func (f *fakeCluster) joinGroup(req *kmsg.JoinGroupRequest) *kmsg.JoinGroupResponse {
	resp := kmsg.NewPtrJoinGroupResponse()
	if req.MemberID == "" {
		f.nextMember++
		resp.ErrorCode = kerr.MemberIDRequired.Code
		resp.MemberID = "member-" + strconv.Itoa(f.nextMember)
		return resp
	}
	g := f.group(req.Group)
	g.memberID = req.MemberID
	g.generation++
	g.rebalance = false
	g.assignment = nil

	resp.Generation = g.generation
	resp.Protocol = kmsg.StringPtr(req.Protocols[0].Name)
	resp.LeaderID = req.MemberID
	resp.MemberID = req.MemberID
	m := kmsg.NewJoinGroupResponseMember()
	m.MemberID = req.MemberID
	m.ProtocolMetadata = req.Protocols[0].Metadata
	resp.Members = append(resp.Members, m)
	return resp
}

func (f *fakeCluster) checkMember(group, member string, generation int32) int16 {
	g := f.group(group)
	switch {
	case g.memberID == "" || g.memberID != member:
		return kerr.UnknownMemberID.Code
	case g.generation != generation:
		return kerr.IllegalGeneration.Code
	}
	return 0
}

func (f *fakeCluster) syncGroup(req *kmsg.SyncGroupRequest) *kmsg.SyncGroupResponse {
	resp := kmsg.NewPtrSyncGroupResponse()
	if code := f.checkMember(req.Group, req.MemberID, req.Generation); code != 0 {
		resp.ErrorCode = code
		return resp
	}
	g := f.group(req.Group)
	for _, a := range req.GroupAssignment {
		if a.MemberID == req.MemberID {
			g.assignment = a.MemberAssignment
		}
	}
	resp.MemberAssignment = g.assignment
	return resp
}

func (f *fakeCluster) heartbeat(req *kmsg.HeartbeatRequest) *kmsg.HeartbeatResponse {
	resp := kmsg.NewPtrHeartbeatResponse()
	if code := f.checkMember(req.Group, req.MemberID, req.Generation); code != 0 {
		resp.ErrorCode = code
		return resp
	}
	if g := f.group(req.Group); g.rebalance {
		resp.ErrorCode = kerr.RebalanceInProgress.Code
	}
	return resp
}

func (f *fakeCluster) leaveGroup(req *kmsg.LeaveGroupRequest) *kmsg.LeaveGroupResponse {
	resp := kmsg.NewPtrLeaveGroupResponse()
	g := f.group(req.Group)
	if g.memberID == req.MemberID {
		g.memberID = ""
		g.leaves++
	}
	return resp
}

func (f *fakeCluster) offsetCommit(req *kmsg.OffsetCommitRequest) *kmsg.OffsetCommitResponse {
	f.commits = append(f.commits, req)
	resp := kmsg.NewPtrOffsetCommitResponse()
	var code int16
	if req.Generation >= 0 {
		code = f.checkMember(req.Group, req.MemberID, req.Generation)
	}
	g := f.group(req.Group)
	for _, rt := range req.Topics {
		t := kmsg.NewOffsetCommitResponseTopic()
		t.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			p := kmsg.NewOffsetCommitResponseTopicPartition()
			p.Partition = rp.Partition
			p.ErrorCode = code
			if code == 0 {
				g.committed[TopicPartition{rt.Topic, rp.Partition}] = rp.Offset
			}
			t.Partitions = append(t.Partitions, p)
		}
		resp.Topics = append(resp.Topics, t)
	}
	return resp
}

func (f *fakeCluster) offsetFetch(req *kmsg.OffsetFetchRequest) *kmsg.OffsetFetchResponse {
	resp := kmsg.NewPtrOffsetFetchResponse()
	for _, rg := range req.Groups {
		g := f.group(rg.Group)
		grp := kmsg.NewOffsetFetchResponseGroup()
		grp.Group = rg.Group
		for _, rt := range rg.Topics {
			t := kmsg.NewOffsetFetchResponseGroupTopic()
			t.Topic = rt.Topic
			for _, partition := range rt.Partitions {
				p := kmsg.NewOffsetFetchResponseGroupTopicPartition()
				p.Partition = partition
				p.Offset = -1
				p.LeaderEpoch = -1
				if o, ok := g.committed[TopicPartition{rt.Topic, partition}]; ok {
					p.Offset = o
				}
				t.Partitions = append(t.Partitions, p)
			}
			grp.Topics = append(grp.Topics, t)
		}
		resp.Groups = append(resp.Groups, grp)
	}
	return resp
}

func (f *fakeCluster) listOffsets(req *kmsg.ListOffsetsRequest) *kmsg.ListOffsetsResponse {
	resp := kmsg.NewPtrListOffsetsResponse()
	for _, rt := range req.Topics {
		t := kmsg.NewListOffsetsResponseTopic()
		t.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			p := kmsg.NewListOffsetsResponseTopicPartition()
			p.Partition = rp.Partition
			p.LeaderEpoch = 0
			ps, ok := f.topics[rt.Topic]
			if !ok || int(rp.Partition) >= len(ps) {
				p.ErrorCode = kerr.UnknownTopicOrPartition.Code
				t.Partitions = append(t.Partitions, p)
				continue
			}
			fp := ps[rp.Partition]
			switch rp.Timestamp {
			case -2:
				p.Offset = fp.logStart
			case -1:
				p.Offset = fp.hwm()
			default:
				p.Offset = -1
				p.Timestamp = -1
				for i, r := range fp.records {
					if r.ts >= rp.Timestamp {
						p.Offset = fp.logStart + int64(i)
						p.Timestamp = r.ts
						break
					}
				}
			}
			t.Partitions = append(t.Partitions, p)
		}
		resp.Topics = append(resp.Topics, t)
	}
	return resp
}

// fetch returns every record from each requested offset, one batch per
// record.
func (f *fakeCluster) fetch(req *kmsg.FetchRequest) (*kmsg.FetchResponse, bool) {
	resp := kmsg.NewPtrFetchResponse()
	empty := true
	for _, rt := range req.Topics {
		t := kmsg.NewFetchResponseTopic()
		t.Topic = rt.Topic
		t.TopicID = rt.TopicID
		for _, rp := range rt.Partitions {
			p := kmsg.NewFetchResponseTopicPartition()
			p.Partition = rp.Partition
			ps, ok := f.topics[rt.Topic]
			if !ok || int(rp.Partition) >= len(ps) {
				p.ErrorCode = kerr.UnknownTopicOrPartition.Code
				t.Partitions = append(t.Partitions, p)
				continue
			}
			fp := ps[rp.Partition]
			p.HighWatermark = fp.hwm()
			p.LastStableOffset = fp.hwm()
			p.LogStartOffset = fp.logStart
			if rp.FetchOffset < fp.logStart || rp.FetchOffset > fp.hwm() {
				p.ErrorCode = kerr.OffsetOutOfRange.Code
				t.Partitions = append(t.Partitions, p)
				continue
			}
			for o := rp.FetchOffset; o < fp.hwm(); o++ {
				r := fp.records[o-fp.logStart]
				p.RecordBatches = append(p.RecordBatches, encodeBatch(o, fp.epoch, 0, []fakeRecord{r}, nil)...)
				empty = false
			}
			t.Partitions = append(t.Partitions, p)
		}
		resp.Topics = append(resp.Topics, t)
	}
	return resp, empty
}

// encodeRecord encodes r at offsetDelta within its batch. All records in a
// batch share the batch's first timestamp.
func encodeRecord(offsetDelta int32, r fakeRecord) []byte {
	kr := kmsg.Record{
		OffsetDelta: offsetDelta,
		Key:         r.key,
		Value:       r.value,
		Headers:     r.headers,
	}
	// The length prefix counts everything after itself; a zero length
	// encodes in one byte.
	kr.Length = int32(len(kr.AppendTo(nil)) - 1)
	return kr.AppendTo(nil)
}

// encodeBatch encodes recs as a v2 batch starting at base, compressing the
// records section with compress if non-nil.
func encodeBatch(base int64, leaderEpoch int32, attrs int16, recs []fakeRecord, compress func([]byte) []byte) []byte {
	var raw []byte
	for i, r := range recs {
		raw = append(raw, encodeRecord(int32(i), r)...)
	}
	if compress != nil {
		raw = compress(raw)
	}
	b := kmsg.RecordBatch{
		FirstOffset:          base,
		PartitionLeaderEpoch: leaderEpoch,
		Magic:                2,
		Attributes:           attrs,
		LastOffsetDelta:      int32(len(recs) - 1),
		FirstTimestamp:       recs[0].ts,
		MaxTimestamp:         recs[0].ts,
		ProducerID:           -1,
		ProducerEpoch:        -1,
		FirstSequence:        -1,
		NumRecords:           int32(len(recs)),
		Records:              raw,
	}
	enc := b.AppendTo(nil)
	b.Length = int32(len(enc[8+4:]))
	b.CRC = int32(crc32.Checksum(enc[8+4+4+1+4:], crc32c))
	return b.AppendTo(nil)
}

// newTestConsumer returns a consumer against f with fast timings.
func newTestConsumer(t *testing.T, f *fakeCluster, opts ...Opt) *Consumer {
	t.Helper()
	base := []Opt{
		WithRequester(f),
		WithLogger(BasicLogger(testWriter{t}, LogLevelDebug, nil)),
		SessionTimeout(3 * time.Second),
		HeartbeatInterval(50 * time.Millisecond),
		MaxPollInterval(time.Minute),
		RetryBackoff(10 * time.Millisecond),
		CoordinatorBackoff(10*time.Millisecond, 100*time.Millisecond, 0),
		RequestTimeout(5 * time.Second),
		MetadataMinAge(10 * time.Millisecond),
		FetchMaxWait(20 * time.Millisecond),
		AutoOffsetReset(ResetEarliest),
	}
	c, err := NewConsumer(append(base, opts...)...)
	if err != nil {
		t.Fatalf("unable to create consumer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p[:len(p)-1]))
	return len(p), nil
}

// consumeN consumes n records, failing the test on any error.
func consumeN(t *testing.T, c *Consumer, n int) []*Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	recs := make([]*Record, 0, n)
	for len(recs) < n {
		r, err := c.Consume(ctx)
		if err != nil {
			t.Fatalf("consume %d/%d: %v", len(recs), n, err)
		}
		recs = append(recs, r)
	}
	return recs
}

func tp(topic string, partition int32) TopicPartition {
	return TopicPartition{Topic: topic, Partition: partition}
}

func tpo(topic string, partition int32, offset Offset) TopicPartitionOffset {
	return TopicPartitionOffset{TopicPartition: tp(topic, partition), Offset: offset}
}
