package kcons

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// pollUntil polls until done returns true, returning every record polled.
func pollUntil(t *testing.T, c *Consumer, done func() bool) []*Record {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var recs []*Record
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("timed out polling")
		}
		r, err := c.Poll(20 * time.Millisecond)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if r != nil {
			recs = append(recs, r)
		}
	}
	return recs
}

// events records callback invocations in order.
type events struct {
	mu  sync.Mutex
	evs []string
}

func (e *events) add(ev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
}

func (e *events) get() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.evs...)
}

func (e *events) len() int { return len(e.get()) }

func (e *events) opts() []Opt {
	return []Opt{
		OnPartitionsAssigned(func(_ context.Context, _ *Consumer, tps []TopicPartition) { e.add("assigned") }),
		OnPartitionsRevoked(func(_ context.Context, _ *Consumer, tps []TopicPartition) { e.add("revoked") }),
		OnPartitionsLost(func(_ context.Context, _ *Consumer, tps []TopicPartition) { e.add("lost") }),
		OnOffsetsCommitted(func(_ *Consumer, _ []TopicPartitionOffset, err error) {
			if err != nil {
				e.add("commit failed")
				return
			}
			e.add("committed")
		}),
	}
}

func checkContiguous(t *testing.T, recs []*Record, starts map[TopicPartition]Offset) {
	t.Helper()
	next := make(map[TopicPartition]Offset)
	for k, v := range starts {
		next[k] = v
	}
	for _, r := range recs {
		part := r.TopicPartition()
		want, ok := next[part]
		if !ok {
			t.Errorf("record from unexpected partition %s", part)
			continue
		}
		if r.Offset != want {
			t.Errorf("%s: got offset %d, want %d", part, r.Offset, want)
		}
		if got := string(r.Value); got != strconv.FormatInt(int64(r.Offset), 10) {
			t.Errorf("%s@%d: got value %q", part, r.Offset, got)
		}
		next[part] = r.Offset + 1
	}
}

func TestAssignConsumesInOrderWithoutGaps(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 2)
	f.produce("t", 0, 10)
	f.produce("t", 1, 5)
	f.truncate("t", 0, 3)

	c := newTestConsumer(t, f)
	if err := c.Assign(tpo("t", 0, OffsetBeginning), tpo("t", 1, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	recs := consumeN(t, c, 12)
	checkContiguous(t, recs, map[TopicPartition]Offset{tp("t", 0): 3, tp("t", 1): 0})

	if got := recs[0].Timestamp; !got.Equal(fakeTimestamp(int64(recs[0].Offset))) {
		t.Errorf("timestamp: got %v", got)
	}

	positions, err := c.Position(tp("t", 0), tp("t", 1), tp("t", 2))
	if err != nil {
		t.Fatal(err)
	}
	if positions[0].Offset != 10 || positions[1].Offset != 5 || !errors.Is(positions[2].Err, ErrNotAssigned) {
		t.Errorf("positions: got %v", positions)
	}

	assigned, err := c.Assignment()
	if err != nil || !reflect.DeepEqual(assigned, []TopicPartition{tp("t", 0), tp("t", 1)}) {
		t.Errorf("assignment: got %v, %v", assigned, err)
	}
}

func TestAssignStartOffsets(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 3)
	for p := int32(0); p < 3; p++ {
		f.produce("t", p, 5)
	}
	f.commit("g", tp("t", 2), 4)

	c := newTestConsumer(t, f, ConsumerGroup("g"), AutoOffsetReset(ResetLatest))
	if err := c.Assign(
		tpo("t", 0, 2),
		tpo("t", 1, OffsetEnd),
		tpo("t", 2, OffsetStored),
	); err != nil {
		t.Fatal(err)
	}
	recs := consumeN(t, c, 4)
	checkContiguous(t, recs, map[TopicPartition]Offset{tp("t", 0): 2, tp("t", 2): 4})

	f.produce("t", 1, 1)
	recs = consumeN(t, c, 1)
	if recs[0].Partition != 1 || recs[0].Offset != 5 {
		t.Errorf("from end: got %s@%d, want t[1]@5", recs[0].TopicPartition(), recs[0].Offset)
	}
}

func TestAssignRejectsInvalidOffset(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 2)
	f.produce("t", 0, 3)

	// A rejected assignment leaves nothing half assigned.
	c := newTestConsumer(t, f)
	if err := c.Assign(tpo("t", 0, OffsetBeginning), tpo("t", 1, -7)); !errors.Is(err, ErrInvalidOffset) {
		t.Fatalf("got %v, want ErrInvalidOffset", err)
	}
	if assigned, err := c.Assignment(); err != nil || len(assigned) != 0 {
		t.Errorf("assignment after rejected assign: got %v, %v", assigned, err)
	}
	if _, err := c.Poll(10 * time.Millisecond); err == nil {
		t.Error("expected error consuming after rejected assign")
	}

	// Nor does it replace the previous assignment.
	if err := c.Assign(tpo("t", 0, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	first := consumeN(t, c, 1)
	if err := c.Assign(tpo("t", 1, OffsetBeginning), tpo("t", 0, -5)); !errors.Is(err, ErrInvalidOffset) {
		t.Fatalf("got %v, want ErrInvalidOffset", err)
	}
	if assigned, _ := c.Assignment(); !reflect.DeepEqual(assigned, []TopicPartition{tp("t", 0)}) {
		t.Errorf("assignment after rejected reassign: got %v", assigned)
	}
	checkContiguous(t, append(first, consumeN(t, c, 2)...), map[TopicPartition]Offset{tp("t", 0): 0})
}

func TestSeekBeforeFirstConsume(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	f.produce("t", 0, 5)
	f.commit("g", tp("t", 0), 2)

	c := newTestConsumer(t, f, ConsumerGroup("g"), AutoOffsetReset(ResetLatest))
	if err := c.Assign(tpo("t", 0, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	if err := c.Seek(tpo("t", 0, -7)); !errors.Is(err, ErrInvalidOffset) {
		t.Errorf("seek invalid: got %v", err)
	}
	// OffsetInvalid means the committed offset, not the reset policy.
	if err := c.Seek(tpo("t", 0, OffsetInvalid)); err != nil {
		t.Fatal(err)
	}
	checkContiguous(t, consumeN(t, c, 3), map[TopicPartition]Offset{tp("t", 0): 2})
}

func TestResetPolicies(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	f.produce("t", 0, 5)
	f.truncate("t", 0, 2)

	t.Run("earliest", func(t *testing.T) {
		c := newTestConsumer(t, f, ConsumerGroup("earliest"))
		if err := c.Assign(tpo("t", 0, OffsetStored)); err != nil {
			t.Fatal(err)
		}
		if r := consumeN(t, c, 1)[0]; r.Offset != 2 {
			t.Errorf("got offset %d, want log start 2", r.Offset)
		}
	})

	t.Run("latest", func(t *testing.T) {
		c := newTestConsumer(t, f, ConsumerGroup("latest"), AutoOffsetReset(ResetLatest))
		if err := c.Assign(tpo("t", 0, OffsetStored)); err != nil {
			t.Fatal(err)
		}
		pollUntil(t, c, func() bool {
			positions, _ := c.Position(tp("t", 0))
			return positions[0].Offset == 5
		})
	})

	t.Run("error", func(t *testing.T) {
		c := newTestConsumer(t, f, ConsumerGroup("error"), AutoOffsetReset(ResetError))
		if err := c.Assign(tpo("t", 0, OffsetStored)); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := c.Consume(ctx)
		var pe *PartitionError
		if !errors.As(err, &pe) || !errors.Is(err, ErrNoOffset) || pe.Topic != "t" || pe.Partition != 0 {
			t.Errorf("got %v, want partition error with ErrNoOffset", err)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		c := newTestConsumer(t, f)
		if err := c.Assign(tpo("t", 0, 100)); err != nil {
			t.Fatal(err)
		}
		if r := consumeN(t, c, 1)[0]; r.Offset != 2 {
			t.Errorf("got offset %d, want reset to log start 2", r.Offset)
		}
	})
}

func TestPollReturnsNilWhenNothingArrives(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	c := newTestConsumer(t, f)
	if err := c.Assign(tpo("t", 0, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	r, err := c.Poll(50 * time.Millisecond)
	if r != nil || err != nil {
		t.Errorf("got %v, %v; want nil, nil", r, err)
	}
}

func TestConsumeWithoutAssignment(t *testing.T) {
	t.Parallel()
	c := newTestConsumer(t, newFakeCluster())
	if _, err := c.Poll(10 * time.Millisecond); err == nil {
		t.Error("expected error consuming without a subscription or assignment")
	}
	if err := c.Subscribe("t"); !errors.Is(err, ErrNoGroup) {
		t.Errorf("subscribe without group: got %v", err)
	}
	if _, err := c.Commit(context.Background()); !errors.Is(err, ErrNoGroup) {
		t.Errorf("commit without group: got %v", err)
	}
}

func TestPartitionEOF(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	f.produce("t", 0, 3)

	c := newTestConsumer(t, f, EnablePartitionEOF())
	if err := c.Assign(tpo("t", 0, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	recs := consumeN(t, c, 4)
	if eof := recs[3]; !eof.PartitionEOF || eof.Offset != 3 {
		t.Fatalf("got %+v, want EOF at 3", eof)
	}
	checkContiguous(t, recs[:3], map[TopicPartition]Offset{tp("t", 0): 0})

	// Only one EOF until more records arrive.
	if r, err := c.Poll(50 * time.Millisecond); r != nil || err != nil {
		t.Errorf("second EOF: got %+v, %v", r, err)
	}

	f.produce("t", 0, 2)
	recs = consumeN(t, c, 3)
	checkContiguous(t, recs[:2], map[TopicPartition]Offset{tp("t", 0): 3})
	if eof := recs[2]; !eof.PartitionEOF || eof.Offset != 5 {
		t.Errorf("got %+v, want EOF at 5", eof)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 2)
	f.produce("t", 0, 4)

	c := newTestConsumer(t, f)
	p0, p1 := tp("t", 0), tp("t", 1)
	if err := c.Assign(tpo("t", 0, OffsetBeginning), tpo("t", 1, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	first := consumeN(t, c, 2)

	for i := 0; i < 2; i++ {
		if err := c.Pause(p0); err != nil {
			t.Fatalf("pause %d: %v", i, err)
		}
	}
	if err := c.Pause(tp("t", 9)); !errors.Is(err, ErrNotAssigned) {
		t.Errorf("pause unassigned: got %v", err)
	}
	before, _ := c.Position(p0)

	f.produce("t", 1, 3)
	paused := consumeN(t, c, 3)
	for _, r := range paused {
		if r.TopicPartition() != p1 {
			t.Errorf("got record from paused partition: %s@%d", r.TopicPartition(), r.Offset)
		}
	}
	if r, err := c.Poll(50 * time.Millisecond); r != nil || err != nil {
		t.Errorf("while paused: got %+v, %v", r, err)
	}
	after, _ := c.Position(p0)
	if before[0].Offset != after[0].Offset {
		t.Errorf("paused position moved from %d to %d", before[0].Offset, after[0].Offset)
	}

	for i := 0; i < 2; i++ {
		if err := c.Resume(p0); err != nil {
			t.Fatalf("resume %d: %v", i, err)
		}
	}
	rest := consumeN(t, c, 2)
	checkContiguous(t, append(first, rest...), map[TopicPartition]Offset{p0: 0})
}

func TestSeek(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	f.produce("t", 0, 10)

	c := newTestConsumer(t, f)
	if err := c.Assign(tpo("t", 0, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	consumeN(t, c, 5)

	if err := c.Seek(tpo("t", 0, 2)); err != nil {
		t.Fatal(err)
	}
	if positions, _ := c.Position(tp("t", 0)); positions[0].Offset != 2 {
		t.Errorf("position after seek: got %d", positions[0].Offset)
	}
	recs := consumeN(t, c, 3)
	checkContiguous(t, recs, map[TopicPartition]Offset{tp("t", 0): 2})

	if err := c.Seek(tpo("t", 0, OffsetEnd)); err != nil {
		t.Fatal(err)
	}
	if r, err := c.Poll(50 * time.Millisecond); r != nil || err != nil {
		t.Errorf("after seek to end: got %+v, %v", r, err)
	}

	var pe *PartitionError
	if err := c.Seek(tpo("u", 0, 1)); !errors.As(err, &pe) || !errors.Is(err, ErrNotAssigned) {
		t.Errorf("seek unassigned: got %v", err)
	}
	if err := c.Seek(tpo("t", 0, -7)); !errors.Is(err, ErrInvalidOffset) {
		t.Errorf("seek invalid: got %v", err)
	}
}

func TestOffsetsForTimes(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	f.produce("t", 0, 10)

	c := newTestConsumer(t, f)
	for _, test := range []struct {
		ts   time.Time
		want Offset
	}{
		{fakeTimestamp(4), 4},
		{fakeTimestamp(4).Add(-time.Millisecond), 4},
		{fakeTimestamp(-100), 0},
		{fakeTimestamp(100), OffsetEnd},
	} {
		got, err := c.OffsetsForTimes(context.Background(), TopicPartitionTimestamp{tp("t", 0), test.ts})
		if err != nil {
			t.Fatal(err)
		}
		if got[0].Err != nil || got[0].Offset != test.want {
			t.Errorf("%v: got %v (err %v), want %v", test.ts, got[0].Offset, got[0].Err, test.want)
		}
	}

	got, err := c.OffsetsForTimes(context.Background(), TopicPartitionTimestamp{tp("missing", 0), fakeTimestamp(0)})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(got[0].Err, kerr.UnknownTopicOrPartition) {
		t.Errorf("unknown topic: got %v", got[0].Err)
	}
}

func TestCommitAndCommitted(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 2)
	f.produce("t", 0, 5)

	var evs events
	c := newTestConsumer(t, f, append(evs.opts(), ConsumerGroup("g"), AutoCommitInterval(time.Hour))...)
	if err := c.Assign(tpo("t", 0, OffsetStored), tpo("t", 1, OffsetStored)); err != nil {
		t.Fatal(err)
	}
	consumeN(t, c, 3)

	ctx := context.Background()
	results, err := c.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(results, []TopicPartitionOffset{tpo("t", 0, 3)}) {
		t.Errorf("commit results: got %v", results)
	}
	if o, _ := f.committed("g", tp("t", 0)); o != 3 {
		t.Errorf("broker has %d committed, want 3", o)
	}
	if gen := f.commits[len(f.commits)-1].Generation; gen != -1 {
		t.Errorf("commit outside a group generation sent generation %d", gen)
	}

	committed, err := c.Committed(ctx, tp("t", 0), tp("t", 1))
	if err != nil {
		t.Fatal(err)
	}
	if committed[0].Offset != 3 || committed[1].Offset != OffsetInvalid {
		t.Errorf("committed: got %v", committed)
	}

	// Nothing new stored: nothing to commit.
	if results, err := c.Commit(ctx); err != nil || len(results) != 0 {
		t.Errorf("empty commit: got %v, %v", results, err)
	}

	results, err = c.Commit(ctx, tpo("t", 1, 7), tpo("t", 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(results, []TopicPartitionOffset{tpo("t", 0, 1), tpo("t", 1, 7)}) {
		t.Errorf("explicit commit results: got %v", results)
	}
	if _, err := c.Commit(ctx, tpo("t", 0, OffsetEnd)); !errors.Is(err, ErrInvalidOffset) {
		t.Errorf("sentinel commit: got %v", err)
	}

	if got := evs.get(); !reflect.DeepEqual(got, []string{"committed", "committed"}) {
		t.Errorf("callbacks: got %v", got)
	}
}

func TestCommitAsync(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	f.produce("t", 0, 4)

	var evs events
	c := newTestConsumer(t, f, append(evs.opts(), ConsumerGroup("g"), AutoCommitInterval(time.Hour))...)
	if err := c.Assign(tpo("t", 0, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	consumeN(t, c, 4)

	r := c.CommitAsync()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := r.Wait(ctx)
	if err != nil || !reflect.DeepEqual(results, []TopicPartitionOffset{tpo("t", 0, 4)}) {
		t.Fatalf("got %v, %v", results, err)
	}

	// The callback runs from inside the next call that drives the consumer.
	pollUntil(t, c, func() bool { return evs.len() == 1 })
	if o, _ := f.committed("g", tp("t", 0)); o != 4 {
		t.Errorf("broker has %d committed, want 4", o)
	}
}

func TestManualOffsetStore(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	f.produce("t", 0, 5)

	c := newTestConsumer(t, f, ConsumerGroup("g"), DisableAutoOffsetStore(), AutoCommitInterval(time.Hour))
	if err := c.Assign(tpo("t", 0, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	recs := consumeN(t, c, 3)

	ctx := context.Background()
	if results, err := c.Commit(ctx); err != nil || len(results) != 0 {
		t.Errorf("nothing stored: got %v, %v", results, err)
	}
	if err := c.StoreRecord(recs[1]); err != nil {
		t.Fatal(err)
	}
	results, err := c.Commit(ctx)
	if err != nil || !reflect.DeepEqual(results, []TopicPartitionOffset{tpo("t", 0, 2)}) {
		t.Errorf("got %v, %v", results, err)
	}

	err = c.StoreOffsets(tpo("t", 0, 3), tpo("u", 0, 1), tpo("t", 0, OffsetEnd))
	if !errors.Is(err, ErrNotAssigned) || !errors.Is(err, ErrInvalidOffset) {
		t.Errorf("store errors: got %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	c := newTestConsumer(t, f)
	if err := c.Assign(tpo("t", 0, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := c.ConsumeAsync(ctx)
	if _, err := c.Assignment(); !errors.Is(err, ErrConcurrentAccess) {
		t.Errorf("assignment during consume: got %v", err)
	}
	if _, err := c.Poll(time.Millisecond); !errors.Is(err, ErrConcurrentAccess) {
		t.Errorf("poll during consume: got %v", err)
	}
	if res := <-c.ConsumeAsync(ctx); !errors.Is(res.Err, ErrConcurrentAccess) {
		t.Errorf("second async consume: got %v", res.Err)
	}
	cancel()
	if res := <-ch; !errors.Is(res.Err, context.Canceled) {
		t.Errorf("canceled consume: got %v", res.Err)
	}
	if _, err := c.Assignment(); err != nil {
		t.Errorf("assignment after consume: got %v", err)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	f.produce("t", 0, 5)

	var evs events
	c := newTestConsumer(t, f, append(evs.opts(), ConsumerGroup("g"), AutoCommitInterval(time.Hour))...)
	if err := c.Subscribe("t"); err != nil {
		t.Fatal(err)
	}
	consumeN(t, c, 5)

	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if o, ok := f.committed("g", tp("t", 0)); !ok || o != 5 {
		t.Errorf("close did not commit: got %d, %v", o, ok)
	}
	if got := f.count(kmsg.LeaveGroup.Int16()); got != 1 {
		t.Errorf("leave group sent %d times, want 1", got)
	}
	if got := evs.get(); !reflect.DeepEqual(got, []string{"assigned", "revoked", "committed"}) {
		t.Errorf("callbacks: got %v", got)
	}

	if _, err := c.Consume(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("consume after close: got %v", err)
	}
	if err := c.Close(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second close: got %v", err)
	}
}

func TestStaticMemberDoesNotLeave(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	c := newTestConsumer(t, f, ConsumerGroup("g"), InstanceID("static-1"))
	if err := c.Subscribe("t"); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, c, func() bool { return c.MemberID() != "" })
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.count(kmsg.LeaveGroup.Int16()); got != 0 {
		t.Errorf("static member sent %d leave requests", got)
	}
}

func TestStatistics(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	f.produce("t", 0, 4)

	var (
		mu   sync.Mutex
		last []byte
	)
	c := newTestConsumer(t, f, ClientID("stats"), StatisticsInterval(10*time.Millisecond), OnStatistics(func(raw []byte) {
		mu.Lock()
		defer mu.Unlock()
		last = raw
	}))
	if err := c.Assign(tpo("t", 0, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	consumeN(t, c, 4)

	var s Statistics
	pollUntil(t, c, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if last == nil {
			return false
		}
		if err := json.Unmarshal(last, &s); err != nil {
			t.Fatalf("invalid statistics json: %v", err)
		}
		return s.Topics["t"].Partitions["0"].Position == 4
	})
	if s.Name != "stats" || s.Type != "consumer" || s.Group != nil {
		t.Errorf("got %+v", s)
	}
	ps := s.Topics["t"].Partitions["0"]
	if ps.HighWatermark != 4 || ps.ConsumerLag != 0 || ps.RxMsgs != 4 || ps.Leader != fakeBroker {
		t.Errorf("partition statistics: got %+v", ps)
	}
	if s.RxMsgs != 4 || s.RxMsgBytes == 0 {
		t.Errorf("totals: got %d records %d bytes", s.RxMsgs, s.RxMsgBytes)
	}
}

func TestUnassign(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	f.produce("t", 0, 4)

	c := newTestConsumer(t, f)
	if err := c.Assign(tpo("t", 0, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	consumeN(t, c, 2)
	if err := c.Unassign(); err != nil {
		t.Fatal(err)
	}

	if assigned, err := c.Assignment(); err != nil || len(assigned) != 0 {
		t.Errorf("assignment after unassign: got %v, %v", assigned, err)
	}
	pos, err := c.Position(tp("t", 0))
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(pos[0].Err, ErrNotAssigned) {
		t.Errorf("position after unassign: got %v", pos[0].Err)
	}
	if _, err := c.Poll(10 * time.Millisecond); err == nil {
		t.Error("expected error consuming after unassign")
	}

	if err := c.Assign(tpo("t", 0, 1)); err != nil {
		t.Fatal(err)
	}
	checkContiguous(t, consumeN(t, c, 3), map[TopicPartition]Offset{tp("t", 0): 1})
}

func TestLeaderMovesRefreshMetadata(t *testing.T) {
	t.Parallel()
	f := newFakeCluster()
	f.addTopic("t", 1)
	f.produce("t", 0, 3)

	var failed atomic.Int32
	f.setIntercept(func(req kmsg.Request) (kmsg.Response, error, bool) {
		fr, ok := req.(*kmsg.FetchRequest)
		if !ok || failed.Load() >= 2 {
			return nil, nil, false
		}
		failed.Add(1)
		resp := kmsg.NewPtrFetchResponse()
		for _, rt := range fr.Topics {
			topic := kmsg.NewFetchResponseTopic()
			topic.Topic, topic.TopicID = rt.Topic, rt.TopicID
			for _, rp := range rt.Partitions {
				p := kmsg.NewFetchResponseTopicPartition()
				p.Partition = rp.Partition
				p.ErrorCode = kerr.NotLeaderForPartition.Code
				topic.Partitions = append(topic.Partitions, p)
			}
			resp.Topics = append(resp.Topics, topic)
		}
		return resp, nil, true
	})

	c := newTestConsumer(t, f)
	if err := c.Assign(tpo("t", 0, OffsetBeginning)); err != nil {
		t.Fatal(err)
	}
	checkContiguous(t, consumeN(t, c, 3), map[TopicPartition]Offset{tp("t", 0): 0})

	if got := failed.Load(); got != 2 {
		t.Errorf("got %d failed fetches, want 2", got)
	}
	if got := f.count(kmsg.Metadata.Int16()); got < 2 {
		t.Errorf("got %d metadata requests, want a refresh after leadership moved", got)
	}
}
