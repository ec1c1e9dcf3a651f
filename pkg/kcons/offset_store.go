package kcons

// offsetEntry tracks the three offsets of an assigned partition.
type offsetEntry struct {
	// position is the next offset to deliver: the last consumed offset + 1.
	// It is OffsetInvalid until the partition's start is resolved.
	position Offset
	// stored is what a commit of current positions sends.
	stored Offset
	// committed is the last offset known to be committed for the group.
	committed Offset
	// leaderEpoch is the epoch of the record at position-1, sent with
	// commits so brokers can detect log truncation.
	leaderEpoch int32
}

// offsetStore holds an entry for exactly the assigned partitions. It is only
// touched from inside a consumer step.
type offsetStore struct {
	entries map[TopicPartition]*offsetEntry
	order   []TopicPartition // assignment order
}

func newOffsetStore() *offsetStore {
	return &offsetStore{entries: make(map[TopicPartition]*offsetEntry)}
}

func (s *offsetStore) add(tp TopicPartition) *offsetEntry {
	if e, ok := s.entries[tp]; ok {
		return e
	}
	e := &offsetEntry{
		position:    OffsetInvalid,
		stored:      OffsetInvalid,
		committed:   OffsetInvalid,
		leaderEpoch: -1,
	}
	s.entries[tp] = e
	s.order = append(s.order, tp)
	return e
}

func (s *offsetStore) remove(tps []TopicPartition) {
	if len(tps) == 0 {
		return
	}
	for _, tp := range tps {
		delete(s.entries, tp)
	}
	keep := s.order[:0]
	for _, tp := range s.order {
		if _, ok := s.entries[tp]; ok {
			keep = append(keep, tp)
		}
	}
	s.order = keep
}

func (s *offsetStore) clear() {
	s.entries = make(map[TopicPartition]*offsetEntry)
	s.order = nil
}

func (s *offsetStore) get(tp TopicPartition) (offsetEntry, bool) {
	e, ok := s.entries[tp]
	if !ok {
		return offsetEntry{}, false
	}
	return *e, true
}

// advance moves the position forward after delivering a record. Positions
// only move backwards through seek.
func (s *offsetStore) advance(tp TopicPartition, next Offset, leaderEpoch int32) {
	e, ok := s.entries[tp]
	if !ok || next <= e.position {
		return
	}
	e.position = next
	e.leaderEpoch = leaderEpoch
}

// seek sets the position unconditionally.
func (s *offsetStore) seek(tp TopicPartition, o Offset) bool {
	e, ok := s.entries[tp]
	if !ok {
		return false
	}
	e.position = o
	e.leaderEpoch = -1
	return true
}

func (s *offsetStore) store(tp TopicPartition, o Offset) error {
	if o < 0 {
		return ErrInvalidOffset
	}
	e, ok := s.entries[tp]
	if !ok {
		return ErrNotAssigned
	}
	e.stored = o
	return nil
}

// setCommitted records an acknowledged commit. Committed offsets never move
// backwards, except when forced by the offsets fetched after a new
// assignment.
func (s *offsetStore) setCommitted(tp TopicPartition, o Offset, force bool) {
	e, ok := s.entries[tp]
	if !ok {
		return
	}
	if force || o > e.committed {
		e.committed = o
	}
	if force && e.stored == OffsetInvalid {
		e.stored = o
	}
}

func (s *offsetStore) assigned() []TopicPartition {
	return append([]TopicPartition(nil), s.order...)
}

// stored returns the stored offsets that differ from what is committed, in
// assignment order.
func (s *offsetStore) stored() []TopicPartitionOffset {
	var tpos []TopicPartitionOffset
	for _, tp := range s.order {
		e := s.entries[tp]
		if e.stored >= 0 && e.stored != e.committed {
			tpos = append(tpos, TopicPartitionOffset{TopicPartition: tp, Offset: e.stored})
		}
	}
	return tpos
}

// storedFor is stored restricted to tps.
func (s *offsetStore) storedFor(tps []TopicPartition) []TopicPartitionOffset {
	want := make(map[TopicPartition]bool, len(tps))
	for _, tp := range tps {
		want[tp] = true
	}
	var tpos []TopicPartitionOffset
	for _, tpo := range s.stored() {
		if want[tpo.TopicPartition] {
			tpos = append(tpos, tpo)
		}
	}
	return tpos
}
