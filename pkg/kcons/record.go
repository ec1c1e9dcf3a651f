package kcons

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// RecordHeader contains extra information that can be sent with records.
type RecordHeader struct {
	Key   string
	Value []byte
}

// Record is a single consumed record. Key and Value are the raw bytes as
// produced; deserializing them is up to the caller.
//
// A Record with PartitionEOF set carries no data: it signals that the
// partition was fully consumed up to its high watermark at Offset.
type Record struct {
	Topic     string
	Partition int32
	Offset    Offset

	Key     []byte
	Value   []byte
	Headers []RecordHeader

	Timestamp   time.Time
	LeaderEpoch int32

	PartitionEOF bool
}

// TopicPartition returns the partition the record belongs to.
func (r *Record) TopicPartition() TopicPartition {
	return TopicPartition{r.Topic, r.Partition}
}

func timeFromMillis(millis int64) time.Time {
	return time.Unix(0, millis*1e6)
}

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// decodeBatches parses every complete v2 record batch in raw, returning the
// records at or after from in offset order and the offset to fetch next.
//
// The next offset is the last offset of the last batch + 1 even if the batch
// ends with records removed by compaction or with a control record, so that
// the next fetch does not ask for the same batch again. A trailing partial
// batch is expected when the broker truncates at the fetch byte limit; it
// is ignored.
func decodeBatches(tp TopicPartition, raw []byte, from Offset, d *decompressor) ([]*Record, Offset, int, error) {
	var (
		recs  []*Record
		next  = from
		bytes int
	)
	for len(raw) > 17 {
		length := int(int32(binary.BigEndian.Uint32(raw[8:]))) + 12
		if length < 12 || len(raw) < length {
			break
		}
		in := raw[:length]
		raw = raw[length:]
		bytes += length

		if magic := in[16]; magic != 2 {
			return recs, next, bytes, fmt.Errorf("unsupported message format v%d", magic)
		}
		var batch kmsg.RecordBatch
		if err := batch.ReadFrom(in); err != nil {
			return recs, next, bytes, fmt.Errorf("unable to read record batch: %w", err)
		}
		if crc := int32(crc32.Checksum(in[21:], crc32c)); crc != batch.CRC {
			return recs, next, bytes, fmt.Errorf("encoded crc %x does not match calculated crc %x", batch.CRC, crc)
		}

		last := Offset(batch.FirstOffset + int64(batch.LastOffsetDelta))
		if last < from {
			continue
		}
		if last+1 > next {
			next = last + 1
		}
		if batch.Attributes&0b0010_0000 != 0 { // control batch
			continue
		}

		rawRecords, err := d.decompress(batch.Records, codec(batch.Attributes&0b0111))
		if err != nil {
			return recs, next, bytes, fmt.Errorf("unable to decompress %s batch: %w", codec(batch.Attributes&0b0111), err)
		}
		krecords, err := readRawRecords(int(batch.NumRecords), rawRecords)
		if err != nil {
			return recs, next, bytes, fmt.Errorf("unable to read records: %w", err)
		}
		for i := range krecords {
			r := recordToRecord(tp, &batch, &krecords[i])
			if r.Offset >= from {
				recs = append(recs, r)
			}
		}
	}
	return recs, next, bytes, nil
}

// readRawRecords reads n records from in and returns them, returning
// kbin.ErrNotEnoughData if in does not contain enough data.
func readRawRecords(n int, in []byte) ([]kmsg.Record, error) {
	if n < 0 {
		return nil, kbin.ErrNotEnoughData
	}
	rs := make([]kmsg.Record, n)
	for i := 0; i < n; i++ {
		length, used := kbin.Varint(in)
		total := used + int(length)
		if used == 0 || length < 0 || len(in) < total {
			return nil, kbin.ErrNotEnoughData
		}
		if err := (&rs[i]).ReadFrom(in[:total]); err != nil {
			return nil, err
		}
		in = in[total:]
	}
	return rs, nil
}

func recordToRecord(tp TopicPartition, batch *kmsg.RecordBatch, record *kmsg.Record) *Record {
	var h []RecordHeader
	if len(record.Headers) > 0 {
		h = make([]RecordHeader, 0, len(record.Headers))
		for _, kv := range record.Headers {
			h = append(h, RecordHeader{Key: kv.Key, Value: kv.Value})
		}
	}
	ts := batch.FirstTimestamp + int64(record.TimestampDelta)
	if batch.Attributes&0b1000 != 0 { // log append time
		ts = batch.MaxTimestamp
	}
	return &Record{
		Topic:       tp.Topic,
		Partition:   tp.Partition,
		Offset:      Offset(batch.FirstOffset + int64(record.OffsetDelta)),
		Key:         record.Key,
		Value:       record.Value,
		Headers:     h,
		Timestamp:   timeFromMillis(ts),
		LeaderEpoch: batch.PartitionLeaderEpoch,
	}
}
