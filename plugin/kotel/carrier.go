package kotel

import (
	"go.opentelemetry.io/otel/propagation"

	"github.com/kcons/kcons/pkg/kcons"
)

var _ propagation.TextMapCarrier = RecordCarrier{}

// RecordCarrier injects and extracts traces from a kcons.Record.
type RecordCarrier struct {
	record *kcons.Record
}

// NewRecordCarrier creates a new RecordCarrier.
func NewRecordCarrier(record *kcons.Record) RecordCarrier {
	return RecordCarrier{record: record}
}

// Get returns the value of the last header with key.
func (c RecordCarrier) Get(key string) string {
	for i := len(c.record.Headers) - 1; i >= 0; i-- {
		if h := c.record.Headers[i]; h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces every header with key by a single one holding val.
func (c RecordCarrier) Set(key, val string) {
	kept := c.record.Headers[:0]
	for _, h := range c.record.Headers {
		if h.Key != key {
			kept = append(kept, h)
		}
	}
	c.record.Headers = append(kept, kcons.RecordHeader{Key: key, Value: []byte(val)})
}

// Keys returns the keys of all headers.
func (c RecordCarrier) Keys() []string {
	out := make([]string, len(c.record.Headers))
	for i, h := range c.record.Headers {
		out[i] = h.Key
	}
	return out
}
