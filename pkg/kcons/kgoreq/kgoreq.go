// Package kgoreq provides a kcons.Requester that issues requests through a
// franz-go kgo.Client.
//
// The client owns connections, version negotiation, and SASL/TLS; kcons only
// needs to send typed requests to specific brokers:
//
//	cl, err := kgo.NewClient(kgo.SeedBrokers("localhost:9092"))
//	if err != nil {
//	        // handle
//	}
//	c, err := kcons.NewConsumer(
//	        kcons.WithRequester(kgoreq.New(cl)),
//	        kcons.ConsumerGroup("my-group"),
//	)
//
// The kgo.Client must not itself consume: do not configure it with
// ConsumeTopics or ConsumerGroup.
package kgoreq

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/kcons/kcons/pkg/kcons"
)

// Requester sends kcons requests over a kgo.Client.
type Requester struct {
	cl *kgo.Client
}

var _ kcons.Requester = (*Requester)(nil)

// New returns a Requester using cl.
func New(cl *kgo.Client) *Requester {
	return &Requester{cl: cl}
}

// Client returns the underlying client.
func (r *Requester) Client() *kgo.Client { return r.cl }

// Request issues req to broker, or to any broker if broker is
// kcons.AnyBroker.
//
// Requests to a specific broker bypass the client's request routing: kcons
// has already chosen the coordinator or partition leader.
func (r *Requester) Request(ctx context.Context, broker int32, req kmsg.Request) (kmsg.Response, error) {
	if broker == kcons.AnyBroker {
		return r.cl.Request(ctx, req)
	}
	return r.cl.Broker(int(broker)).Request(ctx, req)
}

// Close closes the underlying client.
func (r *Requester) Close() { r.cl.Close() }
