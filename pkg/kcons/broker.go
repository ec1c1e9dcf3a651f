package kcons

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// AnyBroker can be passed to a Requester to let it choose any broker, which
// is how coordinator discovery and metadata requests are issued.
const AnyBroker int32 = -1

// Requester is the broker request primitive everything in this package is
// layered on: it sends a typed request to a specific broker and returns the
// typed response. Implementations own connections, versioning, encoding, and
// their own timeouts and retries; see the kgoreq package for one backed by a
// franz-go client.
type Requester interface {
	Request(ctx context.Context, broker int32, req kmsg.Request) (kmsg.Response, error)
}

// RequesterFunc adapts a function to a Requester.
type RequesterFunc func(ctx context.Context, broker int32, req kmsg.Request) (kmsg.Response, error)

// Request implements Requester.
func (fn RequesterFunc) Request(ctx context.Context, broker int32, req kmsg.Request) (kmsg.Response, error) {
	return fn(ctx, broker, req)
}

type brokerResp struct {
	resp kmsg.Response
	err  error
}

// doRequest issues req and waits for either the response or ctx to be done.
//
// The request itself runs detached from ctx, bounded only by timeout: if the
// caller gives up, the request still completes or times out on its own and
// its result is dropped. Nothing but the returned values carries the result,
// so an abandoned request cannot touch consumer state.
func doRequest(ctx context.Context, r Requester, timeout time.Duration, broker int32, req kmsg.Request) (kmsg.Response, error) {
	done := make(chan brokerResp, 1)
	go func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		resp, err := r.Request(rctx, broker, req)
		done <- brokerResp{resp, err}
	}()
	select {
	case br := <-done:
		return br.resp, br.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
