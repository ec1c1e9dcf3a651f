package kcons

import "sync/atomic"

const (
	guardIdle int32 = iota
	guardBusy
	guardCallback
)

// guard fails fast when two calls overlap on one consumer. Calls made from
// inside a rebalance or commit callback run nested in the call that invoked
// the callback and are allowed unless they would drive the consumer.
//
// The guard does not know which goroutine a call comes from: while a
// callback runs, a nestable call from any goroutine is let through.
type guard struct {
	state atomic.Int32
}

func (g *guard) enter(nestable bool) (exit func(), err error) {
	if g.state.CompareAndSwap(guardIdle, guardBusy) {
		return func() { g.state.Store(guardIdle) }, nil
	}
	if nestable && g.state.Load() == guardCallback {
		return func() {}, nil
	}
	return nil, ErrConcurrentAccess
}

// callback runs fn with nested calls allowed.
func (g *guard) callback(fn func()) {
	prev := g.state.Swap(guardCallback)
	defer g.state.Store(prev)
	fn()
}
