package rpc

import "zombiezen.com/go/capnproto2"

// embargoClient wraps a capability that calls must be delivered to in
// the order they were queued, even though the wrapper itself is ready
// to accept calls immediately.  It backs the Disembargo mechanism
// (spec.md §5): once a promise resolves to a capability that turns out
// to be hosted locally (or looped back through this same connection),
// any calls pipelined on the promise before resolution must still
// reach the target before calls made after resolution, and a
// Disembargo round trip is the only way to be sure the transport has
// delivered everything already in flight.
//
// Calls arriving before the embargo lifts are queued; Disembargo's
// receiverLoopback arrival (rpc/embargo.go) flips disembargoed and
// replays them in order, after which further calls pass straight
// through.
type embargoClient struct {
	inner capnp.Client

	queue chan queuedLocalCall
	lifted chan struct{}
}

type queuedLocalCall struct {
	call  *capnp.Call
	reply chan capnp.Answer
}

func newEmbargoClient(inner capnp.Client) *embargoClient {
	ec := &embargoClient{inner: inner, queue: make(chan queuedLocalCall, 64), lifted: make(chan struct{})}
	go ec.run()
	return ec
}

// run is the embargo's private scheduler turn: it replays queued
// calls strictly in arrival order, then switches to passing calls
// straight through once lifted is closed and the queue has drained.
func (ec *embargoClient) run() {
	for qc := range ec.queue {
		qc.reply <- ec.inner.Call(qc.call)
	}
}

func (ec *embargoClient) Call(call *capnp.Call) capnp.Answer {
	select {
	case <-ec.lifted:
		return ec.inner.Call(call)
	default:
	}
	reply := make(chan capnp.Answer, 1)
	select {
	case ec.queue <- queuedLocalCall{call: call, reply: reply}:
	case <-ec.lifted:
		return ec.inner.Call(call)
	}
	return &queuedAnswer{reply: reply}
}

func (ec *embargoClient) Close() error {
	return ec.inner.Close()
}

// lift marks the embargo satisfied: once every call queued before
// this point has been replayed, new calls bypass the queue entirely.
func (ec *embargoClient) lift() {
	close(ec.queue)
	close(ec.lifted)
}

// queuedAnswer defers Struct/PipelineCall until the queued call it
// wraps has actually been delivered to the inner capability.
type queuedAnswer struct {
	reply  chan capnp.Answer
	answer capnp.Answer
}

func (qa *queuedAnswer) resolve() capnp.Answer {
	if qa.answer == nil {
		qa.answer = <-qa.reply
	}
	return qa.answer
}

func (qa *queuedAnswer) Struct() (capnp.Struct, error) {
	return qa.resolve().Struct()
}

func (qa *queuedAnswer) PipelineCall(transform []capnp.PipelineOp, call *capnp.Call) capnp.Answer {
	return qa.resolve().PipelineCall(transform, call)
}

func (qa *queuedAnswer) PipelineClose(transform []capnp.PipelineOp) error {
	return qa.resolve().PipelineClose(transform)
}

// startEmbargo is called by promiseClient.resolveLocked when a
// promise this connection issued calls on turns out to resolve to a
// locally-hosted (or otherwise non-RPC) capability.  It wraps cap in
// an embargoClient and sends the Disembargo message that, once echoed
// back by the peer, lifts it.
func (c *Conn) startEmbargo(cap capnp.Client) capnp.Client {
	ec := newEmbargoClient(cap)
	id := embargoID(c.embargoID.next32())
	if c.embargoes == nil {
		c.embargoes = make(map[embargoID]*embargoClient)
	}
	c.embargoes[id] = ec
	if err := c.sendSenderLoopback(id); err != nil {
		// The Disembargo was never sent, so no echo will arrive to
		// lift the embargo: lift it right away instead.
		ec.lift()
	}
	return ec
}

// deliverInboundAnswer completes an inbound answer table entry with
// the result of a replayed pipelined call (used by answer.drainQueue).
// Struct blocks until the replayed call actually completes, which for a
// call chained onto a not-yet-resolved or remote answer can mean
// waiting on a Return the receive loop itself needs c.mu to process;
// it must run before c.mu is taken, not after (dispatchLocalCall, which
// services the same kind of replayed call for the non-pipelined case,
// follows the same rule).
func (c *Conn) deliverInboundAnswer(a *answer, result capnp.Answer) {
	s, err := result.Struct()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		a.reject(err)
		return
	}
	a.fulfill(result, s.ToPtr().Interface().Client())
}
