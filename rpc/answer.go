package rpc

import "zombiezen.com/go/capnproto2"

// queuedCall is a pipelined Call this vat received against an answer
// that had not settled yet: it is replayed once the answer resolves.
type queuedCall struct {
	transform []capnp.PipelineOp
	call      *capnp.Call
	answer    *answer // the inbound answer the replayed call itself creates
}

// queuedDisembargo is a senderLoopback Disembargo this vat received
// against an answer that had not settled yet.
type queuedDisembargo struct {
	transform []capnp.PipelineOp
	embargoID embargoID
}

// answer is an entry in a Conn's answer table: an inbound call (the
// peer's Call message) this vat is in the process of servicing.  Its
// id is the peer's QuestionId.
type answer struct {
	id   answerID
	conn *Conn

	// resolved is true once the application result (or error) has
	// been recorded. Until then, pipelined calls and disembargoes
	// targeting this answer are queued instead of dispatched.
	resolved bool
	result   capnp.Answer
	resultCap capnp.Client
	err      error

	// returnSent is true once a Return for this answer has gone out.
	returnSent bool
	// resultCapsExported lists the exports created while writing the
	// Return payload, so a later Finish{releaseResultCaps} or
	// connection teardown can drop them.
	resultCapsExported []exportID

	queuedCalls       []queuedCall
	queuedDisembargoes []queuedDisembargo
}

// insertAnswer installs a new, not-yet-resolved answer table entry for
// id, failing if one is already present (spec.md §8: reusing an id
// still in flight is a protocol violation). The caller must hold c.mu.
func (c *Conn) insertAnswer(id answerID) (*answer, error) {
	if c.answers == nil {
		c.answers = make(map[answerID]*answer)
	}
	if _, ok := c.answers[id]; ok {
		return nil, errQuestionReused
	}
	a := &answer{id: id, conn: c}
	c.answers[id] = a
	return a, nil
}

func (c *Conn) findAnswer(id answerID) *answer {
	if c.answers == nil {
		return nil
	}
	return c.answers[id]
}

// popAnswer erases the answer table entry for id, e.g. once Finish has
// been received and the result caps (if any) released.
func (c *Conn) popAnswer(id answerID) {
	if c.answers != nil {
		delete(c.answers, id)
	}
}

// fulfill records a successful application result on a and replays any
// calls or disembargoes that arrived before it settled.
func (a *answer) fulfill(result capnp.Answer, cap capnp.Client) {
	a.resolved = true
	a.result = result
	a.resultCap = cap
	a.drainQueue()
}

// reject records a failed application result on a.
func (a *answer) reject(err error) {
	a.resolved = true
	a.err = err
	a.result = capnp.ErrorAnswer(err)
	a.drainQueue()
}

// drainQueue replays pipelined work that queued up while a was
// unresolved, preserving the order it arrived in (spec.md §5 E-order).
func (a *answer) drainQueue() {
	calls := a.queuedCalls
	a.queuedCalls = nil
	targets := make([]capnp.Client, len(calls))
	for i, qc := range calls {
		targets[i] = a.pipelineClient(qc.transform)
	}
	if len(calls) > 0 {
		// One goroutine issues the calls one after another, so they
		// reach their targets in queue order; only waiting on each
		// result happens concurrently.
		go func() {
			for i, qc := range calls {
				ans := targets[i].Call(qc.call)
				go a.conn.deliverInboundAnswer(qc.answer, ans)
			}
		}()
	}

	disembargoes := a.queuedDisembargoes
	a.queuedDisembargoes = nil
	for _, qd := range disembargoes {
		a.conn.echoDisembargo(qd.embargoID)
	}
}

// pipelineClient resolves a transform path against this answer's
// settled result, for use once it is known to have resolved.
func (a *answer) pipelineClient(transform []capnp.PipelineOp) capnp.Client {
	if a.err != nil {
		return capnp.ErrorClient(a.err)
	}
	if len(transform) == 0 {
		return a.resultCap
	}
	ptr, err := a.result.Struct()
	if err != nil {
		return capnp.ErrorClient(err)
	}
	out, err := capnp.TransformPtr(ptr.ToPtr(), transform)
	if err != nil {
		return capnp.ErrorClient(err)
	}
	return out.Interface().Client()
}

// queueCall records a pipelined Call against an as-yet-unresolved
// answer, to be replayed once it settles.
func (a *answer) queueCall(transform []capnp.PipelineOp, call *capnp.Call, inbound *answer) {
	a.queuedCalls = append(a.queuedCalls, queuedCall{transform: transform, call: call, answer: inbound})
}

// queueDisembargo records a senderLoopback Disembargo against an
// as-yet-unresolved answer, to be echoed back once it settles.
func (a *answer) queueDisembargo(transform []capnp.PipelineOp, id embargoID) {
	a.queuedDisembargoes = append(a.queuedDisembargoes, queuedDisembargo{transform: transform, embargoID: id})
}

// peek reports whether a has already settled, and its result cap if
// so, without blocking.
func (a *answer) peek() (cap capnp.Client, resolved bool) {
	return a.resultCap, a.resolved
}
