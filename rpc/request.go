package rpc

import (
	"github.com/pkg/errors"
	"zombiezen.com/go/capnproto2"
	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// sendCall implements clientHook.Call for the Import and Promise
// variants: it allocates a question, writes and sends a Call message
// against hook's current target, and returns an Answer whose Struct
// method blocks (and whose PipelineCall pipelines) on the eventual
// Return.
//
// This is the Request/Response/Pipeline machinery of spec.md §4.4: the
// Answer returned here forks into two consumers — the application,
// which will eventually call Struct() and block, and any further
// pipelined call the application issues immediately against it, which
// rides a pipelineClient instead of waiting.
func (c *Conn) sendCall(hook clientHook, call *capnp.Call) capnp.Answer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return capnp.ErrorAnswer(ErrConnClosed)
	}

	q := c.newQuestion(&call.Method)

	msg, err := newMessage(nil)
	if err != nil {
		c.popQuestion(q.id)
		return capnp.ErrorAnswer(err)
	}
	callMsg, err := msg.NewCall()
	if err != nil {
		c.popQuestion(q.id)
		return capnp.ErrorAnswer(err)
	}
	callMsg.SetQuestionId(uint32(q.id))
	callMsg.SetInterfaceId(call.Method.InterfaceID)
	callMsg.SetMethodId(call.Method.MethodID)
	if c.tailCallSupport {
		callMsg.SendResultsTo().SetYourself()
	}

	target, err := callMsg.NewTarget()
	if err != nil {
		c.popQuestion(q.id)
		return capnp.ErrorAnswer(err)
	}
	if redirect := hook.writeTarget(target); redirect != nil {
		c.popQuestion(q.id)
		return redirect.Call(call)
	}

	params, err := callMsg.NewParams()
	if err != nil {
		c.popQuestion(q.id)
		return capnp.ErrorAnswer(err)
	}
	if err := fillParams(params, call); err != nil {
		c.popQuestion(q.id)
		return capnp.ErrorAnswer(err)
	}
	descs, _, err := c.makeCapTable(params.Segment())
	if err != nil {
		c.popQuestion(q.id)
		return capnp.ErrorAnswer(err)
	}
	if err := params.SetCapTable(descs); err != nil {
		c.popQuestion(q.id)
		return capnp.ErrorAnswer(err)
	}

	if err := c.transport.SendMessage(call.Ctx, msg); err != nil {
		c.popQuestion(q.id)
		return capnp.ErrorAnswer(err)
	}

	return &questionAnswer{conn: c, q: q}
}

// questionAnswer is the capnp.Answer a pending outbound question
// presents to its caller; Struct blocks on the question's Return.
type questionAnswer struct {
	conn *Conn
	q    *question
}

func (qa *questionAnswer) Struct() (capnp.Struct, error) {
	<-qa.q.answerDone
	if qa.q.err != nil {
		return capnp.Struct{}, qa.q.err
	}
	return qa.q.result.Struct()
}

func (qa *questionAnswer) PipelineCall(transform []capnp.PipelineOp, call *capnp.Call) capnp.Answer {
	select {
	case <-qa.q.answerDone:
		if qa.q.err != nil {
			return capnp.ErrorAnswer(qa.q.err)
		}
		return qa.q.result.PipelineCall(transform, call)
	default:
	}
	client := &pipelineClient{conn: qa.conn, questionRef: &questionRef{id: qa.q.id, q: qa.q}, ops: transform}
	return client.Call(call)
}

func (qa *questionAnswer) PipelineClose(transform []capnp.PipelineOp) error {
	return nil
}

// callPipeline is invoked by pipelineClient.Call: it issues a new Call
// message targeting the originating question's not-yet-returned
// answer via a PromisedAnswer MessageTarget (spec.md §4.4's
// pipelining), rather than waiting for it to resolve first.
func (c *Conn) callPipeline(qr *questionRef, ops []capnp.PipelineOp, call *capnp.Call) capnp.Answer {
	select {
	case <-qr.q.answerDone:
		if qr.q.err != nil {
			return capnp.ErrorAnswer(qr.q.err)
		}
		target := qr.q.pipelineClient(ops)
		return target.Call(call)
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return capnp.ErrorAnswer(ErrConnClosed)
	}

	// The question may have resolved between the select above and
	// acquiring the lock; re-check before paying for a second
	// pipelined question.
	select {
	case <-qr.q.answerDone:
		if qr.q.err != nil {
			return capnp.ErrorAnswer(qr.q.err)
		}
		target := qr.q.pipelineClient(ops)
		return target.Call(call)
	default:
	}

	nq := c.newQuestion(&call.Method)

	msg, err := newMessage(nil)
	if err != nil {
		c.popQuestion(nq.id)
		return capnp.ErrorAnswer(err)
	}
	callMsg, err := msg.NewCall()
	if err != nil {
		c.popQuestion(nq.id)
		return capnp.ErrorAnswer(err)
	}
	callMsg.SetQuestionId(uint32(nq.id))
	callMsg.SetInterfaceId(call.Method.InterfaceID)
	callMsg.SetMethodId(call.Method.MethodID)
	if c.tailCallSupport {
		callMsg.SendResultsTo().SetYourself()
	}

	target, err := callMsg.NewTarget()
	if err != nil {
		c.popQuestion(nq.id)
		return capnp.ErrorAnswer(err)
	}
	pa, err := target.NewPromisedAnswer()
	if err != nil {
		c.popQuestion(nq.id)
		return capnp.ErrorAnswer(err)
	}
	pa.SetQuestionId(uint32(qr.id))
	if err := transformToPromisedAnswer(pa, ops); err != nil {
		c.popQuestion(nq.id)
		return capnp.ErrorAnswer(err)
	}

	params, err := callMsg.NewParams()
	if err != nil {
		c.popQuestion(nq.id)
		return capnp.ErrorAnswer(err)
	}
	if err := fillParams(params, call); err != nil {
		c.popQuestion(nq.id)
		return capnp.ErrorAnswer(err)
	}
	descs, _, err := c.makeCapTable(params.Segment())
	if err != nil {
		c.popQuestion(nq.id)
		return capnp.ErrorAnswer(err)
	}
	if err := params.SetCapTable(descs); err != nil {
		c.popQuestion(nq.id)
		return capnp.ErrorAnswer(err)
	}

	if err := c.transport.SendMessage(call.Ctx, msg); err != nil {
		c.popQuestion(nq.id)
		return capnp.ErrorAnswer(err)
	}

	return &questionAnswer{conn: c, q: nq}
}

// sendFinish emits a Finish message for a question this vat is done
// with. The caller must be holding c.mu.
func (c *Conn) sendFinish(id questionID, releaseResultCaps bool) error {
	msg, err := newMessage(nil)
	if err != nil {
		return err
	}
	f, err := msg.NewFinish()
	if err != nil {
		return err
	}
	f.SetQuestionId(uint32(id))
	f.SetReleaseResultCaps(releaseResultCaps)
	return c.transport.SendMessage(nil, msg)
}

// sendReleaseLocked emits a Release message for an import this vat no
// longer holds any reference to. The caller must be holding c.mu.
func (c *Conn) sendReleaseLocked(id importID, count int) error {
	msg, err := newMessage(nil)
	if err != nil {
		return err
	}
	r, err := msg.NewRelease()
	if err != nil {
		return err
	}
	r.SetId(uint32(id))
	r.SetReferenceCount(uint32(count))
	return c.transport.SendMessage(nil, msg)
}

// fillParams copies call's argument struct into an outbound Payload's
// content pointer.
func fillParams(payload rpccapnp.Payload, call *capnp.Call) error {
	params, err := call.PlaceParams(payload.Segment())
	if err != nil {
		return errors.Wrap(err, "place call arguments")
	}
	return payload.SetContent(params)
}
