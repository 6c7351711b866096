package rpc

import "zombiezen.com/go/capnproto2"

// question is an entry in a Conn's question table: a call this vat
// has sent to its peer and is waiting on a Return for.
type question struct {
	id     questionID
	method *capnp.Method // nil for a bootstrap question

	conn *Conn

	// answerDone is closed once a Return (or a synthesized local
	// failure) has been recorded in result.
	answerDone chan struct{}
	result     capnp.Answer

	// resultContent is the Return's raw content pointer: a Struct for
	// an ordinary method call, or an Interface for a Bootstrap. It is
	// kept alongside resultCap (rather than derived from result, which
	// is always coerced to a Struct) so that a pipelined call made
	// after resolution can apply its transform against the right kind
	// of pointer (pipelineClient, below).
	resultContent capnp.Ptr
	// resultCap is resultContent's interface client directly. It is
	// set only for a Bootstrap Return, whose content is itself the
	// capability; it is nil for an ordinary method Return.
	resultCap capnp.Client
	err       error

	// finishSent guards against sending Finish twice (once from the
	// app dropping its reference, once from connection teardown).
	finishSent bool

	// flags set by the Return message, needed to decide whether a
	// Finish must ask for the results to be released too.
	releaseResultCaps bool
}

// questionRef is the handle a pipelineClient holds on a question. It
// carries no reference count: the question leaves the table as soon as
// its Return has been handled (or on teardown), whatever questionRefs
// still point at it.
type questionRef struct {
	id  questionID
	q   *question
}

// newQuestion allocates the smallest free question id and installs an
// entry for it.  The caller must be holding c.mu.
func (c *Conn) newQuestion(method *capnp.Method) *question {
	id := questionID(c.questionID.next32())
	q := &question{id: id, method: method, conn: c, answerDone: make(chan struct{})}
	c.setQuestionSlot(id, q)
	return q
}

func (c *Conn) setQuestionSlot(id questionID, q *question) {
	i := int(id)
	for i >= len(c.questions) {
		c.questions = append(c.questions, nil)
	}
	c.questions[i] = q
}

func (c *Conn) findQuestion(id questionID) *question {
	i := int(id)
	if i < 0 || i >= len(c.questions) {
		return nil
	}
	return c.questions[i]
}

// fulfill records a successful Return's results against q and wakes
// anyone waiting on answerDone.  The caller must be holding c.mu.
func (q *question) fulfill(result capnp.Answer, content capnp.Ptr, cap capnp.Client, releaseResultCaps bool) {
	q.result = result
	q.resultContent = content
	q.resultCap = cap
	q.releaseResultCaps = releaseResultCaps
	close(q.answerDone)
}

// pipelineClient resolves a transform path against q's settled result,
// mirroring answer.pipelineClient for the outbound-question side: once
// a question resolves, any further call pipelined on a path through it
// (pipelineClient.Call -> callPipeline) must apply that path against the
// actual Return content instead of assuming the content is itself the
// capability. Safe to call without c.mu once answerDone has been
// observed closed: every field it reads is written once, under c.mu,
// before that close.
func (q *question) pipelineClient(ops []capnp.PipelineOp) capnp.Client {
	if q.err != nil {
		return capnp.ErrorClient(q.err)
	}
	if len(ops) == 0 {
		if q.resultCap == nil {
			return capnp.ErrorClient(errBadTarget)
		}
		return q.resultCap
	}
	out, err := capnp.TransformPtr(q.resultContent, ops)
	if err != nil {
		return capnp.ErrorClient(err)
	}
	return out.Interface().Client()
}

// reject records a failed Return (or a local synthesized failure,
// e.g. on Abort) against q.  The caller must be holding c.mu.
func (q *question) reject(err error) {
	q.err = err
	q.result = capnp.ErrorAnswer(err)
	close(q.answerDone)
}

// resolved reports whether q's answerDone has already been closed,
// without blocking.
func (q *question) resolved() bool {
	select {
	case <-q.answerDone:
		return true
	default:
		return false
	}
}

// rejectAllQuestions fails every still-pending outbound question with
// cause (spec.md §5's "rejects all pending questions" on disconnect).
// There is no peer left to send a Finish to, so entries are dropped
// from the table directly instead of going through finishQuestion. The
// caller must be holding c.mu.
func (c *Conn) rejectAllQuestions(cause error) {
	for i, q := range c.questions {
		if q == nil || q.resolved() {
			continue
		}
		q.reject(cause)
		q.finishSent = true
		c.questions[i] = nil
	}
}

// finishQuestion sends a Finish message for q, if one hasn't been sent
// already, and erases the table entry so the id can be recycled.  The
// caller must be holding c.mu.
func (c *Conn) finishQuestion(q *question, releaseResultCaps bool) error {
	if q.finishSent {
		return nil
	}
	q.finishSent = true
	c.questions[int(q.id)] = nil
	c.questionID.release(uint32(q.id))
	return c.sendFinish(q.id, releaseResultCaps)
}

// popQuestion erases the table entry for id without sending Finish and
// without returning the id to the free list. It is used when building
// or sending a Call or Bootstrap fails, so the peer never saw the
// question.
func (c *Conn) popQuestion(id questionID) *question {
	q := c.findQuestion(id)
	if q != nil {
		c.questions[int(id)] = nil
	}
	return q
}
