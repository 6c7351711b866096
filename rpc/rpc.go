package rpc

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"
	"zombiezen.com/go/capnproto2"
	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"

	"github.com/vatforge/capnrpc/rpc/internal/refcount"
)

// A Conn is a connection to another vat: one endpoint of the
// promise-pipelining, object-capability protocol this package
// implements. Every exported operation that touches connection state
// takes c.mu, making a Conn safe to use from multiple goroutines even
// though its internal bookkeeping is written as if only one goroutine
// ever runs at a time (spec.md §5's single-threaded executor model).
type Conn struct {
	transport  Transport
	mainFunc   func(context.Context) (capnp.Client, error)
	mainCloser io.Closer

	manager *manager
	tracer  trace.EventLog

	tailCallSupport bool

	mu           sync.Mutex
	closed       bool
	questions    []*question
	questionID   idgen
	exports      []*export
	exportID     idgen
	exportsByCap map[uintptr]exportID
	embargoes    map[embargoID]*embargoClient
	embargoID    idgen
	answers      map[answerID]*answer
	imports      map[importID]*impent
}

type connParams struct {
	mainFunc        func(context.Context) (capnp.Client, error)
	mainCloser      io.Closer
	sendBufferSize  int
	logName         string
	tailCallSupport bool
}

// A ConnOption configures a connection opened with NewConn.
type ConnOption struct {
	f func(*connParams)
}

// MainInterface specifies that the connection should use client when
// receiving bootstrap messages. By default, all bootstrap messages
// fail with errNoMainInterface. The client is closed when the
// connection is closed.
func MainInterface(client capnp.Client) ConnOption {
	rc, ref1 := refcount.New(client)
	ref2 := rc.Ref()
	return ConnOption{func(c *connParams) {
		c.mainFunc = func(ctx context.Context) (capnp.Client, error) {
			return ref1, nil
		}
		c.mainCloser = ref2
	}}
}

// BootstrapFunc specifies the function to call to create a capability
// for handling bootstrap messages. This function should not make any
// RPCs or block.
func BootstrapFunc(f func(context.Context) (capnp.Client, error)) ConnOption {
	return ConnOption{func(c *connParams) {
		c.mainFunc = f
	}}
}

// SendBufferSize sets the number of outgoing messages to buffer on
// the connection, on top of whatever buffering the transport itself
// performs. It has no effect in this implementation, which writes
// synchronously under c.mu, but is kept so callers tuning an existing
// deployment don't need to drop the option.
func SendBufferSize(numMsgs int) ConnOption {
	return ConnOption{func(c *connParams) {
		c.sendBufferSize = numMsgs
	}}
}

// ConnLog names the connection for golang.org/x/net/trace's event log,
// which records the kind of every message the connection receives
// under /debug/events. Outgoing messages are not recorded.
func ConnLog(name string) ConnOption {
	return ConnOption{func(c *connParams) {
		c.logName = name
	}}
}

// TailCallSupport controls whether outbound Call messages announce
// sendResultsTo=yourself, the signal this vat is prepared to have the
// callee redirect its Return to a third party instead of answering
// this vat directly. Disabled by default, matching spec.md §6's
// "none configured" default for the second recognized configuration
// concern.
func TailCallSupport(enabled bool) ConnOption {
	return ConnOption{func(c *connParams) {
		c.tailCallSupport = enabled
	}}
}

// NewConn creates a new connection that communicates on t. Closing the
// connection closes t.
func NewConn(t Transport, options ...ConnOption) *Conn {
	p := &connParams{sendBufferSize: 4}
	for _, o := range options {
		o.f(p)
	}

	conn := &Conn{
		transport:       t,
		mainFunc:        p.mainFunc,
		mainCloser:      p.mainCloser,
		tailCallSupport: p.tailCallSupport,
		manager:         newManager(context.Background()),
	}
	if p.logName != "" {
		conn.tracer = trace.NewEventLog("capnrpc.Conn", p.logName)
	}
	conn.manager.do("recv", conn.dispatchRecv)
	conn.manager.do("teardown", conn.teardown)
	return conn
}

// dispatchRecv is the connection's receive loop: it is the sole reader
// of the transport, and returns once the manager's context is
// cancelled. teardown does not wait for it to exit; the two are
// serialized only by c.mu.
func (c *Conn) dispatchRecv(ctx context.Context) error {
	for {
		m, err := c.transport.RecvMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.handleMessage(m)
	}
}

// teardown waits for the connection to be torn down (locally or by the
// peer), then rejects every pending question, breaks every outstanding
// promise, and releases everything this vat was holding open on the
// peer's behalf (spec.md §5: "rejects all pending questions, breaks all
// outstanding pipelines/promises"). Without this, a Return that will
// never arrive (peer Abort, or any local protocol violation) would
// leave callers blocked forever in questionAnswer.Struct.
func (c *Conn) teardown(ctx context.Context) error {
	<-ctx.Done()
	cause := disconnectCause(c.manager.resultErr())
	c.mu.Lock()
	c.closed = true
	c.rejectAllQuestions(cause)
	c.breakAllPromises(cause)
	c.releaseAllExports()
	c.mu.Unlock()
	if c.mainCloser != nil {
		if err := c.mainCloser.Close(); err != nil {
			log.WithError(err).Debug("rpc: closing main interface")
		}
	}
	return nil
}

// Wait blocks until the connection is closed locally or aborted by
// the peer. It always returns a non-nil error, usually ErrConnClosed
// or an Exception describing the Abort.
func (c *Conn) Wait() error {
	c.manager.wait()
	if err := c.manager.resultErr(); err != nil {
		return err
	}
	return ErrConnClosed
}

// Close closes the connection, sending an Abort message to the peer
// first so it knows the hangup was intentional. Unlike shutdown, Close
// is never called from the receive goroutine itself, so it can safely
// wait for every supervised task (including that goroutine) to exit
// before returning.
func (c *Conn) Close() error {
	c.manager.shutdown(ErrConnClosed)
	n, err := newAbortMessage(nil, errShutdown)
	var werr error
	if err == nil {
		werr = c.transport.SendMessage(context.Background(), n)
	}
	cerr := c.transport.Close()
	c.manager.wait()
	if werr != nil {
		return werr
	}
	return cerr
}

// Bootstrap returns the peer's main interface, as a capability whose
// methods can be called immediately (spec.md §4.4's pipelining: no
// need to wait for the Return before issuing calls against it).
func (c *Conn) Bootstrap(ctx context.Context) capnp.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return capnp.ErrorClient(ErrConnClosed)
	}

	q := c.newQuestion(nil)
	msg, err := newMessage(nil)
	if err != nil {
		c.popQuestion(q.id)
		return capnp.ErrorClient(err)
	}
	boot, err := msg.NewBootstrap()
	if err != nil {
		c.popQuestion(q.id)
		return capnp.ErrorClient(err)
	}
	boot.SetQuestionId(uint32(q.id))
	if err := c.transport.SendMessage(ctx, msg); err != nil {
		c.popQuestion(q.id)
		return capnp.ErrorClient(err)
	}

	qa := &questionAnswer{conn: c, q: q}
	pc := &pipelineClient{conn: c, questionRef: &questionRef{id: q.id, q: q}, ops: nil}
	return &bootstrapClient{pc: pc, qa: qa}
}

// bootstrapClient is the capability a Bootstrap call returns: calls
// made on it before the Return arrives ride the question as a
// pipeline; once resolved, it forwards directly.
type bootstrapClient struct {
	pc *pipelineClient
	qa *questionAnswer
}

func (bc *bootstrapClient) Call(call *capnp.Call) capnp.Answer {
	select {
	case <-bc.qa.q.answerDone:
		if bc.qa.q.err != nil {
			return capnp.ErrorAnswer(bc.qa.q.err)
		}
		target := bc.qa.q.pipelineClient(bc.pc.ops)
		return target.Call(call)
	default:
		return bc.pc.Call(call)
	}
}

func (bc *bootstrapClient) Close() error {
	return bc.pc.conn.finishQuestionRef(bc.qa.q)
}

func (c *Conn) finishQuestionRef(q *question) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishQuestion(q, true)
}

// handleMessage processes a single inbound message. It runs on the
// receive goroutine; m is only valid until handleMessage returns,
// so anything stashed past that point (questions, answers) is copied
// first with copyRPCMessage.
func (c *Conn) handleMessage(m rpccapnp.Message) {
	if c.tracer != nil {
		c.tracer.Printf("recv %v", m.Which())
	}
	switch m.Which() {
	case rpccapnp.Message_Which_unimplemented:
		// No feedback loop: an Unimplemented about our own message
		// is logged and dropped.
		log.Debug("rpc: peer reported unimplemented message")

	case rpccapnp.Message_Which_abort:
		exc, err := copyAbort(m)
		if err != nil {
			log.WithError(err).Debug("rpc: decode abort")
		}
		log.WithField("exception", exc).Info("rpc: connection aborted by peer")
		c.manager.shutdown(exc)

	case rpccapnp.Message_Which_return:
		m = copyRPCMessage(m)
		c.mu.Lock()
		err := c.handleReturnMessage(m)
		c.mu.Unlock()
		if err != nil {
			log.WithError(err).Debug("rpc: handle return")
		}

	case rpccapnp.Message_Which_finish:
		mfin, err := m.Finish()
		if err != nil {
			log.WithError(err).Debug("rpc: decode finish")
			return
		}
		id := answerID(mfin.QuestionId())
		c.mu.Lock()
		a := c.findAnswer(id)
		if a != nil {
			c.popAnswer(id)
			if mfin.ReleaseResultCaps() {
				for _, eid := range a.resultCapsExported {
					c.releaseExport(eid, 1)
				}
			}
		}
		c.mu.Unlock()

	case rpccapnp.Message_Which_bootstrap:
		boot, err := m.Bootstrap()
		if err != nil {
			log.WithError(err).Debug("rpc: decode bootstrap")
			return
		}
		id := answerID(boot.QuestionId())
		c.mu.Lock()
		err = c.handleBootstrapMessage(id)
		c.mu.Unlock()
		if err != nil {
			log.WithError(err).Debug("rpc: handle bootstrap")
		}

	case rpccapnp.Message_Which_call:
		m = copyRPCMessage(m)
		c.mu.Lock()
		err := c.handleCallMessage(m)
		c.mu.Unlock()
		if err != nil {
			log.WithError(err).Debug("rpc: handle call")
		}

	case rpccapnp.Message_Which_release:
		rel, err := m.Release()
		if err != nil {
			log.WithError(err).Debug("rpc: decode release")
			return
		}
		id := exportID(rel.Id())
		c.mu.Lock()
		c.releaseExport(id, rel.ReferenceCount())
		c.mu.Unlock()

	case rpccapnp.Message_Which_disembargo:
		d, err := m.Disembargo()
		if err != nil {
			log.WithError(err).Debug("rpc: decode disembargo")
			return
		}
		c.mu.Lock()
		err = c.handleDisembargoMessage(d)
		c.mu.Unlock()
		if err != nil {
			// Any failure handling a disembargo is a protocol
			// violation; there is no well-formed way to continue.
			c.abort(err)
		}

	case rpccapnp.Message_Which_resolve:
		res, err := m.Resolve()
		if err != nil {
			log.WithError(err).Debug("rpc: decode resolve")
			return
		}
		c.mu.Lock()
		err = c.handleResolveMessage(res)
		c.mu.Unlock()
		if err != nil {
			log.WithError(err).Debug("rpc: handle resolve")
		}

	default:
		log.WithField("which", m.Which()).Debug("rpc: received unimplemented message type")
		um, err := newUnimplementedMessage(nil, m)
		if err == nil {
			c.transport.SendMessage(context.Background(), um)
		}
	}
}

func newUnimplementedMessage(buf []byte, m rpccapnp.Message) (rpccapnp.Message, error) {
	n, err := newMessage(buf)
	if err != nil {
		return rpccapnp.Message{}, err
	}
	if err := n.SetUnimplemented(m); err != nil {
		return rpccapnp.Message{}, err
	}
	return n, nil
}

// handleReturnMessage processes a Return for one of our own questions.
// The caller holds c.mu.
func (c *Conn) handleReturnMessage(m rpccapnp.Message) error {
	ret, err := m.Return()
	if err != nil {
		return err
	}
	id := questionID(ret.AnswerId())
	q := c.findQuestion(id)
	if q == nil {
		return errors.Errorf("received return for unknown question id=%d", id)
	}

	releaseResultCaps := true
	switch ret.Which() {
	case rpccapnp.Return_Which_results:
		releaseResultCaps = false
		results, err := ret.Results()
		if err != nil {
			return err
		}
		if err := c.populateMessageCapTable(results); err == errUnimplemented {
			um, _ := newUnimplementedMessage(nil, m)
			c.transport.SendMessage(context.Background(), um)
			return errUnimplemented
		} else if err != nil {
			c.abort(err)
			return err
		}
		content, err := results.ContentPtr()
		if err != nil {
			return err
		}
		// A Bootstrap Return's content is the capability itself (an
		// Interface pointer); an ordinary method Return's content is
		// a Struct that may or may not embed one. Coercing an
		// Interface through Struct() (as ordinary results need)
		// would silently lose it, so the two are told apart by the
		// question's method: nil means Bootstrap (Conn.Bootstrap's
		// question has no method).
		var s capnp.Struct
		var cap capnp.Client
		if q.method == nil {
			cap = content.Interface().Client()
		} else {
			s = content.Struct()
		}
		ans := capnp.ImmediateAnswer(s)
		q.fulfill(ans, content, cap, releaseResultCaps)

	case rpccapnp.Return_Which_exception:
		exc, err := ret.Exception()
		if err != nil {
			return err
		}
		e, err := exceptionFromReader(exc)
		if err != nil {
			return err
		}
		var qerr error = e
		if q.method != nil {
			qerr = &questionError{id: id, method: q.method, err: e}
		} else {
			qerr = bootstrapError{err: e}
		}
		q.reject(qerr)

	case rpccapnp.Return_Which_canceled:
		q.reject(&questionError{id: id, method: q.method, err: errors.New("receiver reported canceled")})
		return nil

	default:
		um, _ := newUnimplementedMessage(nil, m)
		c.transport.SendMessage(context.Background(), um)
		return errUnimplemented
	}

	return c.finishQuestion(q, releaseResultCaps)
}

// handleBootstrapMessage answers a peer's request for our main
// interface. The caller holds c.mu.
func (c *Conn) handleBootstrapMessage(id answerID) error {
	a, err := c.insertAnswer(id)
	if err != nil {
		return c.sendErrorReturn(id, err)
	}
	if c.mainFunc == nil {
		a.reject(errNoMainInterface)
		return c.sendErrorReturn(id, errNoMainInterface)
	}
	main, err := c.mainFunc(c.manager.context())
	if err != nil {
		a.reject(bootstrapError{err: err})
		return c.sendErrorReturn(id, err)
	}
	a.fulfill(capnp.ImmediateAnswer(capnp.Struct{}), main)
	return c.sendBootstrapReturn(id, main)
}

func (c *Conn) sendBootstrapReturn(id answerID, main capnp.Client) error {
	msg, err := newMessage(nil)
	if err != nil {
		return err
	}
	ret, err := msg.NewReturn()
	if err != nil {
		return err
	}
	ret.SetAnswerId(uint32(id))
	results, err := ret.NewResults()
	if err != nil {
		return err
	}
	seg := results.Segment()
	seg.Message().CapTable = []capnp.Client{main}
	iface := capnp.NewInterface(seg, 0)
	if err := results.SetContent(iface.ToPtr()); err != nil {
		return err
	}
	descs, exported, err := c.makeCapTable(seg)
	if err != nil {
		return err
	}
	if err := results.SetCapTable(descs); err != nil {
		return err
	}
	if a := c.findAnswer(id); a != nil {
		a.returnSent = true
		a.resultCapsExported = exported
	}
	return c.transport.SendMessage(context.Background(), msg)
}

func (c *Conn) sendErrorReturn(id answerID, cause error) error {
	msg, err := newMessage(nil)
	if err != nil {
		return err
	}
	ret, err := msg.NewReturn()
	if err != nil {
		return err
	}
	ret.SetAnswerId(uint32(id))
	exc, err := ret.NewException()
	if err != nil {
		return err
	}
	toException(exc, cause)
	return c.transport.SendMessage(context.Background(), msg)
}

// handleCallMessage dispatches an inbound Call to either a locally
// exported capability or a not-yet-resolved answer it pipelines off
// of. The caller holds c.mu.
func (c *Conn) handleCallMessage(m rpccapnp.Message) error {
	mcall, err := m.Call()
	if err != nil {
		return err
	}
	mt, err := mcall.Target()
	if err != nil {
		return err
	}
	if mt.Which() != rpccapnp.MessageTarget_Which_importedCap && mt.Which() != rpccapnp.MessageTarget_Which_promisedAnswer {
		um, _ := newUnimplementedMessage(nil, m)
		return c.transport.SendMessage(context.Background(), um)
	}

	mparams, err := mcall.Params()
	if err != nil {
		return err
	}
	if err := c.populateMessageCapTable(mparams); err == errUnimplemented {
		um, _ := newUnimplementedMessage(nil, m)
		return c.transport.SendMessage(context.Background(), um)
	} else if err != nil {
		c.abort(err)
		return err
	}
	paramContent, err := mparams.ContentPtr()
	if err != nil {
		return err
	}

	id := answerID(mcall.QuestionId())
	a, err := c.insertAnswer(id)
	if err != nil {
		c.abort(err)
		return err
	}

	meth := capnp.Method{InterfaceID: mcall.InterfaceId(), MethodID: mcall.MethodId()}
	call := &capnp.Call{
		Ctx:    c.manager.context(),
		Method: meth,
		Params: paramContent.Struct(),
	}
	return c.routeCallMessage(a, mt, call)
}

// routeCallMessage resolves a Call's target, dispatching immediately
// against an import, or queuing against an unresolved answer
// (spec.md §5, preserving E-order). The caller holds c.mu.
func (c *Conn) routeCallMessage(result *answer, mt rpccapnp.MessageTarget, call *capnp.Call) error {
	switch mt.Which() {
	case rpccapnp.MessageTarget_Which_importedCap:
		id := exportID(mt.ImportedCap())
		e := c.findExport(id)
		if e == nil {
			result.reject(errBadTarget)
			return c.sendErrorReturn(result.id, errBadTarget)
		}
		go c.dispatchLocalCall(result, e.client, call)
		return nil

	case rpccapnp.MessageTarget_Which_promisedAnswer:
		mpromise, err := mt.PromisedAnswer()
		if err != nil {
			return err
		}
		id := answerID(mpromise.QuestionId())
		if id == result.id {
			result.reject(errBadTarget)
			return c.sendErrorReturn(result.id, errBadTarget)
		}
		pa := c.findAnswer(id)
		if pa == nil {
			result.reject(errBadTarget)
			return c.sendErrorReturn(result.id, errBadTarget)
		}
		ops, err := promisedAnswerOpsToTransform(mpromise)
		if err != nil {
			return err
		}
		if cap, resolved := pa.peek(); resolved {
			go c.dispatchLocalCall(result, pa.pipelineClient(ops), call)
			_ = cap
			return nil
		}
		pa.queueCall(ops, call, result)
		return nil

	default:
		panic("unreachable")
	}
}

// dispatchLocalCall runs an inbound call against a local capability
// and turns its Answer into a Return, outside of c.mu since the
// application handler is free to block.
func (c *Conn) dispatchLocalCall(result *answer, target capnp.Client, call *capnp.Call) {
	ans := target.Call(call)
	s, err := ans.Struct()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		result.reject(err)
		c.sendErrorReturn(result.id, err)
		return
	}
	result.fulfill(capnp.ImmediateAnswer(s), s.ToPtr().Interface().Client())
	c.sendCallReturn(result, s)
}

func (c *Conn) sendCallReturn(a *answer, s capnp.Struct) error {
	msg, err := newMessage(nil)
	if err != nil {
		return err
	}
	ret, err := msg.NewReturn()
	if err != nil {
		return err
	}
	ret.SetAnswerId(uint32(a.id))
	results, err := ret.NewResults()
	if err != nil {
		return err
	}
	if err := results.SetContent(s); err != nil {
		return err
	}
	descs, exported, err := c.makeCapTable(s.Segment())
	if err != nil {
		return err
	}
	if err := results.SetCapTable(descs); err != nil {
		return err
	}
	a.returnSent = true
	a.resultCapsExported = exported
	return c.transport.SendMessage(context.Background(), msg)
}

// handleResolveMessage applies an inbound Resolve to the import
// promise it names (spec.md §4.5). The caller holds c.mu.
func (c *Conn) handleResolveMessage(res rpccapnp.Resolve) error {
	id := importID(res.PromiseId())
	switch res.Which() {
	case rpccapnp.Resolve_Which_cap:
		d, err := res.Cap()
		if err != nil {
			return err
		}
		cap, err := c.receiveCap(d)
		if err != nil {
			c.resolveImport(id, nil, err)
			return err
		}
		c.resolveImport(id, cap, nil)
	case rpccapnp.Resolve_Which_exception:
		exc, err := res.Exception()
		if err != nil {
			return err
		}
		e, err := exceptionFromReader(exc)
		if err != nil {
			return err
		}
		c.resolveImport(id, nil, e)
	default:
		return errUnimplemented
	}
	return nil
}

func (c *Conn) abort(err error) {
	am, merr := newAbortMessage(nil, err)
	if merr == nil {
		c.transport.SendMessage(context.Background(), am)
	}
	c.manager.shutdown(err)
}

func newAbortMessage(buf []byte, err error) (rpccapnp.Message, error) {
	n, merr := newMessage(buf)
	if merr != nil {
		return rpccapnp.Message{}, merr
	}
	e, merr := n.NewAbort()
	if merr != nil {
		return rpccapnp.Message{}, merr
	}
	toException(e, err)
	return n, nil
}

func newMessage(buf []byte) (rpccapnp.Message, error) {
	_, s, err := capnp.NewMessage(capnp.SingleSegment(buf))
	if err != nil {
		return rpccapnp.Message{}, err
	}
	return rpccapnp.NewRootMessage(s)
}
