package rpc

import (
	"reflect"
	"sync"
	"unsafe"

	"zombiezen.com/go/capnproto2"
	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// msgTargetBuilder and capDescBuilder are the two payload-piece
// builders the descriptor codec (spec.md §4.3) and the capability
// variants (spec.md §4.2) fill in; both are generated accessors from
// the wire schema, out of scope per spec.md §1, consumed as-is.
type msgTargetBuilder = rpccapnp.MessageTarget
type capDescBuilder = rpccapnp.CapDescriptor

// clientHook is the internal contract every capability variant
// implements, extending the external capnp.Client (Call/Close) with
// the operations spec.md §4.2 lists: write_target, write_descriptor,
// get_resolved, when_more_resolved, get_brand, get_ptr. new_call has
// no hook method of its own: Call builds and sends the outbound Call
// message (Conn.sendCall and Conn.callPipeline in rpc/request.go).
type clientHook interface {
	capnp.Client

	// writeTarget fills in mt for a call against this capability.
	// If the capability has been redirected to some other
	// (non-local) destination since this target was decided on, it
	// returns the client calls should be redirected to instead.
	writeTarget(mt msgTargetBuilder) capnp.Client

	// writeDescriptor fills in d so the peer can reconstruct this
	// capability.  When a new export was allocated to do so, its id
	// is returned with ok=true.
	writeDescriptor(d capDescBuilder) (id exportID, ok bool)

	// getResolved returns the settled capability a Promise-variant
	// client has resolved to, if any.
	getResolved() (cap capnp.Client, ok bool)

	// whenMoreResolved returns a channel closed when this
	// capability resolves further, or nil if it never will.
	whenMoreResolved() <-chan struct{}

	// getBrand identifies the connection (or local-ness) this
	// capability belongs to; equal brands mean the same Conn.
	getBrand() uintptr

	// getPtr is the pointer identity of the innermost non-wrapper
	// object, used as exportsByCap's key.
	getPtr() uintptr
}

// brand returns this connection's unique, non-zero identity tag.
// Local (non-RPC) capabilities report brand 0.
func (c *Conn) brand() uintptr {
	return uintptr(unsafe.Pointer(c))
}

// clientPtr returns the pointer identity of client's innermost
// resolved capability, resolving through any Promise wrapper first so
// that exportsByCap keys on the settled object (spec.md §4.3: "walks
// cap through get_resolved() repeatedly to reach the innermost settled
// cap before encoding").
func clientPtr(client capnp.Client) uintptr {
	for {
		hook, ok := client.(clientHook)
		if !ok {
			return localPtr(client)
		}
		if resolved, ok := hook.getResolved(); ok {
			client = resolved
			continue
		}
		return hook.getPtr()
	}
}

// localPtr extracts a pointer-identity value for an arbitrary local
// capnp.Client implementation (the Local variant of spec.md §4.2,
// which needs no wrapper of its own).
func localPtr(client capnp.Client) uintptr {
	v := reflect.ValueOf(client)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return v.Pointer()
	case reflect.Interface:
		return localPtr(v.Elem().Interface().(capnp.Client))
	default:
		// Not a reference type: fall back to the interface's own
		// data pointer so that at least repeated calls with the
		// same value compare equal.
		return reflect.ValueOf(&client).Pointer()
	}
}

// clientBrand reports the brand of an arbitrary capability: 0 for
// anything that isn't one of this package's RPC hooks (i.e. a locally
// hosted capability), or the owning Conn's brand otherwise.
func clientBrand(client capnp.Client) uintptr {
	if hook, ok := client.(clientHook); ok {
		return hook.getBrand()
	}
	return 0
}

// resolveChain walks client through get_resolved() until it reaches a
// capability that either isn't a clientHook or hasn't settled yet,
// per spec.md §4.3's descriptor-encoding rule.
func resolveChain(client capnp.Client) capnp.Client {
	for {
		hook, ok := client.(clientHook)
		if !ok {
			return client
		}
		resolved, ok := hook.getResolved()
		if !ok {
			return client
		}
		client = resolved
	}
}

// pipelineClient is the Pipeline capability variant (spec.md §4.2): a
// field path through a question's not-yet-arrived result. It reports
// no resolution of its own (getResolved is always false); once the
// question has returned, Call applies ops against the Return content
// instead (Conn.callPipeline).
type pipelineClient struct {
	conn        *Conn
	questionRef *questionRef
	ops         []capnp.PipelineOp
}

var _ clientHook = (*pipelineClient)(nil)

func (pc *pipelineClient) Call(call *capnp.Call) capnp.Answer {
	return pc.conn.callPipeline(pc.questionRef, pc.ops, call)
}

func (pc *pipelineClient) Close() error { return nil }

func (pc *pipelineClient) writeTarget(mt msgTargetBuilder) capnp.Client {
	pa, err := mt.NewPromisedAnswer()
	if err != nil {
		return capnp.ErrorClient(err)
	}
	pa.SetQuestionId(uint32(pc.questionRef.id))
	if err := transformToPromisedAnswer(pa, pc.ops); err != nil {
		return capnp.ErrorClient(err)
	}
	return nil
}

func (pc *pipelineClient) writeDescriptor(d capDescBuilder) (exportID, bool) {
	ra, err := d.NewReceiverAnswer()
	if err != nil {
		return 0, false
	}
	ra.SetQuestionId(uint32(pc.questionRef.id))
	transformToPromisedAnswer(ra, pc.ops)
	return 0, false
}

func (pc *pipelineClient) getResolved() (capnp.Client, bool) { return nil, false }
func (pc *pipelineClient) whenMoreResolved() <-chan struct{} { return nil }
func (pc *pipelineClient) getBrand() uintptr                 { return pc.conn.brand() }
func (pc *pipelineClient) getPtr() uintptr                   { return uintptr(unsafe.Pointer(pc)) }

// promiseClient is the Promise capability variant (spec.md §4.2): it
// forwards to an inner capability until it resolves, at which point it
// switches to forwarding to the replacement. It is the only variant
// whose identity is mutable.
type promiseClient struct {
	conn *Conn

	mu           sync.Mutex
	resolved     bool
	cap          capnp.Client
	err          error
	importID     *importID
	receivedCall bool
	embargo      *embargoClient // set once resolution to a local cap requires one
	doneCh       chan struct{}
}

var _ clientHook = (*promiseClient)(nil)

func newPromiseClient(c *Conn, initial capnp.Client, importID *importID) *promiseClient {
	return &promiseClient{conn: c, cap: initial, importID: importID, doneCh: make(chan struct{})}
}

func (pc *promiseClient) Call(call *capnp.Call) capnp.Answer {
	pc.mu.Lock()
	pc.receivedCall = true
	cap := pc.cap
	resolved := pc.resolved
	pc.mu.Unlock()
	if !resolved {
		// Still forwarding to the initial (always-remote, for
		// import promises) capability: no embargo needed yet.
		return cap.Call(call)
	}
	return cap.Call(call)
}

func (pc *promiseClient) Close() error {
	pc.mu.Lock()
	cap := pc.cap
	pc.mu.Unlock()
	if cap == nil {
		return nil
	}
	return cap.Close()
}

func (pc *promiseClient) writeTarget(mt msgTargetBuilder) capnp.Client {
	pc.mu.Lock()
	pc.receivedCall = true
	cap := pc.cap
	pc.mu.Unlock()
	if hook, ok := cap.(clientHook); ok {
		return hook.writeTarget(mt)
	}
	// Resolved to a local, non-RPC capability: the caller holding
	// this client must redirect the call to it directly.
	return cap
}

func (pc *promiseClient) writeDescriptor(d capDescBuilder) (exportID, bool) {
	pc.mu.Lock()
	pc.receivedCall = true
	cap := pc.cap
	pc.mu.Unlock()
	return pc.conn.writeDescriptor(d, cap)
}

func (pc *promiseClient) getResolved() (capnp.Client, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.resolved {
		return nil, false
	}
	return pc.cap, true
}

func (pc *promiseClient) whenMoreResolved() <-chan struct{} {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.resolved {
		return nil
	}
	return pc.doneCh
}

func (pc *promiseClient) getBrand() uintptr {
	pc.mu.Lock()
	cap := pc.cap
	pc.mu.Unlock()
	return clientBrand(cap)
}

func (pc *promiseClient) getPtr() uintptr { return uintptr(unsafe.Pointer(pc)) }

// resolveLocked switches pc to forward to cap.  If calls were already
// issued on pc (receivedCall) and cap turns out to be locally hosted
// (brand 0), an embargoClient is installed so that those earlier
// pipelined calls are guaranteed to be delivered before any call made
// after resolution (spec.md §5 E-order, §8 invariant 3). The caller
// must already be holding c.mu (it is only ever invoked from
// resolveImport, itself called from handleResolveMessage).
func (pc *promiseClient) resolveLocked(c *Conn, cap capnp.Client) {
	pc.mu.Lock()
	receivedCall := pc.receivedCall
	importID := pc.importID
	pc.mu.Unlock()

	final := cap
	if receivedCall && clientBrand(cap) == 0 {
		final = c.startEmbargo(cap)
	}

	pc.mu.Lock()
	pc.cap = final
	pc.resolved = true
	close(pc.doneCh)
	pc.mu.Unlock()

	if importID != nil {
		if ent, ok := c.imports[*importID]; ok && ent.promise == pc {
			ent.promise = nil
		}
	}
}

func (pc *promiseClient) rejectLocked(err error) {
	pc.mu.Lock()
	pc.cap = capnp.ErrorClient(err)
	pc.err = err
	pc.resolved = true
	close(pc.doneCh)
	pc.mu.Unlock()
}

// transformToPromisedAnswer fills a PromisedAnswer.transform list from
// a pipeline op path; promisedAnswerOpsToTransform in descriptor.go is
// the read-direction counterpart.
func transformToPromisedAnswer(pa rpccapnp.PromisedAnswer, ops []capnp.PipelineOp) error {
	opList, err := rpccapnp.NewPromisedAnswer_Op_List(pa.Segment(), int32(len(ops)))
	if err != nil {
		return err
	}
	for i, op := range ops {
		opList.At(i).SetGetPointerField(op.Field)
	}
	return pa.SetTransform(opList)
}
