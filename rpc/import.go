package rpc

import "zombiezen.com/go/capnproto2"

// impent is an entry in a Conn's import table: a capability the peer
// has made available to this vat.  Unlike exports, import ids are
// chosen by the peer, so the table is a sparse map.
type impent struct {
	id importID

	// importClient is the canonical local hook for this import;
	// it is nil only in the instant between table insertion and
	// construction, which never escapes the single-threaded
	// executor.
	importClient *importClient

	// promise is set if the peer described this import with
	// SenderPromise; it wraps importClient and will be resolved by
	// a later Resolve message.
	promise *promiseClient
}

// importClient is the Import capability variant (spec.md §4.2): it
// forwards new_call/call to the peer by encoding a Call message whose
// target is ImportedCap(importID), and participates in the peer's
// export refcount via refCount.
type importClient struct {
	conn     *Conn
	id       importID
	closed   bool
	refCount int // local handles outstanding on this hook
}

var _ clientHook = (*importClient)(nil)

func (ic *importClient) Call(call *capnp.Call) capnp.Answer {
	if ic.conn == nil {
		return capnp.ErrorAnswer(ErrConnClosed)
	}
	return ic.conn.sendCall(ic, call)
}

func (ic *importClient) Close() error {
	c := ic.conn
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ic.refCount--
	if ic.refCount > 0 {
		return nil
	}
	ic.closed = true
	delete(c.imports, ic.id)
	return c.sendReleaseLocked(ic.id, 1)
}

func (ic *importClient) writeTarget(mt msgTargetBuilder) capnp.Client {
	mt.SetImportedCap(uint32(ic.id))
	return nil
}

func (ic *importClient) writeDescriptor(d capDescBuilder) (exportID, bool) {
	d.SetReceiverHosted(uint32(ic.id))
	return 0, false
}

func (ic *importClient) getResolved() (capnp.Client, bool) { return nil, false }
func (ic *importClient) whenMoreResolved() <-chan struct{} { return nil }
func (ic *importClient) getBrand() uintptr                 { return ic.conn.brand() }
func (ic *importClient) getPtr() uintptr                   { return uintptr(ic.id)<<1 | 1 }

// addImport returns (creating if necessary) the local hook for a
// capability the peer just described as SenderHosted/SenderPromise,
// and bumps the remote-hosted refcount the receipt represents.
//
// The caller must be holding c.mu.
func (c *Conn) addImport(id importID, isPromise bool) capnp.Client {
	if c.imports == nil {
		c.imports = make(map[importID]*impent)
	}
	ent, ok := c.imports[id]
	if !ok {
		ent = &impent{id: id, importClient: &importClient{conn: c, id: id}}
		c.imports[id] = ent
	}
	ent.importClient.refCount++

	if !isPromise {
		return ent.importClient
	}
	if ent.promise == nil {
		ent.promise = newPromiseClient(c, ent.importClient, nil)
		ent.promise.importID = &id
	}
	return ent.promise
}

// breakAllPromises fails every not-yet-resolved import promise with
// cause (spec.md §5's "breaks all outstanding pipelines/promises" on
// disconnect), so anything blocked on whenMoreResolved wakes instead of
// waiting on a peer that is gone. The caller must be holding c.mu.
func (c *Conn) breakAllPromises(cause error) {
	for _, ent := range c.imports {
		if ent.promise == nil {
			continue
		}
		ent.promise.mu.Lock()
		resolved := ent.promise.resolved
		ent.promise.mu.Unlock()
		if resolved {
			continue
		}
		ent.promise.rejectLocked(cause)
	}
}

// resolveImport fulfils the promise tracking import id with the
// capability decoded from an inbound Resolve message (or marks it
// errored).  It implements spec.md §4.5's Resolve handling, including
// installing a Disembargo when a prior call was made on the promise
// and it now points at a local target.
func (c *Conn) resolveImport(id importID, cap capnp.Client, err error) {
	ent, ok := c.imports[id]
	if !ok || ent.promise == nil {
		if cap != nil {
			cap.Close()
		}
		return
	}
	if err != nil {
		ent.promise.rejectLocked(err)
		return
	}
	ent.promise.resolveLocked(c, cap)
}
