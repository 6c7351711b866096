package rpc

import (
	"zombiezen.com/go/capnproto2"
)

// export is an entry in a Conn's export table: a capability this vat
// has made available to its peer.  ref_count counts the number of
// live CapDescriptors the peer holds that name this export; it is
// not the same as any local Go reference count.
type export struct {
	id       exportID
	client   capnp.Client
	refCount uint32

	// isPromise is set when write_descriptor emitted SenderPromise
	// for this export. Nothing in this package sends a Resolve for
	// the export when the underlying capability settles, and
	// resolveDone is never closed.
	isPromise  bool
	resolveDone chan struct{}
}

// findExport looks up id in the export table.  The caller must be
// holding the connection's lock (single-threaded executor, see
// rpc/manager.go).
func (c *Conn) findExport(id exportID) *export {
	i := int(id)
	if i < 0 || i >= len(c.exports) {
		return nil
	}
	return c.exports[i]
}

// exportCap finds or creates an export entry for client, returning
// its id and whether it was newly created (ref_count starts at 1 when
// new, is bumped by 1 when reused).
func (c *Conn) exportCap(client capnp.Client) (id exportID, isNew bool) {
	ptr := clientPtr(client)
	if c.exportsByCap == nil {
		c.exportsByCap = make(map[uintptr]exportID)
	}
	if id, ok := c.exportsByCap[ptr]; ok {
		e := c.exports[int(id)]
		e.refCount++
		return id, false
	}
	eid := exportID(c.exportID.next32())
	e := &export{id: eid, client: client, refCount: 1}
	c.setExportSlot(eid, e)
	c.exportsByCap[ptr] = eid
	return eid, true
}

// setExportSlot grows the export slice as needed and stores e at id.
func (c *Conn) setExportSlot(id exportID, e *export) {
	i := int(id)
	for i >= len(c.exports) {
		c.exports = append(c.exports, nil)
	}
	c.exports[i] = e
}

// releaseExport decrements the export's ref_count by count, erasing
// the entry and recycling its id once the count reaches zero
// (invariant 1, spec.md §3 and §8).
func (c *Conn) releaseExport(id exportID, count uint32) {
	e := c.findExport(id)
	if e == nil {
		return
	}
	if count >= e.refCount {
		e.refCount = 0
	} else {
		e.refCount -= count
	}
	if e.refCount > 0 {
		return
	}
	c.exports[int(id)] = nil
	if c.exportsByCap != nil {
		delete(c.exportsByCap, clientPtr(e.client))
	}
	c.exportID.release(uint32(id))
}

// releaseAllExports is called on connection teardown; every export's
// client is closed since no further Release message will ever arrive
// for it.
func (c *Conn) releaseAllExports() {
	for i, e := range c.exports {
		if e == nil {
			continue
		}
		e.client.Close()
		c.exports[i] = nil
	}
	c.exportsByCap = nil
}
