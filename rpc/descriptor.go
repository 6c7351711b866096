package rpc

import (
	"github.com/pkg/errors"
	"zombiezen.com/go/capnproto2"
	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// writeDescriptor fills d in so the peer can reconstruct client,
// implementing the encode side of spec.md §4.3's CapDescriptor rules:
//
//   - nil client encodes as None.
//   - a clientHook (Import/Pipeline/Promise variant tied to this very
//     connection) defers to its own writeDescriptor, producing
//     ReceiverHosted or ReceiverAnswer.
//   - anything else (a Local capability, or one tied to a different
//     connection) is looked up by pointer identity in exportsByCap,
//     reusing an existing export or allocating a new one
//     (SenderHosted), per invariant 1.
//
// The caller must be holding c.mu.
func (c *Conn) writeDescriptor(d capDescBuilder, client capnp.Client) (id exportID, isNewExport bool) {
	if client == nil {
		d.SetNone()
		return 0, false
	}

	resolved := resolveChain(client)
	if hook, ok := resolved.(clientHook); ok && hook.getBrand() == c.brand() {
		return hook.writeDescriptor(d)
	}

	// SenderHosted is the common case: the capability is already
	// settled. A capability that is itself a not-yet-resolved
	// promiseClient belonging to another connection (or local) is
	// exported as SenderPromise instead. No Resolve for it is sent
	// later (see export.isPromise).
	id, isNew := c.exportCap(resolved)
	if pc, ok := resolved.(*promiseClient); ok {
		if _, settled := pc.getResolved(); !settled {
			d.SetSenderPromise(uint32(id))
			if e := c.findExport(id); e != nil {
				e.isPromise = true
			}
			return id, isNew
		}
	}
	d.SetSenderHosted(uint32(id))
	return id, isNew
}

// receiveCap decodes a single inbound CapDescriptor into a usable
// capnp.Client, implementing the decode side of spec.md §4.3.  The
// caller must be holding c.mu.
func (c *Conn) receiveCap(d rpccapnp.CapDescriptor) (capnp.Client, error) {
	switch d.Which() {
	case rpccapnp.CapDescriptor_Which_none:
		return nil, nil

	case rpccapnp.CapDescriptor_Which_senderHosted:
		return c.addImport(importID(d.SenderHosted()), false), nil

	case rpccapnp.CapDescriptor_Which_senderPromise:
		return c.addImport(importID(d.SenderPromise()), true), nil

	case rpccapnp.CapDescriptor_Which_receiverHosted:
		id := exportID(d.ReceiverHosted())
		e := c.findExport(id)
		if e == nil {
			return nil, errors.Errorf("rpc: receiverHosted names unknown export %d", id)
		}
		return e.client, nil

	case rpccapnp.CapDescriptor_Which_receiverAnswer:
		ra, err := d.ReceiverAnswer()
		if err != nil {
			return nil, errors.Wrap(err, "decode receiverAnswer")
		}
		qid := questionID(ra.QuestionId())
		q := c.findQuestion(qid)
		if q == nil {
			return nil, errors.Errorf("rpc: receiverAnswer names unknown question %d", qid)
		}
		ops, err := promisedAnswerOpsToTransform(ra)
		if err != nil {
			return nil, err
		}
		return &pipelineClient{conn: c, questionRef: &questionRef{id: qid, q: q}, ops: ops}, nil

	case rpccapnp.CapDescriptor_Which_thirdPartyHosted:
		return nil, errUnimplemented

	default:
		return nil, errUnimplemented
	}
}

// populateMessageCapTable is the decode half of the cap-table
// plumbing: it reads every CapDescriptor out of payload's own
// capTable and registers the capability each one names into the
// underlying capnp.Message's CapTable, in order, so that Interface
// pointers inside payload's content (which reference that message's
// CapTable by index) resolve to real clients. The caller must be
// holding c.mu.
func (c *Conn) populateMessageCapTable(payload rpccapnp.Payload) error {
	list, err := payload.CapTable()
	if err != nil {
		return errors.Wrap(err, "decode cap table")
	}
	msg := payload.Segment().Message()
	for i := 0; i < list.Len(); i++ {
		client, err := c.receiveCap(list.At(i))
		if err != nil {
			return err
		}
		msg.AddCap(client)
	}
	return nil
}

// makeCapTable is the encode half of the cap-table plumbing: it
// converts every capnp.Client already referenced from s's message
// (via AddCap, typically performed while placing call arguments or
// building a results struct) into a CapDescriptor, in the same order,
// suitable for Payload.SetCapTable. The caller must be holding c.mu.
func (c *Conn) makeCapTable(s *capnp.Segment) (rpccapnp.CapDescriptor_List, []exportID, error) {
	clients := s.Message().CapTable
	t, err := rpccapnp.NewCapDescriptor_List(s, int32(len(clients)))
	if err != nil {
		return rpccapnp.CapDescriptor_List{}, nil, errors.Wrap(err, "allocate cap descriptors")
	}
	var exported []exportID
	for i, client := range clients {
		id, isNew := c.writeDescriptor(t.At(i), client)
		if isNew {
			exported = append(exported, id)
		}
	}
	return t, exported, nil
}

// promisedAnswerOpsToTransform decodes a PromisedAnswer's transform
// list into the capnp package's own pipeline-op representation.
func promisedAnswerOpsToTransform(pa rpccapnp.PromisedAnswer) ([]capnp.PipelineOp, error) {
	list, err := pa.Transform()
	if err != nil {
		return nil, errors.Wrap(err, "decode promised answer transform")
	}
	ops := make([]capnp.PipelineOp, list.Len())
	for i := 0; i < list.Len(); i++ {
		op := list.At(i)
		if op.Which() == rpccapnp.PromisedAnswer_Op_Which_getPointerField {
			ops[i] = capnp.PipelineOp{Field: op.GetPointerField()}
		}
	}
	return ops, nil
}
