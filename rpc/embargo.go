package rpc

import (
	"github.com/pkg/errors"
	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// sendSenderLoopback emits the Disembargo message that starts embargo
// id: a senderLoopback request addressed back to this vat's own prior
// Call, which the peer must process strictly after every call it has
// already received targeting the same capability (spec.md §5).  Since
// this vat is also the sender of the original calls being embargoed,
// the disembargo's target is a PromisedAnswer pointing at the
// question whose resolution triggered the embargo.
func (c *Conn) sendSenderLoopback(id embargoID) error {
	msg, err := newMessage(nil)
	if err != nil {
		return err
	}
	d, err := msg.NewDisembargo()
	if err != nil {
		return err
	}
	d.Context().SetSenderLoopback(uint32(id))

	target, err := d.NewTarget()
	if err != nil {
		return err
	}
	target.SetImportedCap(0)
	return c.transport.SendMessage(nil, msg)
}

// handleDisembargoMessage dispatches an inbound Disembargo message to
// either echoDisembargo (this vat is being asked to loop a
// senderLoopback request straight back) or liftEmbargo (this vat
// previously sent a senderLoopback and the peer has echoed it back as
// receiverLoopback, so it's now safe to stop queuing).
func (c *Conn) handleDisembargoMessage(d rpccapnp.Disembargo) error {
	ctx := d.Context()
	switch ctx.Which() {
	case rpccapnp.Disembargo_context_Which_senderLoopback:
		return c.recvSenderLoopback(d, embargoID(ctx.SenderLoopback()))
	case rpccapnp.Disembargo_context_Which_receiverLoopback:
		return c.recvReceiverLoopback(embargoID(ctx.ReceiverLoopback()))
	default:
		return errUnimplemented
	}
}

// recvSenderLoopback handles a peer asking this vat to loop a
// Disembargo back to them once everything already queued ahead of it
// (pipelined calls against a not-yet-resolved answer) has been
// delivered.
func (c *Conn) recvSenderLoopback(d rpccapnp.Disembargo, id embargoID) error {
	target, err := d.Target()
	if err != nil {
		return errors.Wrap(err, "decode disembargo target")
	}
	if target.Which() != rpccapnp.MessageTarget_Which_promisedAnswer {
		return errDisembargoNonImport
	}
	pa, err := target.PromisedAnswer()
	if err != nil {
		return errors.Wrap(err, "decode disembargo promised answer")
	}
	qid := answerID(pa.QuestionId())
	a := c.findAnswer(qid)
	if a == nil {
		return errDisembargoMissingAnswer
	}
	ops, err := promisedAnswerOpsToTransform(pa)
	if err != nil {
		return err
	}
	if !a.resolved {
		a.queueDisembargo(ops, id)
		return nil
	}
	return c.echoDisembargo(id)
}

// echoDisembargo sends the receiverLoopback reply for a previously
// queued senderLoopback request, now that the answer it targeted has
// settled and everything ahead of it has been delivered.
func (c *Conn) echoDisembargo(id embargoID) error {
	msg, err := newMessage(nil)
	if err != nil {
		return err
	}
	d, err := msg.NewDisembargo()
	if err != nil {
		return err
	}
	d.Context().SetReceiverLoopback(uint32(id))
	target, err := d.NewTarget()
	if err != nil {
		return err
	}
	target.SetImportedCap(0)
	return c.transport.SendMessage(nil, msg)
}

// recvReceiverLoopback lifts the local embargo this vat installed
// when a promise it held resolved to a locally-hosted capability:
// every call queued against it may now be replayed, in order.
func (c *Conn) recvReceiverLoopback(id embargoID) error {
	ec, ok := c.embargoes[id]
	if !ok {
		return errDisembargoUnexpectedEcho
	}
	delete(c.embargoes, id)
	c.embargoID.release(uint32(id))
	ec.lift()
	return nil
}
