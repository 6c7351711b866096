package rpc

import (
	"context"
	"io"

	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"
	"zombiezen.com/go/capnproto2"
)

// Transport is how a Conn sends and receives rpc.capnp Messages. It is
// the seam spec.md §6 requires between the connection state machine
// and the message-oriented channel carrying it: any ordered,
// reliable, message-preserving carrier can implement it, not just a
// byte stream.
type Transport interface {
	// SendMessage sends msg, blocking until it is handed off to the
	// underlying carrier or ctx is done. A nil ctx means "use the
	// transport's own default" (background, for messages sent during
	// teardown after the connection's own context has already been
	// cancelled).
	SendMessage(ctx context.Context, msg rpccapnp.Message) error

	// RecvMessage returns the next message from the peer. The
	// returned Message is only valid until the next RecvMessage call;
	// callers that need it to outlive that must copy it
	// (copyRPCMessage).
	RecvMessage(ctx context.Context) (rpccapnp.Message, error)

	// Close releases the underlying carrier.
	Close() error
}

// streamTransport is a Transport built on an io.ReadWriteCloser
// carrying capnp's standard framed stream encoding — the usual case
// of one Conn per TCP (or pipe) connection.
type streamTransport struct {
	rwc io.ReadWriteCloser
	dec *capnp.Decoder
}

// NewStreamTransport adapts rwc, framed with capnp's standard
// segment-table stream encoding, into a Transport.
func NewStreamTransport(rwc io.ReadWriteCloser) Transport {
	return &streamTransport{rwc: rwc, dec: capnp.NewDecoder(rwc)}
}

func (t *streamTransport) SendMessage(ctx context.Context, msg rpccapnp.Message) error {
	return capnp.NewEncoder(t.rwc).Encode(msg.Segment().Message())
}

func (t *streamTransport) RecvMessage(ctx context.Context) (rpccapnp.Message, error) {
	msg, err := t.dec.Decode()
	if err != nil {
		return rpccapnp.Message{}, err
	}
	return rpccapnp.ReadRootMessage(msg)
}

func (t *streamTransport) Close() error {
	return t.rwc.Close()
}
