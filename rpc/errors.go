package rpc

import (
	"fmt"

	"github.com/pkg/errors"
	"zombiezen.com/go/capnproto2"
	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// Kind classifies an RPC-level error the way the wire protocol does.
// It is the four-member taxonomy the protocol itself defines; it is
// not part of the ambient error-handling convention (which is
// pkg/errors, below) because the wire has to agree with every
// implementation on what these four mean.
type Kind int

const (
	// KindFailed is an ordinary application error.
	KindFailed Kind = iota
	// KindOverloaded means the call can be retried, possibly
	// against a different capability.
	KindOverloaded
	// KindDisconnected means the connection carrying the call is
	// gone.
	KindDisconnected
	// KindUnimplemented means the peer does not support the
	// protocol feature this message used.
	KindUnimplemented
)

func (k Kind) String() string {
	switch k {
	case KindFailed:
		return "failed"
	case KindOverloaded:
		return "overloaded"
	case KindDisconnected:
		return "disconnected"
	case KindUnimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

func kindFromWire(t rpccapnp.Exception_Type) Kind {
	switch t {
	case rpccapnp.Exception_Type_overloaded:
		return KindOverloaded
	case rpccapnp.Exception_Type_disconnected:
		return KindDisconnected
	case rpccapnp.Exception_Type_unimplemented:
		return KindUnimplemented
	default:
		return KindFailed
	}
}

func (k Kind) wireType() rpccapnp.Exception_Type {
	switch k {
	case KindOverloaded:
		return rpccapnp.Exception_Type_overloaded
	case KindDisconnected:
		return rpccapnp.Exception_Type_disconnected
	case KindUnimplemented:
		return rpccapnp.Exception_Type_unimplemented
	default:
		return rpccapnp.Exception_Type_failed
	}
}

// Exception is an error decoded from (or destined for) a wire
// Exception struct.
type Exception struct {
	Kind   Kind
	Reason string
}

func (e Exception) Error() string {
	return fmt.Sprintf("rpc exception (%v): %s", e.Kind, e.Reason)
}

func exceptionFromReader(r rpccapnp.Exception) (Exception, error) {
	reason, err := r.Reason()
	if err != nil {
		return Exception{}, errors.Wrap(err, "decode exception reason")
	}
	return Exception{Kind: kindFromWire(r.Type()), Reason: reason}, nil
}

// toException fills in a wire Exception struct from a Go error.
func toException(b rpccapnp.Exception, err error) {
	k := KindFailed
	if exc, ok := errors.Cause(err).(Exception); ok {
		k = exc.Kind
	} else if kinder, ok := errors.Cause(err).(interface{ Kind() Kind }); ok {
		k = kinder.Kind()
	}
	b.SetType(k.wireType())
	if err := b.SetReason(err.Error()); err != nil {
		b.SetReason("(failed to encode reason: " + err.Error() + ")")
	}
}

// bootstrapError wraps a failure to resolve the configured bootstrap
// interface.
type bootstrapError struct {
	err error
}

func (e bootstrapError) Error() string { return "bootstrap: " + e.err.Error() }
func (e bootstrapError) Cause() error  { return e.err }

// questionError wraps a failure associated with a specific outbound
// question, so logs can report which call failed.
type questionError struct {
	id     questionID
	method *capnp.Method
	err    error
}

func (e *questionError) Error() string {
	if e.method != nil {
		return fmt.Sprintf("question %d (%#x.%d): %v", e.id, e.method.InterfaceID, e.method.MethodID, e.err)
	}
	return fmt.Sprintf("question %d: %v", e.id, e.err)
}
func (e *questionError) Cause() error { return e.err }

// copyAbort decodes the exception carried by an Abort message.
func copyAbort(m rpccapnp.Message) (Exception, error) {
	a, err := m.Abort()
	if err != nil {
		return Exception{}, errors.Wrap(err, "decode abort")
	}
	return exceptionFromReader(a)
}

// copyRPCMessage makes a deep copy of m so that it can outlive the
// transport's receive buffer: messages the transport hands to the
// dispatcher are only valid until the next RecvMessage call, but
// Call and Return messages get stashed in the question/answer tables
// until a later iteration of the loop.
func copyRPCMessage(m rpccapnp.Message) rpccapnp.Message {
	data, err := capnp.Marshal(m.Segment().Message())
	if err != nil {
		return m
	}
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return m
	}
	cp, err := rpccapnp.ReadRootMessage(msg)
	if err != nil {
		return m
	}
	return cp
}

// disconnectCause derives the error pending questions and outstanding
// promises are rejected with on teardown: the connection's own recorded
// failure, if it already carries a wire Kind (e.g. a peer Abort's
// Exception), or a Disconnected Exception wrapping it otherwise. A nil
// err means the connection was closed locally without ever recording a
// failure, so it falls back to ErrConnClosed.
func disconnectCause(err error) error {
	if err == nil {
		err = ErrConnClosed
	}
	if _, ok := err.(Exception); ok {
		return err
	}
	return Exception{Kind: KindDisconnected, Reason: err.Error()}
}

var (
	// ErrConnClosed is returned by operations performed on a
	// connection after Close has been called locally.
	ErrConnClosed = errors.New("rpc: connection closed")
	errShutdown   = Exception{Kind: KindDisconnected, Reason: "connection shut down locally"}

	errBadTarget                = errors.New("rpc: call target does not exist")
	errQuestionReused           = errors.New("rpc: question/answer id reused while still active")
	errNoMainInterface          = errors.New("rpc: no bootstrap interface configured")
	errDisembargoNonImport      = errors.New("rpc: disembargo sender-loopback target is not a promised answer")
	errDisembargoMissingAnswer  = errors.New("rpc: disembargo targets an unknown answer")
	errDisembargoUnexpectedEcho = errors.New("rpc: received receiver-loopback disembargo for unknown embargo id")
	errUnimplemented            = errors.New("rpc: unimplemented protocol feature")
)
