package rpc

import (
	"testing"

	"zombiezen.com/go/capnproto2"
	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

func newTestException(t *testing.T) rpccapnp.Exception {
	t.Helper()
	_, s, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		t.Fatal(err)
	}
	e, err := rpccapnp.NewRootException(s)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestToExceptionRoundTrip(t *testing.T) {
	e := newTestException(t)
	toException(e, errBadTarget)

	if got := e.Type(); got != rpccapnp.Exception_Type_failed {
		t.Errorf("Type() = %v; want failed", got)
	}
	reason, err := e.Reason()
	if err != nil {
		t.Fatal(err)
	}
	if reason != errBadTarget.Error() {
		t.Errorf("Reason() = %q; want %q", reason, errBadTarget.Error())
	}
}

func TestToExceptionKindPropagates(t *testing.T) {
	e := newTestException(t)
	exc := Exception{Kind: KindDisconnected, Reason: "peer hung up"}
	toException(e, exc)

	if got := e.Type(); got != rpccapnp.Exception_Type_disconnected {
		t.Errorf("Type() = %v; want disconnected", got)
	}
	reason, err := e.Reason()
	if err != nil {
		t.Fatal(err)
	}
	if reason != exc.Error() {
		t.Errorf("Reason() = %q; want %q", reason, exc.Error())
	}
}

func TestExceptionFromReader(t *testing.T) {
	e := newTestException(t)
	e.SetType(rpccapnp.Exception_Type_overloaded)
	if err := e.SetReason("try again later"); err != nil {
		t.Fatal(err)
	}

	exc, err := exceptionFromReader(e)
	if err != nil {
		t.Fatal(err)
	}
	if exc.Kind != KindOverloaded {
		t.Errorf("Kind = %v; want %v", exc.Kind, KindOverloaded)
	}
	if exc.Reason != "try again later" {
		t.Errorf("Reason = %q; want %q", exc.Reason, "try again later")
	}
}

func TestQuestionErrorMethodless(t *testing.T) {
	qerr := &questionError{id: 7, err: errBadTarget}
	want := "question 7: rpc: call target does not exist"
	if got := qerr.Error(); got != want {
		t.Errorf("Error() = %q; want %q", got, want)
	}
	if qerr.Cause() != errBadTarget {
		t.Errorf("Cause() = %v; want %v", qerr.Cause(), errBadTarget)
	}
}

func TestQuestionErrorWithMethod(t *testing.T) {
	meth := &capnp.Method{InterfaceID: 0x1234, MethodID: 5}
	qerr := &questionError{id: 3, method: meth, err: errBadTarget}
	want := "question 3 (0x1234.5): rpc: call target does not exist"
	if got := qerr.Error(); got != want {
		t.Errorf("Error() = %q; want %q", got, want)
	}
}
