package rpc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"zombiezen.com/go/capnproto2"

	"github.com/vatforge/capnrpc/rpc"
	"github.com/vatforge/capnrpc/rpc/internal/pipetransport"
)

const (
	doublerInterfaceID uint64 = 0xc4d8d7f8a1b2c3d4
	doublerMethodID    uint16 = 0
)

// doublerClient is a local capability whose sole method doubles its
// single uint64 parameter, grounded in the cloudflared-vendored
// rpc_test.go's stubClient pattern.
type doublerClient struct {
	calls chan struct{}
}

func (d *doublerClient) Call(call *capnp.Call) capnp.Answer {
	if call.Method.InterfaceID != doublerInterfaceID || call.Method.MethodID != doublerMethodID {
		return capnp.ErrorAnswer(errUnknownDoublerMethod)
	}
	params, err := call.PlaceParams(nil)
	if err != nil {
		return capnp.ErrorAnswer(err)
	}
	if d.calls != nil {
		d.calls <- struct{}{}
	}

	_, s, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return capnp.ErrorAnswer(err)
	}
	result, err := capnp.NewStruct(s, capnp.ObjectSize{DataSize: 8})
	if err != nil {
		return capnp.ErrorAnswer(err)
	}
	result.SetUint64(0, params.Uint64(0)*2)
	return capnp.ImmediateAnswer(result)
}

func (d *doublerClient) Close() error { return nil }

var errUnknownDoublerMethod = errors.New("rpc_test: unknown doubler method")

func newConnPair(t *testing.T, serverOpts ...rpc.ConnOption) (client, server *rpc.Conn) {
	t.Helper()
	cp, sp := pipetransport.New()
	server = rpc.NewConn(sp, serverOpts...)
	client = rpc.NewConn(cp)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestBootstrapAndPipelinedCall(t *testing.T) {
	calls := make(chan struct{}, 1)
	client, _ := newConnPair(t, rpc.MainInterface(&doublerClient{calls: calls}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	main := client.Bootstrap(ctx)
	defer main.Close()

	ans := main.Call(&capnp.Call{
		Ctx: ctx,
		Method: capnp.Method{
			InterfaceID: doublerInterfaceID,
			MethodID:    doublerMethodID,
		},
		ParamsSize: capnp.ObjectSize{DataSize: 8},
		ParamsFunc: func(s capnp.Struct) error {
			s.SetUint64(0, 21)
			return nil
		},
	})

	select {
	case <-calls:
	case <-ctx.Done():
		t.Fatal("doubler capability was never called")
	}

	result, err := ans.Struct()
	if err != nil {
		t.Fatalf("Struct(): %v", err)
	}
	if got := result.Uint64(0); got != 42 {
		t.Errorf("result = %d; want 42", got)
	}
}

func TestBootstrapNoMainInterface(t *testing.T) {
	client, _ := newConnPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	main := client.Bootstrap(ctx)
	defer main.Close()

	ans := main.Call(&capnp.Call{
		Ctx: ctx,
		Method: capnp.Method{
			InterfaceID: doublerInterfaceID,
			MethodID:    doublerMethodID,
		},
		ParamsSize: capnp.ObjectSize{DataSize: 8},
		ParamsFunc: func(s capnp.Struct) error {
			s.SetUint64(0, 21)
			return nil
		},
	})
	if _, err := ans.Struct(); err == nil {
		t.Error("Struct() succeeded on a connection with no bootstrap interface; want error")
	}
}
