// Package pipetransport provides an in-memory rpc.Transport pair,
// wired straight to each other through buffered channels instead of a
// socket. It is what the connection tests dial against: two vats
// talking the RPC protocol without a byte-stream codec or an actual
// network in between.
package pipetransport

import (
	"context"
	"errors"
	"sync"

	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

var errClosed = errors.New("pipetransport: closed")

// pipe is one end of a connected pair.
type pipe struct {
	send chan<- rpccapnp.Message
	recv <-chan rpccapnp.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns two Transports, each of which delivers what is sent on
// it to the other.
func New() (a, b interface {
	SendMessage(ctx context.Context, msg rpccapnp.Message) error
	RecvMessage(ctx context.Context) (rpccapnp.Message, error)
	Close() error
}) {
	c1 := make(chan rpccapnp.Message, 16)
	c2 := make(chan rpccapnp.Message, 16)
	p1 := &pipe{send: c1, recv: c2, closed: make(chan struct{})}
	p2 := &pipe{send: c2, recv: c1, closed: make(chan struct{})}
	return p1, p2
}

func (p *pipe) SendMessage(ctx context.Context, msg rpccapnp.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case p.send <- msg:
		return nil
	case <-p.closed:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) RecvMessage(ctx context.Context) (rpccapnp.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case msg, ok := <-p.recv:
		if !ok {
			return rpccapnp.Message{}, errClosed
		}
		return msg, nil
	case <-p.closed:
		return rpccapnp.Message{}, errClosed
	case <-ctx.Done():
		return rpccapnp.Message{}, ctx.Err()
	}
}

func (p *pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
