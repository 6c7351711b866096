// Package refcount provides a capnp.Client wrapper that only closes
// its underlying client once every Ref handed out has itself been
// closed. It lets a single capability (most commonly the bootstrap
// interface configured with rpc.MainInterface) be shared by several
// owners — the application and the Conn's own teardown path — without
// either one closing it out from under the other.
package refcount

import (
	"sync"

	"zombiezen.com/go/capnproto2"
)

// shared is the state every Ref to the same underlying client shares.
type shared struct {
	mu     sync.Mutex
	client capnp.Client
	count  int
}

// ref is one handle onto a shared client.
type ref struct {
	s      *shared
	closed bool
}

// New wraps client so that it is only actually closed once every Ref
// returned (starting with the one New itself returns) has been
// closed. Call Ref again on the returned value to mint additional
// owners.
func New(client capnp.Client) (rc *ref, first capnp.Client) {
	s := &shared{client: client, count: 1}
	r := &ref{s: s}
	return r, r
}

// Ref mints another independent owner of the same underlying client.
func (r *ref) Ref() capnp.Client {
	r.s.mu.Lock()
	r.s.count++
	r.s.mu.Unlock()
	return &ref{s: r.s}
}

func (r *ref) Call(call *capnp.Call) capnp.Answer {
	r.s.mu.Lock()
	client := r.s.client
	r.s.mu.Unlock()
	return client.Call(call)
}

func (r *ref) Close() error {
	r.s.mu.Lock()
	if r.closed {
		r.s.mu.Unlock()
		return nil
	}
	r.closed = true
	r.s.count--
	count := r.s.count
	client := r.s.client
	r.s.mu.Unlock()
	if count > 0 {
		return nil
	}
	return client.Close()
}
