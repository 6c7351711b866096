package rpc

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// manager supervises the background goroutines a Conn spawns (the
// receive loop and any outstanding local call dispatches): the first
// one to fail tears the rest down, and Wait does not return until
// every one of them has actually exited.
type manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	wg       sync.WaitGroup
	err      error
	finished chan struct{}
	once     sync.Once
}

func newManager(parent context.Context) *manager {
	ctx, cancel := context.WithCancel(parent)
	return &manager{ctx: ctx, cancel: cancel, finished: make(chan struct{})}
}

// context returns the context background tasks should select on to
// notice teardown.
func (m *manager) context() context.Context { return m.ctx }

// do runs f in a new supervised goroutine labelled name (used only for
// logging). If f returns a non-nil error, the manager records it (the
// first error wins) and cancels its context so every other supervised
// task unwinds.
func (m *manager) do(name string, f func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := f(m.ctx); err != nil {
			m.fail(name, err)
		}
	}()
}

func (m *manager) fail(name string, err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	log.WithFields(log.Fields{"task": name, "error": err}).Debug("rpc: supervised task failed, shutting down connection")
	m.cancel()
}

// shutdown records cause as the connection's terminal error and cancels
// every supervised task. It does not wait for them to exit: shutdown is
// called from the receive goroutine itself (an inbound Abort, or any
// protocol violation caught by abort()), and that goroutine is one of
// the tasks m.wg counts, so waiting here would deadlock waiting for its
// own exit. Callers that need to block until teardown has actually
// finished call wait (or done) separately, from a goroutine that isn't
// itself supervised.
func (m *manager) shutdown(cause error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = cause
	}
	m.mu.Unlock()
	m.cancel()
}

// wait blocks until every task started with do has returned, closing
// finished exactly once.
func (m *manager) wait() {
	m.once.Do(func() {
		m.wg.Wait()
		close(m.finished)
	})
}

// done returns the channel wait closes once every supervised task has
// exited; it stays open until some caller has run wait to completion.
func (m *manager) done() <-chan struct{} {
	return m.finished
}

func (m *manager) resultErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
