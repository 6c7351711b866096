// Package rpc implements a four-party, promise-pipelining
// object-capability RPC protocol on top of Cap'n Proto messages.
//
// A Conn maintains one peer connection: its question/answer and
// import/export tables, the message dispatch loop, and the
// capability lifecycle (including promise resolution and the
// Disembargo echo that preserves per-capability call ordering).
// Everything outside that state machine — the wire codec, the
// transport, the event loop, and the generated client/server
// stubs — is consumed through small interfaces so that this
// package stays focused on the distributed object model.
package rpc // import "github.com/vatforge/capnrpc/rpc"
