// Package conn implements the per-(session,context) Connection (§4.5):
// outbound queueing and ordering, the transmit pump, read-receipts, the
// FIN teardown handshake, and the cancel protocol.
//
// All mutable state is owned by a single goroutine-free, lock-protected
// struct driven by external event delivery rather than its own goroutine,
// since a Connection's thread of execution is its owning context's run
// loop, not one of its own.
package conn
