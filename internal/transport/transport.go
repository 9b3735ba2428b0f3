// Package transport defines the abstract collaborator interfaces the
// session/connection core consumes (§1): the concrete RDMA/TCP driver,
// memory-region buffer pools, and the context/event-loop scheduler are all
// out of scope for this module and are represented here only by the
// interfaces the core calls through.
package transport

import (
	"context"
	"errors"

	"github.com/accelsess/rpcsession/internal/bus"
	"github.com/accelsess/rpcsession/internal/wire"
)

// ErrClosed is returned by operations on a Transport or Listener that has
// already been closed.
var ErrClosed = errors.New("transport: closed")

// Transport is one logical endpoint: a dialed or accepted connection to a
// single peer, bound to exactly one Context (§5: "Transport handles live
// on one context"). The session/connection layer never constructs a
// Transport directly; it only ever receives one from a Driver.
type Transport interface {
	// Handle identifies this transport uniquely among its Context's
	// transports, for comparison against the handle embedded in bus events.
	Handle() bus.Handle

	// RemoteURI is the peer endpoint this transport is connected to.
	RemoteURI() string

	// Observers is this transport's Observer Bus (§4.4): the connection or
	// session bound to this transport registers here, keyed by the
	// destination session id it expects to receive.
	Observers() *bus.Bus

	// Send enqueues buf, tagged with the given TLV type, for transmission
	// and returns a sequence number correlating it to the SendCompletion
	// event later delivered on Observers(). Non-blocking (§5).
	Send(tlvType wire.TLVType, buf []byte) (seqNo uint64, err error)

	// Close releases the transport. Close is idempotent.
	Close() error
}

// Listener accepts inbound Transports for a bound URI (§4.7 Server
// Binder). Each accepted Transport is delivered via the AcceptFunc passed
// to Driver.Listen, not returned from Accept directly, since acceptance
// is event-driven on the owning context's run loop.
type Listener interface {
	// URI is the endpoint this listener is bound to.
	URI() string

	// Close stops accepting new transports. Transports already accepted
	// are unaffected.
	Close() error
}

// AcceptFunc is invoked on the listening context's run loop for every
// inbound Transport.
type AcceptFunc func(Transport)

// Driver is the abstract transport driver (§1, out of scope for this
// module's concrete implementation; see simtransport for an in-process
// reference used by tests).
type Driver interface {
	// Dial opens a Transport to uri, bound to ctx. Dial may return before
	// the transport reaches ESTABLISHED; callers observe that transition
	// via an Established event on the returned Transport's Observers bus.
	Dial(ctx context.Context, uri string) (Transport, error)

	// Listen binds a Listener to uri; onAccept fires for every inbound
	// Transport for as long as the listener is open.
	Listen(ctx context.Context, uri string, onAccept AcceptFunc) (Listener, error)
}

// BufferProvider lets a caller supply inbound buffers for zero-copy
// receive (the assign_data_in_buf callback, §6). Optional: a Session with
// no BufferProvider gets task-pool-backed buffers.
type BufferProvider interface {
	// AssignDataInBuf returns a caller-owned buffer of at least size
	// bytes, or ok=false to defer to the default pool-backed buffer.
	AssignDataInBuf(size int) (buf []byte, ok bool)
}
