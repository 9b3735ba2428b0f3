package simtransport

import (
	"sync/atomic"

	"github.com/accelsess/rpcsession/internal/bus"
	"github.com/accelsess/rpcsession/internal/transport"
	"github.com/accelsess/rpcsession/internal/wire"
)

// simTransport implements transport.Transport over a direct in-memory link
// to its paired peer.
type simTransport struct {
	handle    bus.Handle
	remoteURI string
	obs       *bus.Bus

	peer   atomic.Pointer[simTransport]
	seq    atomic.Uint64
	closed atomic.Bool
}

func newSimTransport(h bus.Handle, remoteURI string) *simTransport {
	return &simTransport{
		handle:    h,
		remoteURI: remoteURI,
		obs:       bus.New(),
	}
}

func (t *simTransport) pair(peer *simTransport) {
	t.peer.Store(peer)
}

// Handle implements transport.Transport.
func (t *simTransport) Handle() bus.Handle { return t.handle }

// RemoteURI implements transport.Transport.
func (t *simTransport) RemoteURI() string { return t.remoteURI }

// Observers implements transport.Transport.
func (t *simTransport) Observers() *bus.Bus { return t.obs }

// Send implements transport.Transport. Delivery to the peer, and the
// completion back to the sender, both happen on a fresh goroutine so no
// caller ever runs on this call's stack — mirroring a real driver where
// the wire write and its completion are never synchronous with Send.
func (t *simTransport) Send(tlvType wire.TLVType, buf []byte) (uint64, error) {
	seqNo := t.seq.Add(1)

	if t.closed.Load() {
		return seqNo, transport.ErrClosed
	}

	peer := t.peer.Load()
	if peer == nil {
		return seqNo, transport.ErrClosed
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)

	go func() {
		key, err := transport.DispatchKey(tlvType, cp)
		if err != nil {
			peer.obs.Broadcast(bus.Error{Handle: peer.handle, Err: err})
		} else {
			peer.obs.Dispatch(key, bus.NewMessage{
				Handle:  peer.handle,
				TLVType: tlvType,
				Payload: cp,
			})
		}
		t.obs.Broadcast(bus.SendCompletion{Handle: t.handle, SeqNo: seqNo})
	}()

	return seqNo, nil
}

// Close implements transport.Transport.
func (t *simTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	peer := t.peer.Load()
	if peer != nil && peer.closed.CompareAndSwap(false, true) {
		peer.obs.Broadcast(bus.Disconnected{Handle: peer.handle, Reason: bus.ReasonTransportDisconnected})
	}
	t.obs.Broadcast(bus.Closed{Handle: t.handle})
	return nil
}

func (t *simTransport) deliverEstablished() {
	t.obs.Broadcast(bus.Established{Handle: t.handle})
}

func (t *simTransport) deliverRefused() {
	t.obs.Broadcast(bus.Refused{Handle: t.handle})
}
