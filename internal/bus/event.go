package bus

import "github.com/accelsess/rpcsession/internal/wire"

// Handle identifies a transport endpoint. The concrete transport driver is
// an out-of-scope collaborator (§1); the core only ever needs to compare
// handles for identity, so an opaque numeric id is sufficient.
type Handle uint64

// Kind names the variant carried by an Event (§4.4).
type Kind uint8

// Event kinds.
const (
	KindNewMessage Kind = iota + 1
	KindSendCompletion
	KindAssignInBuf
	KindCancelRequest
	KindCancelResponse
	KindEstablished
	KindDisconnected
	KindClosed
	KindRefused
	KindMessageError
	KindError
)

// String returns the human-readable name of the event kind.
func (k Kind) String() string {
	switch k {
	case KindNewMessage:
		return "NEW_MESSAGE"
	case KindSendCompletion:
		return "SEND_COMPLETION"
	case KindAssignInBuf:
		return "ASSIGN_IN_BUF"
	case KindCancelRequest:
		return "CANCEL_REQUEST"
	case KindCancelResponse:
		return "CANCEL_RESPONSE"
	case KindEstablished:
		return "ESTABLISHED"
	case KindDisconnected:
		return "DISCONNECTED"
	case KindClosed:
		return "CLOSED"
	case KindRefused:
		return "REFUSED"
	case KindMessageError:
		return "MESSAGE_ERROR"
	case KindError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is the tagged-union payload delivered through the bus. Each
// variant below is a distinct Go type implementing Event; a handler
// recovers the variant with a type switch on the concrete type, which
// keeps every payload struct limited to exactly the fields that kind
// needs (§4.4) instead of one struct with every field optional.
type Event interface {
	Kind() Kind
}

// NewMessage carries a freshly received message's raw wire bytes, tagged
// with its TLV type. The transport does not parse the session header or
// setup payload — that is internal/wire's job, applied by the connection
// or session layer that receives this event.
type NewMessage struct {
	Handle      Handle
	TLVType     wire.TLVType
	Payload     []byte
	MoreInBatch bool
}

// Kind implements Event.
func (NewMessage) Kind() Kind { return KindNewMessage }

// SendCompletion reports that a previously enqueued outbound message has
// left the transport. SeqNo is the value returned by the Transport.Send
// call that enqueued it, letting the caller correlate completions to
// sends without the transport needing to understand session headers.
type SendCompletion struct {
	Handle Handle
	SeqNo  uint64
}

// Kind implements Event.
func (SendCompletion) Kind() Kind { return KindSendCompletion }

// AssignInBuf asks the session layer for an inbound buffer for a message
// the caller has opted to supply (zero-copy); Resolve is called with the
// caller's decision.
type AssignInBuf struct {
	Handle  Handle
	Size    int
	Resolve func(buf []byte, defer_ bool)
}

// Kind implements Event.
func (AssignInBuf) Kind() Kind { return KindAssignInBuf }

// CancelRequest carries an inbound CANCEL_REQ.
type CancelRequest struct {
	Handle             Handle
	TargetSerialNum    uint64
	ResponderSessionID uint32
}

// Kind implements Event.
func (CancelRequest) Kind() Kind { return KindCancelRequest }

// CancelResponse carries an inbound CANCEL_RSP.
type CancelResponse struct {
	Handle          Handle
	TargetSerialNum uint64
	Canceled        bool
}

// Kind implements Event.
func (CancelResponse) Kind() Kind { return KindCancelResponse }

// Established reports the transport handle reached ESTABLISHED.
type Established struct {
	Handle Handle
}

// Kind implements Event.
func (Established) Kind() Kind { return KindEstablished }

// Disconnected reports the transport handle disconnected, gracefully or
// otherwise. Reason distinguishes the cause for §4.6/§7 event surfacing.
type Disconnected struct {
	Handle Handle
	Reason DisconnectReason
}

// Kind implements Event.
func (Disconnected) Kind() Kind { return KindDisconnected }

// DisconnectReason classifies why a Disconnected event fired.
type DisconnectReason uint8

// Disconnect reasons.
const (
	ReasonRemoteFIN DisconnectReason = iota + 1
	ReasonTransportDisconnected
	ReasonTransportError
	ReasonSessionRefused
)

// Closed reports the transport handle reached CLOSED and may be freed.
type Closed struct {
	Handle Handle
}

// Kind implements Event.
func (Closed) Kind() Kind { return KindClosed }

// Refused reports a dial attempt was refused by the peer.
type Refused struct {
	Handle Handle
}

// Kind implements Event.
func (Refused) Kind() Kind { return KindRefused }

// MessageError reports a per-message failure that must not fail the
// connection (§7 propagation policy).
type MessageError struct {
	Handle    Handle
	SerialNum uint64
	Status    string
}

// Kind implements Event.
func (MessageError) Kind() Kind { return KindMessageError }

// Error reports a fatal transport- or connection-level error.
type Error struct {
	Handle Handle
	Err    error
}

// Kind implements Event.
func (Error) Kind() Kind { return KindError }
