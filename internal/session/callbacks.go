package session

import (
	"github.com/accelsess/rpcsession/internal/conn"
	"github.com/accelsess/rpcsession/internal/wire"
)

// EventKind names a session-level notification (§4.6, §7).
type EventKind uint8

// Session event kinds.
const (
	EventEstablished EventKind = iota + 1
	EventRejectedKind
	EventRefusedKind
	EventTeardown
	EventConnError
	EventSessionError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "SESSION_ESTABLISHED"
	case EventRejectedKind:
		return "SESSION_REJECT_EVENT"
	case EventRefusedKind:
		return "SESSION_REFUSED"
	case EventTeardown:
		return "SESSION_TEARDOWN_EVENT"
	case EventConnError:
		return "CONNECTION_ERROR_EVENT"
	case EventSessionError:
		return "SESSION_ERROR_EVENT"
	default:
		return "UNKNOWN"
	}
}

// SessionEvent is the payload delivered to Callbacks.OnSessionEvent (§6
// on_session_event).
type SessionEvent struct {
	Kind    EventKind
	Reason  uint32
	UserCtx []byte
	Err     error
}

// Disposition is what Callbacks.OnNewSession returns to resolve an inbound
// SETUP_REQ: exactly one of Accept/Redirect/Reject semantics, selected by
// Action.
type Disposition struct {
	Action   wire.SetupAction
	Portals  []string // ACCEPT
	Services []string // REDIRECT
	Reason   uint32   // REJECT
	UserCtx  []byte
}

// Accept builds an ACCEPT Disposition advertising portals (may be empty).
func Accept(portals []string, userCtx []byte) Disposition {
	return Disposition{Action: wire.ActionAccept, Portals: portals, UserCtx: userCtx}
}

// Redirect builds a REDIRECT Disposition pointing at services.
func Redirect(services []string) Disposition {
	return Disposition{Action: wire.ActionRedirect, Services: services}
}

// Reject builds a REJECT Disposition carrying reason and userCtx.
func Reject(reason uint32, userCtx []byte) Disposition {
	return Disposition{Action: wire.ActionReject, Reason: reason, UserCtx: userCtx}
}

// Callbacks is the callback surface (§6) a Session takes: session-level
// hooks are invoked by the Session itself, and per-message hooks (on_msg,
// on_msg_send_complete, …) are passed on to each Connection's
// conn.Callbacks.
type Callbacks struct {
	// OnSessionEvent is required: every session-level notification funnels
	// through it.
	OnSessionEvent func(s *Session, ev SessionEvent)

	// OnNewSession is required on servers; if nil the acceptor
	// auto-accepts with no portals (§4.6 step 2, §9 Open Question).
	OnNewSession func(s *Session, req wire.SetupRequest) Disposition

	// OnSessionEstablished is optional.
	OnSessionEstablished func(s *Session, rsp wire.SetupResponse)

	// Message-level hooks, forwarded into every Connection this session
	// creates. On worker connections attached with AttachWorker, OnMsg is
	// wrapped so the session's first-hello gate runs before it.
	OnMsg             func(c *conn.Connection, msg *conn.Message, moreInBatch bool)
	OnMsgSendComplete func(c *conn.Connection, msg *conn.Message)
	OnMsgDelivered    func(c *conn.Connection, msg *conn.Message, moreInBatch bool)
	OnMsgError        func(c *conn.Connection, status string, msg *conn.Message)
	OnCancelRequest   func(c *conn.Connection, msg *conn.Message)
	OnCancel          func(c *conn.Connection, msg *conn.Message, canceled bool)
}
