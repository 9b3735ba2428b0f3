package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxSetupPayload is the upper bound on a serialized setup request/response
// body, excluding the fixed header (§4.1).
const MaxSetupPayload = 3840

// SetupAction is the server's disposition of an inbound setup request.
type SetupAction uint16

// Setup response actions, numbered to match the accelio session protocol
// this core is modeled on (XIO_ACTION_ACCEPT/REDIRECT/REJECT).
const (
	ActionAccept SetupAction = iota + 1
	ActionRedirect
	ActionReject
)

// String returns the human-readable name of the setup action.
func (a SetupAction) String() string {
	switch a {
	case ActionAccept:
		return "ACCEPT"
	case ActionRedirect:
		return "REDIRECT"
	case ActionReject:
		return "REJECT"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(a))
	}
}

// SetupRequest is the body of a SETUP_REQ message (§4.6 step 1).
type SetupRequest struct {
	// SessionID is the client's session_id. peer_session_id is always 0
	// in a request, per spec.md §4.6.
	SessionID uint32

	// URI is the target endpoint the client dialed.
	URI string

	// UserCtx is an opaque application payload carried with the request.
	UserCtx []byte
}

// SetupResponse is the body of a SETUP_RSP message (§4.6 step 3).
type SetupResponse struct {
	// SessionID is the server's session_id (becomes the peer_session_id
	// the client observes).
	SessionID uint32

	// Action is ACCEPT, REDIRECT, or REJECT.
	Action SetupAction

	// Endpoints holds portal URIs (ACCEPT) or service URIs (REDIRECT).
	// Empty for REJECT and for an ACCEPT with no additional portals.
	Endpoints []string

	// Reason carries the reject reason code; only meaningful when
	// Action == ActionReject.
	Reason uint32

	// UserCtx is an opaque application payload carried with the response.
	UserCtx []byte
}

// WriteSetupRequest serializes req as: session_id:u32, uri_len:u16,
// user_ctx_len:u16, uri[uri_len], user_ctx[user_ctx_len], all little-endian.
func WriteSetupRequest(req SetupRequest) ([]byte, error) {
	total := 4 + 2 + 2 + len(req.URI) + len(req.UserCtx)
	if total > MaxSetupPayload {
		return nil, fmt.Errorf("write setup request: %w", ErrMsgTooLarge)
	}

	buf := make([]byte, total)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], req.SessionID)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(req.URI)))
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(req.UserCtx)))
	off += 2
	off += copy(buf[off:], req.URI)
	copy(buf[off:], req.UserCtx)

	return buf, nil
}

// ReadSetupRequest parses a SETUP_REQ body produced by WriteSetupRequest,
// allocating owned copies of the URI and user-context bytes.
func ReadSetupRequest(buf []byte) (SetupRequest, error) {
	if len(buf) < 8 {
		return SetupRequest{}, fmt.Errorf("read setup request: %w", ErrTruncated)
	}
	sessionID := binary.LittleEndian.Uint32(buf[0:4])
	uriLen := binary.LittleEndian.Uint16(buf[4:6])
	ctxLen := binary.LittleEndian.Uint16(buf[6:8])

	off := 8
	if len(buf) < off+int(uriLen)+int(ctxLen) {
		return SetupRequest{}, fmt.Errorf("read setup request: %w", ErrTruncated)
	}

	uri := string(buf[off : off+int(uriLen)])
	off += int(uriLen)

	ctx := make([]byte, ctxLen)
	copy(ctx, buf[off:off+int(ctxLen)])

	return SetupRequest{SessionID: sessionID, URI: uri, UserCtx: ctx}, nil
}

// WriteSetupResponse serializes rsp per §4.1: session_id:u32, action:u16,
// then action-specific fields. REJECT carries reason:u32 followed by
// user_ctx_len:u16 + user_ctx. ACCEPT/REDIRECT carry a u16 endpoint count,
// then for each endpoint a u16 length-prefixed string, followed by
// user_ctx_len:u16 + user_ctx. All integers little-endian.
func WriteSetupResponse(rsp SetupResponse) ([]byte, error) {
	switch rsp.Action {
	case ActionAccept, ActionRedirect:
		return writeEndpointResponse(rsp)
	case ActionReject:
		return writeRejectResponse(rsp)
	default:
		return nil, fmt.Errorf("write setup response: %w", ErrInvalidAction)
	}
}

func writeEndpointResponse(rsp SetupResponse) ([]byte, error) {
	total := 4 + 2 + 2
	for _, ep := range rsp.Endpoints {
		total += 2 + len(ep)
	}
	total += 2 + len(rsp.UserCtx)
	if total > MaxSetupPayload {
		return nil, fmt.Errorf("write setup response: %w", ErrMsgTooLarge)
	}

	buf := make([]byte, total)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], rsp.SessionID)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(rsp.Action))
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(rsp.Endpoints)))
	off += 2
	for _, ep := range rsp.Endpoints {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(ep)))
		off += 2
		off += copy(buf[off:], ep)
	}
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(rsp.UserCtx)))
	off += 2
	copy(buf[off:], rsp.UserCtx)

	return buf, nil
}

func writeRejectResponse(rsp SetupResponse) ([]byte, error) {
	total := 4 + 2 + 4 + 2 + len(rsp.UserCtx)
	if total > MaxSetupPayload {
		return nil, fmt.Errorf("write setup response: %w", ErrMsgTooLarge)
	}

	buf := make([]byte, total)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], rsp.SessionID)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(ActionReject))
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], rsp.Reason)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(rsp.UserCtx)))
	off += 2
	copy(buf[off:], rsp.UserCtx)

	return buf, nil
}

// ReadSetupResponse parses a SETUP_RSP body produced by WriteSetupResponse,
// allocating owned copies of endpoint strings and the user context.
func ReadSetupResponse(buf []byte) (SetupResponse, error) {
	if len(buf) < 6 {
		return SetupResponse{}, fmt.Errorf("read setup response: %w", ErrTruncated)
	}
	sessionID := binary.LittleEndian.Uint32(buf[0:4])
	action := SetupAction(binary.LittleEndian.Uint16(buf[4:6]))

	switch action {
	case ActionAccept, ActionRedirect:
		return readEndpointResponse(sessionID, action, buf[6:])
	case ActionReject:
		return readRejectResponse(sessionID, buf[6:])
	default:
		return SetupResponse{}, fmt.Errorf("read setup response: %w", ErrInvalidAction)
	}
}

func readEndpointResponse(sessionID uint32, action SetupAction, buf []byte) (SetupResponse, error) {
	if len(buf) < 2 {
		return SetupResponse{}, fmt.Errorf("read setup response: %w", ErrTruncated)
	}
	count := binary.LittleEndian.Uint16(buf[0:2])
	off := 2

	endpoints := make([]string, 0, count)
	for range count {
		if len(buf) < off+2 {
			return SetupResponse{}, fmt.Errorf("read setup response: %w", ErrTruncated)
		}
		epLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		if len(buf) < off+epLen {
			return SetupResponse{}, fmt.Errorf("read setup response: %w", ErrTruncated)
		}
		endpoints = append(endpoints, string(buf[off:off+epLen]))
		off += epLen
	}

	if len(buf) < off+2 {
		return SetupResponse{}, fmt.Errorf("read setup response: %w", ErrTruncated)
	}
	ctxLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+ctxLen {
		return SetupResponse{}, fmt.Errorf("read setup response: %w", ErrTruncated)
	}
	ctx := make([]byte, ctxLen)
	copy(ctx, buf[off:off+ctxLen])

	return SetupResponse{
		SessionID: sessionID,
		Action:    action,
		Endpoints: endpoints,
		UserCtx:   ctx,
	}, nil
}

func readRejectResponse(sessionID uint32, buf []byte) (SetupResponse, error) {
	if len(buf) < 6 {
		return SetupResponse{}, fmt.Errorf("read setup response: %w", ErrTruncated)
	}
	reason := binary.LittleEndian.Uint32(buf[0:4])
	ctxLen := int(binary.LittleEndian.Uint16(buf[4:6]))
	if len(buf) < 6+ctxLen {
		return SetupResponse{}, fmt.Errorf("read setup response: %w", ErrTruncated)
	}
	ctx := make([]byte, ctxLen)
	copy(ctx, buf[6:6+ctxLen])

	return SetupResponse{
		SessionID: sessionID,
		Action:    ActionReject,
		Reason:    reason,
		UserCtx:   ctx,
	}, nil
}
