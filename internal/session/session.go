package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/accelsess/rpcsession/internal/bus"
	"github.com/accelsess/rpcsession/internal/conn"
	"github.com/accelsess/rpcsession/internal/pool"
	"github.com/accelsess/rpcsession/internal/transport"
	"github.com/accelsess/rpcsession/internal/wire"
)

// Type distinguishes the two roles a Session can play (§3).
type Type uint8

// Session types.
const (
	TypeClient Type = iota + 1
	TypeServer
)

// Sentinel errors for Session operations (§7).
var (
	// ErrAlreadyBound is returned by Connect when a Connection already
	// exists for the requested conn_idx (§4.8).
	ErrAlreadyBound = errors.New("session: already bound")

	// ErrInvalidState is returned by Connect when the session state does
	// not permit creating a new Connection.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrNoPortals is returned when a portal-bearing operation is invoked
	// on a session with no advertised portals.
	ErrNoPortals = errors.New("session: no portals available")
)

// Session is the per-conversation state machine (§3, §4.6).
type Session struct {
	ID      uint32
	Type    Type
	URI     string
	UserCtx []byte

	driver transport.Driver
	pool   *pool.Pool
	cb     Callbacks
	logger *slog.Logger
	sf     singleflight.Group
	serial atomic.Uint64

	portalBinder PortalBinder
	helloOnce    sync.Once

	mu            sync.Mutex
	state         State
	peerID        uint32
	portals       []string
	services      []string
	portalCursor  int
	serviceCursor int
	rejectReason  uint32
	lead          *conn.Connection
	conns         map[uint32]*conn.Connection
	onlineAwait   int // worker connections still pending ESTABLISHED after ACCEPT
}

// PortalBinder lets an acceptor Session open listeners for the portals it
// just advertised in a SETUP_RSP, so that worker connections the client
// dials against those URIs are attached back to this Session (via
// AttachWorker) instead of each starting a brand new one (§4.6 step 4,
// §4.7). internal/server.Binder implements this.
type PortalBinder interface {
	BindPortal(ctx context.Context, uri string, s *Session, connIdx uint32) error
}

// SetPortalBinder installs the binder a server acceptor Session uses to
// open listeners for its advertised portals. Nil (the default) disables
// auto-binding; a Disposition with portals then only works if something
// else arranges for those URIs to be listened on.
func (s *Session) SetPortalBinder(b PortalBinder) {
	s.portalBinder = b
}

// New creates a Session in state INIT. A server acceptor Session is then
// bound to its inbound transport with Accept (see internal/server).
func New(id uint32, typ Type, uri string, driver transport.Driver, p *pool.Pool, cb Callbacks, logger *slog.Logger) *Session {
	return &Session{
		ID:     id,
		Type:   typ,
		URI:    uri,
		driver: driver,
		pool:   p,
		cb:     cb,
		logger: logger.With(slog.Uint64("session_id", uint64(id)), slog.String("type", typString(typ))),
		state:  StateInit,
		conns:  make(map[uint32]*conn.Connection),
	}
}

func typString(t Type) string {
	if t == TypeServer {
		return "server"
	}
	return "client"
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnAt returns the Connection bound at connIdx, if one has been dialed or
// attached yet. Used by a caller that wants to address a specific worker
// connection directly, e.g. to send on it (§4.5).
func (s *Session) ConnAt(connIdx uint32) (*conn.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connIdx]
	return c, ok
}

// nextSerial stamps the next outbound serial number, starting at 0 (§4.5,
// §8 S1: the first request on a session carries serial 0).
func (s *Session) nextSerial() uint64 { return s.serial.Add(1) - 1 }

// Connect implements the Client Connector (§4.8). From INIT it opens the
// lead connection. Once the session is ACCEPTED or ONLINE and connIdx is
// free, it dials a worker: connIdx 0 takes the next round-robin portal and
// nonzero values have deterministic portal affinity (see PortalFor).
func (s *Session) Connect(ctx context.Context, connIdx uint32) (*conn.Connection, error) {
	key := fmt.Sprintf("%d", connIdx)
	c, err, _ := s.sf.Do(key, func() (any, error) {
		return s.connectLocked(ctx, connIdx)
	})
	if err != nil {
		return nil, err
	}
	return c.(*conn.Connection), nil
}

func (s *Session) connectLocked(ctx context.Context, connIdx uint32) (*conn.Connection, error) {
	s.mu.Lock()
	if _, exists := s.conns[connIdx]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("connect conn_idx=%d: %w", connIdx, ErrAlreadyBound)
	}
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateInit:
		return s.openLead(ctx, connIdx)
	case StateConnect:
		c := s.newConnection(connIdx)
		s.mu.Lock()
		s.conns[connIdx] = c
		s.mu.Unlock()
		return c, nil
	case StateOnline, StateAccepted:
		return s.dialWorker(ctx, connIdx)
	default:
		return nil, fmt.Errorf("connect conn_idx=%d: %w", connIdx, ErrInvalidState)
	}
}

// openLead dials the session's URI, allocates the lead Connection, and
// transitions INIT→CONNECT (§4.8 "If session is INIT").
func (s *Session) openLead(ctx context.Context, connIdx uint32) (*conn.Connection, error) {
	t, err := s.driver.Dial(ctx, s.URI)
	if err != nil {
		return nil, fmt.Errorf("open lead: dial %s: %w", s.URI, err)
	}

	c := s.newConnection(connIdx)
	c.Bind(t, 0)

	s.mu.Lock()
	s.lead = c
	s.conns[connIdx] = c
	if s.state == StateInit {
		s.state = apply(s.state, EventOpen)
	}
	s.mu.Unlock()

	return c, nil
}

// Accept binds the session's lead Connection to an already-accepted
// inbound transport and moves INIT→CONNECT, mirroring openLead's dial-side
// transition for the acceptor side (§4.6 step 2). Used by internal/server
// once a Listener's AcceptFunc hands it a fresh Transport.
func (s *Session) Accept(t transport.Transport) *conn.Connection {
	c := s.newConnection(0)
	c.Bind(t, 0)

	s.mu.Lock()
	s.lead = c
	s.conns[0] = c
	if s.state == StateInit {
		s.state = apply(s.state, EventOpen)
	}
	s.mu.Unlock()

	return c
}

func (s *Session) newConnection(connIdx uint32) *conn.Connection {
	return s.newConnectionWithOnMsg(connIdx, s.cb.OnMsg)
}

func (s *Session) newConnectionWithOnMsg(connIdx uint32, onMsg func(c *conn.Connection, msg *conn.Message, moreInBatch bool)) *conn.Connection {
	return conn.New(connIdx, s.ID, s.nextSerial, s.pool, conn.Callbacks{
		OnMsg:             onMsg,
		OnMsgSendComplete: s.cb.OnMsgSendComplete,
		OnMsgDelivered:    s.cb.OnMsgDelivered,
		OnMsgError:        s.cb.OnMsgError,
		OnCancelRequest:   s.cb.OnCancelRequest,
		OnCancel:          s.cb.OnCancel,
		OnDisconnected:    s.onConnDisconnected,
		OnClosed:          s.onConnClosed,
		OnError:           s.onConnError,
		OnEstablished:     s.onLeadEstablished,
		OnRefused:         s.onLeadRefused,
		OnSetupReq:        s.onSetupReq,
		OnSetupRsp:        s.onSetupRsp,
	}, s.logger)
}

func (s *Session) onLeadEstablished(c *conn.Connection) {
	s.mu.Lock()
	st := s.state
	if st == StateRedirected {
		st = apply(st, EventNewLeadEstablished)
		s.state = st
	}
	s.mu.Unlock()

	switch st {
	case StateConnect:
		_ = c.SendSetupRequest(wire.SetupRequest{SessionID: s.ID, URI: s.URI, UserCtx: s.UserCtx})
	case StateAccepted:
		s.onWorkerEstablished()
	}
}

func (s *Session) onLeadRefused(c *conn.Connection) {
	s.notify(SessionEvent{Kind: EventRefusedKind})
	s.teardown(c)
}

// onSetupReq runs on the server acceptor's lead connection (§4.6 step 2).
func (s *Session) onSetupReq(c *conn.Connection, req wire.SetupRequest) {
	c.SetPeerSessionID(req.SessionID)

	var disp Disposition
	if s.cb.OnNewSession != nil {
		disp = s.cb.OnNewSession(s, req)
	} else {
		disp = Accept(nil, nil) // §9 Open Question: absent callback auto-accepts with no portals
	}

	rsp := wire.SetupResponse{SessionID: s.ID, Action: disp.Action, UserCtx: disp.UserCtx}

	switch disp.Action {
	case wire.ActionAccept:
		rsp.Endpoints = disp.Portals
		s.mu.Lock()
		s.portals = disp.Portals
		s.peerID = req.SessionID
		if len(disp.Portals) == 0 {
			s.state = apply(s.state, EventAcceptNoPortals)
		} else {
			s.state = apply(s.state, EventAcceptWithPortals)
			s.onlineAwait = 0 // server doesn't dial; it awaits the client's worker dials
		}
		s.mu.Unlock()

		if len(disp.Portals) > 0 && s.portalBinder != nil {
			for i, uri := range disp.Portals {
				connIdx := uint32(i + 1)
				if err := s.portalBinder.BindPortal(context.Background(), uri, s, connIdx); err != nil {
					s.logger.Warn("bind portal", slog.String("uri", uri), slog.Any("err", err))
				}
			}
		}
	case wire.ActionRedirect:
		rsp.Endpoints = disp.Services
	case wire.ActionReject:
		rsp.Reason = disp.Reason
		s.mu.Lock()
		s.rejectReason = disp.Reason
		s.state = apply(s.state, EventReject)
		s.mu.Unlock()
	}

	_ = c.SendSetupResponse(rsp)

	if disp.Action == wire.ActionAccept && len(disp.Portals) == 0 {
		s.notify(SessionEvent{Kind: EventEstablished, UserCtx: disp.UserCtx})
	}
}

// onSetupRsp runs on the client lead connection (§4.6 steps 3-6).
func (s *Session) onSetupRsp(c *conn.Connection, rsp wire.SetupResponse) {
	c.SetPeerSessionID(rsp.SessionID)

	s.mu.Lock()
	s.peerID = rsp.SessionID
	s.mu.Unlock()

	switch rsp.Action {
	case wire.ActionAccept:
		s.handleAccept(c, rsp)
	case wire.ActionRedirect:
		s.handleRedirect(c, rsp)
	case wire.ActionReject:
		s.handleReject(rsp)
	}
}

func (s *Session) handleAccept(c *conn.Connection, rsp wire.SetupResponse) {
	s.mu.Lock()
	s.portals = rsp.Endpoints
	noPortals := len(rsp.Endpoints) == 0
	if noPortals {
		s.state = apply(s.state, EventAcceptNoPortals)
	} else {
		s.state = apply(s.state, EventAcceptWithPortals)
		s.onlineAwait = len(rsp.Endpoints)
	}
	s.mu.Unlock()

	if s.cb.OnSessionEstablished != nil {
		s.cb.OnSessionEstablished(s, rsp)
	}

	if noPortals {
		s.notify(SessionEvent{Kind: EventEstablished, UserCtx: rsp.UserCtx})
		return
	}

	_ = c.Disconnect() // close the lead; workers carry the session from here (§4.6 step 4)
	for i := range rsp.Endpoints {
		connIdx := uint32(i + 1)
		if _, err := s.Connect(context.Background(), connIdx); err != nil {
			s.notify(SessionEvent{Kind: EventSessionError, Err: err})
		}
	}
}

func (s *Session) handleRedirect(c *conn.Connection, rsp wire.SetupResponse) {
	s.mu.Lock()
	s.services = rsp.Endpoints
	s.state = apply(s.state, EventRedirect)
	s.mu.Unlock()

	_ = c.Disconnect()

	next, ok := s.nextService()
	if !ok {
		s.notify(SessionEvent{Kind: EventSessionError, Err: ErrNoPortals})
		return
	}
	s.URI = next

	if _, err := s.openLead(context.Background(), 0); err != nil {
		s.notify(SessionEvent{Kind: EventSessionError, Err: err})
	}
}

func (s *Session) handleReject(rsp wire.SetupResponse) {
	s.mu.Lock()
	s.rejectReason = rsp.Reason
	s.state = apply(s.state, EventReject)
	s.mu.Unlock()

	s.notify(SessionEvent{Kind: EventRejectedKind, Reason: rsp.Reason, UserCtx: rsp.UserCtx})
}

func (s *Session) onWorkerEstablished() {
	s.mu.Lock()
	if s.onlineAwait > 0 {
		s.onlineAwait--
	}
	done := s.onlineAwait == 0
	s.mu.Unlock()

	if done {
		s.mu.Lock()
		s.state = apply(s.state, EventAllWorkersEstablished)
		s.mu.Unlock()
		s.notify(SessionEvent{Kind: EventEstablished})
	}
}

// dialWorker opens an additional Connection at connIdx, selecting a
// portal per the round-robin/affinity policy (§4.6).
func (s *Session) dialWorker(ctx context.Context, connIdx uint32) (*conn.Connection, error) {
	portal, err := s.PortalFor(connIdx)
	if err != nil {
		return nil, fmt.Errorf("dial worker conn_idx=%d: %w", connIdx, err)
	}

	t, err := s.driver.Dial(ctx, portal)
	if err != nil {
		return nil, fmt.Errorf("dial worker conn_idx=%d: %w", connIdx, err)
	}

	s.mu.Lock()
	peerID := s.peerID
	s.mu.Unlock()

	c := s.newConnection(connIdx)
	c.Bind(t, peerID)

	s.mu.Lock()
	s.conns[connIdx] = c
	s.mu.Unlock()

	return c, nil
}

// AttachWorker binds an inbound transport to this already-accepted session
// as connIdx, instead of starting a new Session the way Accept does. Used
// on the accept side when a worker connection the client dialed against
// one of this session's advertised portals arrives (§4.6 step 4).
func (s *Session) AttachWorker(t transport.Transport, connIdx uint32) *conn.Connection {
	s.mu.Lock()
	peerID := s.peerID
	s.mu.Unlock()

	c := s.newConnectionWithOnMsg(connIdx, func(cn *conn.Connection, msg *conn.Message, moreInBatch bool) {
		s.onFirstHello()
		if s.cb.OnMsg != nil {
			s.cb.OnMsg(cn, msg, moreInBatch)
		}
	})
	c.Bind(t, peerID)

	s.mu.Lock()
	s.conns[connIdx] = c
	s.mu.Unlock()

	return c
}

// onFirstHello gates ACCEPTED→ONLINE on the server side: the session
// stays ACCEPTED, inhibiting teardown, until the first non-setup message
// arrives on some worker connection (§4.6 step 3).
func (s *Session) onFirstHello() {
	if s.Type != TypeServer {
		return
	}
	s.helloOnce.Do(func() {
		s.mu.Lock()
		wasAccepted := s.state == StateAccepted
		if wasAccepted {
			s.state = apply(s.state, EventHelloReceived)
		}
		s.mu.Unlock()

		if wasAccepted {
			s.notify(SessionEvent{Kind: EventEstablished})
		}
	})
}

// PortalFor resolves the portal URI for connIdx per §4.6's assignment
// policy: conn_idx 0 advances the shared round-robin cursor; conn_idx != 0
// deterministically maps to portals[conn_idx % len(portals)].
func (s *Session) PortalFor(connIdx uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.portals) == 0 {
		return "", ErrNoPortals
	}
	if connIdx == 0 {
		p, next, _ := rotate(s.portals, s.portalCursor)
		s.portalCursor = next
		return p, nil
	}
	return s.portals[int(connIdx)%len(s.portals)], nil
}

func (s *Session) nextService() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, next, ok := rotate(s.services, s.serviceCursor)
	if !ok {
		return "", false
	}
	s.serviceCursor = next
	return svc, true
}

func (s *Session) onConnDisconnected(c *conn.Connection, reason bus.DisconnectReason) {
	s.checkAllClosed(c)
}

func (s *Session) onConnClosed(c *conn.Connection) {
	s.checkAllClosed(c)
}

func (s *Session) onConnError(c *conn.Connection, err error) {
	s.notify(SessionEvent{Kind: EventConnError, Err: err})
}

func (s *Session) checkAllClosed(closedConn *conn.Connection) {
	s.mu.Lock()
	delete(s.conns, closedConn.ConnIdx)
	remaining := len(s.conns)
	if remaining == 0 && s.state != StateClosed && s.state != StateClosing {
		s.state = apply(s.state, EventAllConnsClosed)
	}
	closing := s.state == StateClosing
	s.mu.Unlock()

	if closing && remaining == 0 {
		s.mu.Lock()
		s.state = apply(s.state, EventTeardownNotified)
		s.mu.Unlock()
		s.notify(SessionEvent{Kind: EventTeardown})
	}
}

func (s *Session) teardown(except *conn.Connection) {
	s.mu.Lock()
	conns := make([]*conn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		if c != except {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Disconnect()
	}
}

func (s *Session) notify(ev SessionEvent) {
	if s.cb.OnSessionEvent != nil {
		s.cb.OnSessionEvent(s, ev)
	}
}
