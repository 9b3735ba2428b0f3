package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/accelsess/rpcsession/internal/pool"
	"github.com/accelsess/rpcsession/internal/registry"
	"github.com/accelsess/rpcsession/internal/session"
	"github.com/accelsess/rpcsession/internal/transport"
)

// ErrNotBound is returned by Unbind for a uri with no active listener.
var ErrNotBound = errors.New("server: not bound")

// Binder owns the set of listen URIs a process has bound and promotes every
// inbound Transport into a freshly allocated acceptor Session (§4.7).
type Binder struct {
	driver transport.Driver
	pool   *pool.Pool
	logger *slog.Logger

	nextSessionID atomic.Uint32

	mu        sync.Mutex
	listeners map[string]transport.Listener
	sessions  *registry.Table[*session.Session]
}

// NewBinder creates a Binder that dials/accepts via driver and backs every
// Session's Connections with p.
func NewBinder(driver transport.Driver, p *pool.Pool, logger *slog.Logger) *Binder {
	return &Binder{
		driver:    driver,
		pool:      p,
		logger:    logger.With(slog.String("component", "server.binder")),
		listeners: make(map[string]transport.Listener),
		sessions:  registry.NewTable[*session.Session](),
	}
}

// Bind opens a Listener on uri. Every inbound Transport is promoted to a
// new acceptor Session using cb as its Callbacks (§4.6 step 2, §4.7).
func (b *Binder) Bind(ctx context.Context, uri string, cb session.Callbacks) error {
	l, err := b.driver.Listen(ctx, uri, func(t transport.Transport) {
		b.onAccept(uri, t, cb)
	})
	if err != nil {
		return fmt.Errorf("bind %s: %w", uri, err)
	}

	b.mu.Lock()
	b.listeners[uri] = l
	b.mu.Unlock()

	b.logger.Info("bound", slog.String("uri", uri))
	return nil
}

// Unbind stops accepting new transports on uri. Sessions already accepted
// through it are unaffected.
func (b *Binder) Unbind(uri string) error {
	b.mu.Lock()
	l, ok := b.listeners[uri]
	if ok {
		delete(b.listeners, uri)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("unbind %s: %w", uri, ErrNotBound)
	}

	b.logger.Info("unbound", slog.String("uri", uri))
	return l.Close()
}

// Sessions returns a snapshot of every acceptor Session promoted so far,
// keyed by session id.
func (b *Binder) Sessions() map[uint32]*session.Session {
	out := make(map[uint32]*session.Session, b.sessions.Len())
	b.sessions.Range(func(id uint32, s *session.Session) {
		out[id] = s
	})
	return out
}

func (b *Binder) onAccept(uri string, t transport.Transport, cb session.Callbacks) {
	id := b.nextSessionID.Add(1)

	wrapped := cb
	userOnTeardown := cb.OnSessionEvent
	wrapped.OnSessionEvent = func(s *session.Session, ev session.SessionEvent) {
		if ev.Kind == session.EventTeardown {
			b.sessions.Deregister(s.ID)
		}
		if userOnTeardown != nil {
			userOnTeardown(s, ev)
		}
	}

	s := session.New(id, session.TypeServer, uri, b.driver, b.pool, wrapped, b.logger)
	s.SetPortalBinder(b)

	if err := b.sessions.RegisterAt(id, s); err != nil {
		b.logger.Error("register acceptor session", slog.Uint64("session_id", uint64(id)), slog.Any("err", err))
		return
	}

	s.Accept(t)
	b.logger.Debug("accepted inbound connection", slog.String("uri", uri), slog.Uint64("session_id", uint64(id)))
}

// BindPortal implements session.PortalBinder: it opens a listener on uri
// and attaches every transport it accepts to s as connIdx, so a worker
// connection the client dials against an advertised portal joins the
// session that advertised it instead of starting a new one (§4.6 step 4).
func (b *Binder) BindPortal(ctx context.Context, uri string, s *session.Session, connIdx uint32) error {
	l, err := b.driver.Listen(ctx, uri, func(t transport.Transport) {
		s.AttachWorker(t, connIdx)
		b.logger.Debug("attached worker connection",
			slog.String("uri", uri), slog.Uint64("session_id", uint64(s.ID)), slog.Uint64("conn_idx", uint64(connIdx)))
	})
	if err != nil {
		return fmt.Errorf("bind portal %s: %w", uri, err)
	}

	b.mu.Lock()
	b.listeners[uri] = l
	b.mu.Unlock()

	return nil
}
