package server_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/accelsess/rpcsession/internal/pool"
	"github.com/accelsess/rpcsession/internal/server"
	"github.com/accelsess/rpcsession/internal/session"
	"github.com/accelsess/rpcsession/internal/transport/simtransport"
	"github.com/accelsess/rpcsession/internal/wire"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestBindPromotesInboundConnectionToSession(t *testing.T) {
	t.Parallel()

	d := simtransport.NewDriver()
	p := pool.New(pool.DefaultConfig(16))
	b := server.NewBinder(d, p, testLogger())

	events := make(chan session.SessionEvent, 4)
	if err := b.Bind(context.Background(), "sim://binder-test", session.Callbacks{
		OnSessionEvent: func(s *session.Session, ev session.SessionEvent) { events <- ev },
		OnNewSession: func(s *session.Session, req wire.SetupRequest) session.Disposition {
			return session.Accept(nil, nil)
		},
	}); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	clientPool := pool.New(pool.DefaultConfig(16))
	client := session.New(1, session.TypeClient, "sim://binder-test", d, clientPool, session.Callbacks{
		OnSessionEvent: func(s *session.Session, ev session.SessionEvent) {},
	}, testLogger())

	if _, err := client.Connect(context.Background(), 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != session.EventEstablished {
			t.Fatalf("expected SESSION_ESTABLISHED, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for acceptor session to establish")
	}

	if len(b.Sessions()) != 1 {
		t.Fatalf("expected 1 acceptor session registered, got %d", len(b.Sessions()))
	}
}

func TestUnbindUnknownURIFails(t *testing.T) {
	t.Parallel()

	d := simtransport.NewDriver()
	p := pool.New(pool.DefaultConfig(16))
	b := server.NewBinder(d, p, testLogger())

	if err := b.Unbind("sim://never-bound"); err == nil {
		t.Fatal("expected error unbinding a uri with no listener")
	}
}
