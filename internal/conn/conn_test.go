package conn_test

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/accelsess/rpcsession/internal/conn"
	"github.com/accelsess/rpcsession/internal/pool"
	"github.com/accelsess/rpcsession/internal/transport"
	"github.com/accelsess/rpcsession/internal/transport/simtransport"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func connectPair(t *testing.T) (transport.Transport, transport.Transport) {
	t.Helper()
	d := simtransport.NewDriver()
	ctx := context.Background()

	serverCh := make(chan transport.Transport, 1)
	l, err := d.Listen(ctx, "sim://conn-test", func(tr transport.Transport) { serverCh <- tr })
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	client, err := d.Dial(ctx, "sim://conn-test")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case server := <-serverCh:
		return client, server
	case <-time.After(2 * time.Second):
		t.Fatal("accept never happened")
		return nil, nil
	}
}

func TestSendRequestDeliversAndResponds(t *testing.T) {
	t.Parallel()

	clientT, serverT := connectPair(t)
	p := pool.New(pool.DefaultConfig(16))

	var clientSerial, serverSerial atomic.Uint64
	var wg sync.WaitGroup
	wg.Add(2)

	var gotReq *conn.Message
	server := conn.New(1, 100, func() uint64 { return serverSerial.Add(1) }, p, conn.Callbacks{
		OnMsg: func(c *conn.Connection, msg *conn.Message, more bool) {
			if msg.Type == conn.MsgRequest {
				gotReq = msg
				_ = c.SendResponse(&conn.Message{Data: []byte("world"), Request: &conn.Message{SerialNum: msg.SerialNum}})
				wg.Done()
			}
		},
	}, testLogger())
	server.Bind(serverT, 200)

	var gotRsp *conn.Message
	client := conn.New(1, 200, func() uint64 { return clientSerial.Add(1) }, p, conn.Callbacks{
		OnMsg: func(c *conn.Connection, msg *conn.Message, more bool) {
			if msg.Type == conn.MsgResponse {
				gotRsp = msg
				wg.Done()
			}
		},
	}, testLogger())
	client.Bind(clientT, 100)

	if err := client.SendRequest(&conn.Message{Header: []byte("hello"), Data: []byte("world")}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request/response round trip timed out")
	}

	if gotReq == nil || string(gotReq.Header) != "hello" {
		t.Fatalf("server did not receive expected request: %+v", gotReq)
	}
	if gotRsp == nil || string(gotRsp.Data) != "world" {
		t.Fatalf("client did not receive expected response: %+v", gotRsp)
	}
}

func TestDisconnectReachesClose(t *testing.T) {
	t.Parallel()

	clientT, serverT := connectPair(t)
	p := pool.New(pool.DefaultConfig(16))

	server := conn.New(1, 100, func() uint64 { return 1 }, p, conn.Callbacks{}, testLogger())
	server.Bind(serverT, 200)

	client := conn.New(1, 200, func() uint64 { return 1 }, p, conn.Callbacks{}, testLogger())
	client.Bind(clientT, 100)

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.State() == conn.StateClose && server.State() == conn.StateClose {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connections did not both reach CLOSE: client=%v server=%v", client.State(), server.State())
}

func TestSendRequestFailsBeforeBind(t *testing.T) {
	t.Parallel()

	p := pool.New(pool.DefaultConfig(16))
	c := conn.New(1, 1, func() uint64 { return 1 }, p, conn.Callbacks{}, testLogger())

	if err := c.SendRequest(&conn.Message{}); err == nil {
		t.Fatal("expected error sending request on unbound connection")
	}
}
