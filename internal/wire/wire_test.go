package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/accelsess/rpcsession/internal/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		hdr  wire.Header
	}{
		{
			name: "zero value",
			hdr:  wire.Header{},
		},
		{
			name: "request read receipt flag",
			hdr: wire.Header{
				DestSessionID: 42,
				SerialNum:     7,
				Flags:         wire.FlagRequestReadReceipt,
			},
		},
		{
			name: "split response final chunk",
			hdr: wire.Header{
				DestSessionID: 0xDEADBEEF,
				SerialNum:     0x0102030405060708,
				Flags:         wire.FlagRspFirst | wire.FlagRspLast,
				ReceiptResult: 0,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := make([]byte, wire.HeaderSize)
			if err := wire.WriteHeader(buf, tt.hdr); err != nil {
				t.Fatalf("WriteHeader: %v", err)
			}

			got, err := wire.ReadHeader(buf)
			if err != nil {
				t.Fatalf("ReadHeader: %v", err)
			}
			if got != tt.hdr {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, tt.hdr)
			}
		})
	}
}

func TestReadHeaderTruncated(t *testing.T) {
	t.Parallel()

	_, err := wire.ReadHeader(make([]byte, wire.HeaderSize-1))
	if !errors.Is(err, wire.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestSetupRequestRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  wire.SetupRequest
	}{
		{
			name: "empty uri and ctx",
			req:  wire.SetupRequest{SessionID: 1},
		},
		{
			name: "typical request",
			req: wire.SetupRequest{
				SessionID: 99,
				URI:       "rdma://127.0.0.1:2061",
				UserCtx:   []byte("hello"),
			},
		},
		{
			name: "at size limit",
			req: wire.SetupRequest{
				SessionID: 1,
				URI:       string(bytes.Repeat([]byte{'a'}, 2000)),
				UserCtx:   bytes.Repeat([]byte{'b'}, wire.MaxSetupPayload-8-2000),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf, err := wire.WriteSetupRequest(tt.req)
			if err != nil {
				t.Fatalf("WriteSetupRequest: %v", err)
			}

			got, err := wire.ReadSetupRequest(buf)
			if err != nil {
				t.Fatalf("ReadSetupRequest: %v", err)
			}
			if got.SessionID != tt.req.SessionID || got.URI != tt.req.URI || !bytes.Equal(got.UserCtx, tt.req.UserCtx) {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, tt.req)
			}
		})
	}
}

func TestSetupRequestTooLarge(t *testing.T) {
	t.Parallel()

	req := wire.SetupRequest{
		SessionID: 1,
		URI:       string(bytes.Repeat([]byte{'a'}, wire.MaxSetupPayload)),
	}
	_, err := wire.WriteSetupRequest(req)
	if !errors.Is(err, wire.ErrMsgTooLarge) {
		t.Fatalf("expected ErrMsgTooLarge, got %v", err)
	}
}

func TestSetupResponseRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rsp  wire.SetupResponse
	}{
		{
			name: "accept no portals",
			rsp: wire.SetupResponse{
				SessionID: 5,
				Action:    wire.ActionAccept,
			},
		},
		{
			name: "accept with portals and ctx",
			rsp: wire.SetupResponse{
				SessionID: 5,
				Action:    wire.ActionAccept,
				Endpoints: []string{"rdma://*:3001", "rdma://*:3002"},
				UserCtx:   []byte("worker-ctx"),
			},
		},
		{
			name: "redirect",
			rsp: wire.SetupResponse{
				SessionID: 6,
				Action:    wire.ActionRedirect,
				Endpoints: []string{"rdma://B:2061"},
			},
		},
		{
			name: "reject with reason and ctx",
			rsp: wire.SetupResponse{
				SessionID: 7,
				Action:    wire.ActionReject,
				Reason:    1, // e.g. INVALID_SESSION
				UserCtx:   []byte("bad auth"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf, err := wire.WriteSetupResponse(tt.rsp)
			if err != nil {
				t.Fatalf("WriteSetupResponse: %v", err)
			}

			got, err := wire.ReadSetupResponse(buf)
			if err != nil {
				t.Fatalf("ReadSetupResponse: %v", err)
			}

			if got.SessionID != tt.rsp.SessionID || got.Action != tt.rsp.Action || got.Reason != tt.rsp.Reason {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, tt.rsp)
			}
			if !bytes.Equal(got.UserCtx, tt.rsp.UserCtx) {
				t.Fatalf("user ctx mismatch: got %q, want %q", got.UserCtx, tt.rsp.UserCtx)
			}
			if len(got.Endpoints) != len(tt.rsp.Endpoints) {
				t.Fatalf("endpoint count mismatch: got %d, want %d", len(got.Endpoints), len(tt.rsp.Endpoints))
			}
			for i := range got.Endpoints {
				if got.Endpoints[i] != tt.rsp.Endpoints[i] {
					t.Fatalf("endpoint %d mismatch: got %q, want %q", i, got.Endpoints[i], tt.rsp.Endpoints[i])
				}
			}
		})
	}
}

func TestCancelRoundTrip(t *testing.T) {
	t.Parallel()

	req := wire.CancelRequest{TargetSerialNum: 123, ResponderSessionID: 42}
	reqBuf := wire.WriteCancelRequest(req)
	gotReq, err := wire.ReadCancelRequest(reqBuf)
	if err != nil {
		t.Fatalf("ReadCancelRequest: %v", err)
	}
	if gotReq != req {
		t.Fatalf("cancel request round trip mismatch: got %+v, want %+v", gotReq, req)
	}

	rsp := wire.CancelResponse{TargetSerialNum: 123, Status: wire.CancelStatusCanceled}
	rspBuf := wire.WriteCancelResponse(rsp)
	gotRsp, err := wire.ReadCancelResponse(rspBuf)
	if err != nil {
		t.Fatalf("ReadCancelResponse: %v", err)
	}
	if gotRsp != rsp {
		t.Fatalf("cancel response round trip mismatch: got %+v, want %+v", gotRsp, rsp)
	}
}
