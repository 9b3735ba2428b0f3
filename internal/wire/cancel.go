package wire

import (
	"encoding/binary"
	"fmt"
)

// CancelStatus is the outcome carried on a CANCEL_RSP (§4.5, §7).
type CancelStatus uint32

// Cancel outcomes.
const (
	CancelStatusCanceled CancelStatus = iota + 1
	CancelStatusNotFound
)

// String returns the human-readable name of the cancel status.
func (s CancelStatus) String() string {
	switch s {
	case CancelStatusCanceled:
		return "MSG_CANCELED"
	case CancelStatusNotFound:
		return "MSG_NOT_FOUND"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(s))
	}
}

// CancelRequest is the body of a CANCEL_REQ message: the target serial
// number and the responder's session id (§4.5).
type CancelRequest struct {
	TargetSerialNum    uint64
	ResponderSessionID uint32
}

// CancelResponse is the body of a CANCEL_RSP message.
type CancelResponse struct {
	TargetSerialNum uint64
	Status          CancelStatus
}

const cancelRequestSize = 8 + 4
const cancelResponseSize = 8 + 4

// WriteCancelRequest serializes a CancelRequest, big-endian, matching the
// fixed-header byte order.
func WriteCancelRequest(req CancelRequest) []byte {
	buf := make([]byte, cancelRequestSize)
	binary.BigEndian.PutUint64(buf[0:8], req.TargetSerialNum)
	binary.BigEndian.PutUint32(buf[8:12], req.ResponderSessionID)
	return buf
}

// ReadCancelRequest parses a CANCEL_REQ body.
func ReadCancelRequest(buf []byte) (CancelRequest, error) {
	if len(buf) < cancelRequestSize {
		return CancelRequest{}, fmt.Errorf("read cancel request: %w", ErrTruncated)
	}
	return CancelRequest{
		TargetSerialNum:    binary.BigEndian.Uint64(buf[0:8]),
		ResponderSessionID: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// WriteCancelResponse serializes a CancelResponse, big-endian.
func WriteCancelResponse(rsp CancelResponse) []byte {
	buf := make([]byte, cancelResponseSize)
	binary.BigEndian.PutUint64(buf[0:8], rsp.TargetSerialNum)
	binary.BigEndian.PutUint32(buf[8:12], uint32(rsp.Status))
	return buf
}

// ReadCancelResponse parses a CANCEL_RSP body.
func ReadCancelResponse(buf []byte) (CancelResponse, error) {
	if len(buf) < cancelResponseSize {
		return CancelResponse{}, fmt.Errorf("read cancel response: %w", ErrTruncated)
	}
	return CancelResponse{
		TargetSerialNum: binary.BigEndian.Uint64(buf[0:8]),
		Status:          CancelStatus(binary.BigEndian.Uint32(buf[8:12])),
	}, nil
}
