package transport

import (
	"github.com/accelsess/rpcsession/internal/wire"
)

// SetupKey is the reserved observer-bus key setup frames dispatch under.
// A SETUP_REQ's session_id identifies the dialing client, not a session
// already registered on the accepting side's transport, and a SETUP_RSP's
// session_id identifies the server — neither is the local key either side
// already owns, so the handshake uses this fixed key on both ends instead
// of a key derived from the frame. Both sides additionally register their
// lead connection under their own session id for the routing that takes
// over once the handshake completes (§4.6).
const SetupKey uint32 = 0

// DispatchKey extracts the observer-bus key a driver should dispatch buf
// under, given the TLV type it was sent or received under.
func DispatchKey(tlvType wire.TLVType, buf []byte) (uint32, error) {
	switch tlvType {
	case wire.TLVSetupReq, wire.TLVSetupRsp:
		return SetupKey, nil
	default:
		hdr, err := wire.ReadHeader(buf)
		if err != nil {
			return 0, err
		}
		return hdr.DestSessionID, nil
	}
}
