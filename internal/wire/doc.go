// Package wire implements the session-protocol wire framing: the fixed
// 20-byte per-message header and the setup/FIN/cancel control payloads
// carried over it.
//
// The fixed header (dest_session_id, serial_num, flags, receipt_result) is
// framed in network byte order (big-endian), matching the rest of the
// on-wire control-plane fields of the underlying transport. Setup payloads
// use little-endian integers for their length-prefixed fields, mirroring
// the accelio session protocol this core is modeled on.
package wire
