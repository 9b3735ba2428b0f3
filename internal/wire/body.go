package wire

import "encoding/binary"

// WriteBody serializes a message's header and data scatter-gather vectors
// (§3) into the bytes that follow the fixed Header on MSG_REQ, MSG_RSP and
// ONE_WAY frames: hdr_len:u32, hdr[hdr_len], data, big-endian.
func WriteBody(header, data []byte) []byte {
	buf := make([]byte, 4+len(header)+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(header)))
	off := 4
	off += copy(buf[off:], header)
	copy(buf[off:], data)
	return buf
}

// ReadBody is the inverse of WriteBody, returning slices into buf.
func ReadBody(buf []byte) (header, data []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, ErrTruncated
	}
	hdrLen := int(binary.BigEndian.Uint32(buf[0:4]))
	if len(buf) < 4+hdrLen {
		return nil, nil, ErrTruncated
	}
	return buf[4 : 4+hdrLen], buf[4+hdrLen:], nil
}
