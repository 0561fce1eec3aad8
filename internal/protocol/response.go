package protocol

// Builders for the common response payloads. Each returns a complete
// payload ready for framing.

// OKResponse is a bare success: just the status byte.
func OKResponse() []byte {
	return []byte{byte(StatusOK)}
}

// NotFoundResponse reports a missing key: just the status byte.
func NotFoundResponse() []byte {
	return []byte{byte(StatusNotFound)}
}

// ErrorResponse carries a human-readable message after the status byte.
func ErrorResponse(msg string) []byte {
	var buf Buffer
	buf.WriteUint8(uint8(StatusError))
	buf.WriteString(msg)
	return buf.Bytes()
}

// ValueResponse answers a GET: status | value | ts | origin.
func ValueResponse(value string, ts uint64, origin string) []byte {
	var buf Buffer
	buf.WriteUint8(uint8(StatusOK))
	buf.WriteString(value)
	buf.WriteUint64(ts)
	buf.WriteString(origin)
	return buf.Bytes()
}
