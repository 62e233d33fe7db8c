package mux

// Frame is the smallest unit of wire transmission. Every frame belongs to a
// stream, except GOAWAY which belongs to the connection and carries stream
// id 0.
type Frame struct {
	StreamID uint32
	Type     frameType
	Flags    uint8
	Payload  []byte
}

type frameType uint8

const (
	// frameData carries a chunk of a stream's byte flow.
	frameData frameType = iota
	// frameReset abruptly terminates a stream. Payload is a one-byte reason
	// code optionally followed by a UTF-8 message.
	frameReset
	// frameWindowUpdate replenishes a stream's flow-control credit. Payload
	// is a 4-byte big-endian increment.
	frameWindowUpdate
	// frameGoAway announces that the whole connection is going down.
	frameGoAway
)

func (t frameType) String() string {
	switch t {
	case frameData:
		return "DATA"
	case frameReset:
		return "RESET"
	case frameWindowUpdate:
		return "WINDOW_UPDATE"
	case frameGoAway:
		return "GOAWAY"
	default:
		return "UNKNOWN"
	}
}

// Flag bits valid on DATA frames.
const (
	// FlagEndStream marks the sender's final frame on the stream.
	FlagEndStream uint8 = 1 << 0
	// FlagCompressed marks the payload bytes as compressed by the encoding
	// negotiated for the call. The multiplexer carries it opaquely.
	FlagCompressed uint8 = 1 << 1
)

// Reset reason codes carried in the first payload byte of a RESET frame.
const (
	ResetCancel uint8 = iota
	ResetDeadline
	ResetInternal
	ResetProtocol
)

// StreamResetError is the closure reason recorded on a stream that was
// terminated by a RESET, locally initiated or peer sent.
type StreamResetError struct {
	Code uint8
	Msg  string
}

func (e *StreamResetError) Error() string {
	return "stream reset: " + e.Msg
}
