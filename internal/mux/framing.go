package mux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layout of a frame:
//
//	[4 bytes payload length][1 byte type/flags][4 bytes stream id][payload]
//
// The type sits in the high nibble of the type/flags byte, the flags in the
// low nibble. All integers are big endian.
const frameHeaderLength = 9

const defaultMaxFramePayload = 16384

var ErrFrameOversized = errors.New("frame: declared payload length exceeds the configured maximum")
var ErrFrameMalformed = errors.New("frame: invalid type or flag combination")
var ErrFrameTruncated = errors.New("frame: fewer bytes than the declared length")

// errNeedMore tells a streaming reader that the deframer holds an incomplete
// frame and wants more input. It is a resumption signal, not a failure.
var errNeedMore = errors.New("frame: need more bytes")

var u32 = binary.BigEndian.Uint32
var putU32 = binary.BigEndian.PutUint32

type frameCodec struct {
	// maxPayload bounds the payload length this codec will emit or accept.
	maxPayload int
}

func makeFrameCodec(maxPayload int) frameCodec {
	if maxPayload <= 0 {
		maxPayload = defaultMaxFramePayload
	}
	return frameCodec{maxPayload: maxPayload}
}

// encode serialises f into buf and returns the number of bytes written.
func (fc frameCodec) encode(f *Frame, buf []byte) (int, error) {
	if len(f.Payload) > fc.maxPayload {
		return 0, fmt.Errorf("encoding %v bytes for stream %v: %w", len(f.Payload), f.StreamID, ErrFrameOversized)
	}
	if err := checkFrame(f.Type, f.Flags, f.StreamID, len(f.Payload)); err != nil {
		return 0, err
	}
	n := frameHeaderLength + len(f.Payload)
	if len(buf) < n {
		return 0, fmt.Errorf("encode buffer too small: %v < %v", len(buf), n)
	}
	putU32(buf[0:4], uint32(len(f.Payload)))
	buf[4] = uint8(f.Type)<<4 | f.Flags
	putU32(buf[5:9], f.StreamID)
	copy(buf[frameHeaderLength:], f.Payload)
	return n, nil
}

// decode parses exactly one frame from a complete buffer. Used where the
// input is already delimited; socket reads go through a deframer instead.
func (fc frameCodec) decode(buf []byte) (*Frame, error) {
	if len(buf) < frameHeaderLength {
		return nil, ErrFrameTruncated
	}
	length := int(u32(buf[0:4]))
	if length > fc.maxPayload {
		return nil, ErrFrameOversized
	}
	if len(buf) < frameHeaderLength+length {
		return nil, ErrFrameTruncated
	}
	typ := frameType(buf[4] >> 4)
	flags := buf[4] & 0x0f
	sid := u32(buf[5:9])
	if err := checkFrame(typ, flags, sid, length); err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	copy(payload, buf[frameHeaderLength:])
	return &Frame{StreamID: sid, Type: typ, Flags: flags, Payload: payload}, nil
}

// checkFrame enforces the per-type shape of a frame.
func checkFrame(typ frameType, flags uint8, sid uint32, length int) error {
	switch typ {
	case frameData:
		if flags&^(FlagEndStream|FlagCompressed) != 0 {
			return fmt.Errorf("DATA frame with unknown flags %#x: %w", flags, ErrFrameMalformed)
		}
		if sid == 0 {
			return fmt.Errorf("DATA frame on stream 0: %w", ErrFrameMalformed)
		}
	case frameReset:
		if flags != 0 || sid == 0 || length < 1 {
			return fmt.Errorf("bad RESET frame: %w", ErrFrameMalformed)
		}
	case frameWindowUpdate:
		if flags != 0 || sid == 0 || length != 4 {
			return fmt.Errorf("bad WINDOW_UPDATE frame: %w", ErrFrameMalformed)
		}
	case frameGoAway:
		if flags != 0 || sid != 0 {
			return fmt.Errorf("bad GOAWAY frame: %w", ErrFrameMalformed)
		}
	default:
		return fmt.Errorf("unknown frame type %v: %w", uint8(typ), ErrFrameMalformed)
	}
	return nil
}

// streamFrameError reports a frame whose header parsed cleanly but whose
// shape is invalid. The deframer has already resynchronised past it, so the
// damage is confined to the named stream.
type streamFrameError struct {
	streamID uint32
	cause    error
}

func (e *streamFrameError) Error() string {
	return fmt.Sprintf("stream %v: %v", e.streamID, e.cause)
}

func (e *streamFrameError) Unwrap() error { return e.cause }

// deframer incrementally cuts frames out of a connection's byte flow. Feed
// raw reads in with absorb, then drain with next until it reports
// errNeedMore.
type deframer struct {
	fc frameCodec
	in bytes.Buffer

	// parsed header awaiting its payload
	pending bool
	length  int
	typ     frameType
	flags   uint8
	sid     uint32
}

func (fc frameCodec) newDeframer() *deframer {
	return &deframer{fc: fc}
}

func (d *deframer) absorb(p []byte) {
	d.in.Write(p)
}

// next returns the next complete frame. errNeedMore means feed more input.
// ErrFrameOversized is unrecoverable: the read position cannot be trusted
// past a header whose length we refuse to honour. A *streamFrameError is
// recoverable; subsequent calls continue from the following frame.
func (d *deframer) next() (*Frame, error) {
	if !d.pending {
		if d.in.Len() < frameHeaderLength {
			return nil, errNeedMore
		}
		var hdr [frameHeaderLength]byte
		_, _ = d.in.Read(hdr[:])
		d.length = int(u32(hdr[0:4]))
		if d.length > d.fc.maxPayload {
			return nil, fmt.Errorf("inbound frame of %v bytes: %w", d.length, ErrFrameOversized)
		}
		d.typ = frameType(hdr[4] >> 4)
		d.flags = hdr[4] & 0x0f
		d.sid = u32(hdr[5:9])
		d.pending = true
	}
	if d.in.Len() < d.length {
		return nil, errNeedMore
	}
	payload := make([]byte, d.length)
	_, _ = d.in.Read(payload)
	d.pending = false
	if err := checkFrame(d.typ, d.flags, d.sid, len(payload)); err != nil {
		return nil, &streamFrameError{streamID: d.sid, cause: err}
	}
	return &Frame{StreamID: d.sid, Type: d.typ, Flags: d.flags, Payload: payload}, nil
}
