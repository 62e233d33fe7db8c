// Package wire defines how calls lay their messages over a stream's byte
// flow: a sequence of records
//
//	[1 byte flags][4 bytes payload length][payload]
//
// The first record a caller sends is the call header naming the method and
// the negotiated codec and encoding. Message records follow, compressed or
// not per their flag. The callee's final record is a trailer carrying the
// terminal status.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/veecore/tonic/status"
)

const RecordHeaderLength = 5

const (
	RecordFlagCompressed uint8 = 1 << 0
	RecordFlagCall       uint8 = 1 << 6
	RecordFlagTrailer    uint8 = 1 << 7
)

var ErrRecordTooLarge = errors.New("record exceeds the configured maximum message size")
var ErrBadCallHeader = errors.New("malformed call header record")

func WriteRecord(w io.Writer, flags uint8, payload []byte) error {
	buf := make([]byte, RecordHeaderLength+len(payload))
	buf[0] = flags
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[RecordHeaderLength:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadRecord returns the next record off r. io.EOF with no bytes read means
// the stream ended cleanly between records; maxSize <= 0 means unbounded.
func ReadRecord(r io.Reader, maxSize int) (flags uint8, payload []byte, err error) {
	var hdr [RecordHeaderLength]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	flags = hdr[0]
	length := int(binary.BigEndian.Uint32(hdr[1:5]))
	if maxSize > 0 && length > maxSize {
		return 0, nil, fmt.Errorf("inbound record of %v bytes: %w", length, ErrRecordTooLarge)
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return flags, payload, nil
}

// CallHeader is the first record on every stream, identifying the method
// and how the payloads that follow are to be decoded.
type CallHeader struct {
	Method   string
	Codec    string
	Encoding string
}

func (h *CallHeader) Marshal() []byte {
	buf := make([]byte, 0, 4+len(h.Method)+len(h.Codec)+len(h.Encoding))
	var mlen [2]byte
	binary.BigEndian.PutUint16(mlen[:], uint16(len(h.Method)))
	buf = append(buf, mlen[:]...)
	buf = append(buf, h.Method...)
	buf = append(buf, uint8(len(h.Codec)))
	buf = append(buf, h.Codec...)
	buf = append(buf, uint8(len(h.Encoding)))
	buf = append(buf, h.Encoding...)
	return buf
}

func ParseCallHeader(payload []byte) (*CallHeader, error) {
	if len(payload) < 2 {
		return nil, ErrBadCallHeader
	}
	mlen := int(binary.BigEndian.Uint16(payload[0:2]))
	rest := payload[2:]
	if len(rest) < mlen+1 {
		return nil, ErrBadCallHeader
	}
	h := &CallHeader{Method: string(rest[:mlen])}
	rest = rest[mlen:]

	clen := int(rest[0])
	if len(rest) < 1+clen+1 {
		return nil, ErrBadCallHeader
	}
	h.Codec = string(rest[1 : 1+clen])
	rest = rest[1+clen:]

	elen := int(rest[0])
	if len(rest) != 1+elen {
		return nil, ErrBadCallHeader
	}
	h.Encoding = string(rest[1 : 1+elen])
	return h, nil
}

// Terminal statuses cross the wire in a trailer record as a one-byte code
// followed by an optional UTF-8 message.
func MarshalTrailer(st *status.Status) []byte {
	return append([]byte{uint8(st.Code())}, st.Message()...)
}

func ParseTrailer(payload []byte) (*status.Status, error) {
	if len(payload) < 1 {
		return nil, errors.New("empty trailer record")
	}
	code := status.Code(payload[0])
	if code > status.Internal {
		return nil, fmt.Errorf("trailer with unknown status code %v", payload[0])
	}
	return status.New(code, string(payload[1:])), nil
}
