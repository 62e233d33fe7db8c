package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veecore/tonic/status"
)

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello")
	err := WriteRecord(&buf, RecordFlagCompressed, payload)
	assert.NoError(t, err)
	assert.Equal(t, RecordHeaderLength+len(payload), buf.Len())

	flags, got, err := ReadRecord(&buf, 0)
	assert.NoError(t, err)
	assert.Equal(t, RecordFlagCompressed, flags)
	assert.Equal(t, payload, got)
}

func TestReadRecordEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, WriteRecord(&buf, 0, nil))
	flags, got, err := ReadRecord(&buf, 0)
	assert.NoError(t, err)
	assert.EqualValues(t, 0, flags)
	assert.Empty(t, got)
}

func TestReadRecordCleanEOF(t *testing.T) {
	_, _, err := ReadRecord(bytes.NewReader(nil), 0)
	assert.Equal(t, io.EOF, err)
}

func TestReadRecordTruncated(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, WriteRecord(&buf, 0, []byte("abcdef")))
	short := buf.Bytes()[:buf.Len()-2]
	_, _, err := ReadRecord(bytes.NewReader(short), 0)
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	_, _, err = ReadRecord(bytes.NewReader(buf.Bytes()[:3]), 0)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestReadRecordTooLarge(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, WriteRecord(&buf, 0, make([]byte, 64)))
	_, _, err := ReadRecord(&buf, 63)
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestCallHeaderRoundTrip(t *testing.T) {
	hdr := &CallHeader{Method: "/echo.Echo/UnaryEcho", Codec: "proto", Encoding: "gzip"}
	parsed, err := ParseCallHeader(hdr.Marshal())
	assert.NoError(t, err)
	assert.Equal(t, hdr, parsed)

	bare := &CallHeader{Method: "/x/y", Codec: "raw"}
	parsed, err = ParseCallHeader(bare.Marshal())
	assert.NoError(t, err)
	assert.Equal(t, bare, parsed)
}

func TestParseCallHeaderMalformed(t *testing.T) {
	good := (&CallHeader{Method: "/x/y", Codec: "proto", Encoding: "gzip"}).Marshal()
	for i := 0; i < len(good); i++ {
		_, err := ParseCallHeader(good[:i])
		assert.Error(t, err, "prefix of %v bytes", i)
	}
	_, err := ParseCallHeader(append(good, 0xff))
	assert.Equal(t, ErrBadCallHeader, err)
}

func TestTrailerRoundTrip(t *testing.T) {
	st := status.New(status.DeadlineExceeded, "too slow")
	parsed, err := ParseTrailer(MarshalTrailer(st))
	assert.NoError(t, err)
	assert.Equal(t, status.DeadlineExceeded, parsed.Code())
	assert.Equal(t, "too slow", parsed.Message())
}

func TestParseTrailerRejectsGarbage(t *testing.T) {
	_, err := ParseTrailer(nil)
	assert.Error(t, err)
	_, err = ParseTrailer([]byte{0xff, 'x'})
	assert.Error(t, err)
}
