package mux

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Per-stream lifecycle. A stream leaves streamIdle on its first frame in
// either direction, half-closes when one side sends FlagEndStream, and is
// closed when both sides have ended or a reset forced it down.
type streamState uint8

const (
	streamIdle streamState = iota
	streamOpen
	streamHalfClosedLocal
	streamHalfClosedRemote
	streamClosed
)

var ErrWriteAfterEndStream = errors.New("write after end of stream")

// A Stream is one multiplexed bidirectional exchange within a session. The
// write side is an io.Writer split into flow-controlled DATA frames; the
// read side delivers the peer's byte flow in send order.
type Stream struct {
	id      uint32
	session *Session

	// inbound byte flow, written by the session's read loop
	recvBuf *bufferedPipe
	// outbound flow-control credit, replenished by peer WINDOW_UPDATEs
	window *sendWindow

	writingM sync.Mutex

	stateM sync.Mutex
	state  streamState
	// terminal closure reason. nil while the stream lives, and stays nil on
	// a fully graceful close.
	reason error

	resetOnce sync.Once
}

func makeStream(sesh *Session, id uint32) *Stream {
	return &Stream{
		id:      id,
		session: sesh,
		recvBuf: newBufferedPipe(),
		window:  newSendWindow(sesh.InitialStreamWindow),
	}
}

func (s *Stream) ID() uint32 { return s.id }

// Write sends p as one or more DATA frames, blocking while flow-control
// credit is short.
func (s *Stream) Write(p []byte) (int, error) { return s.write(p, false) }

// WriteFinal sends p with FlagEndStream on the last frame, half-closing the
// local side.
func (s *Stream) WriteFinal(p []byte) (int, error) { return s.write(p, true) }

// CloseWrite half-closes the local side with an empty final frame.
func (s *Stream) CloseWrite() error {
	_, err := s.write(nil, true)
	return err
}

func (s *Stream) write(p []byte, final bool) (n int, err error) {
	s.writingM.Lock()
	defer s.writingM.Unlock()

	s.stateM.Lock()
	switch s.state {
	case streamClosed:
		reason := s.reason
		s.stateM.Unlock()
		if reason == nil {
			reason = ErrWriteAfterEndStream
		}
		return 0, reason
	case streamHalfClosedLocal:
		s.stateM.Unlock()
		return 0, ErrWriteAfterEndStream
	case streamIdle:
		s.state = streamOpen
	}
	s.stateM.Unlock()

	for first := true; first || len(p) > 0; first = false {
		chunk := p
		if len(chunk) > s.session.maxStreamUnitWrite {
			chunk = chunk[:s.session.maxStreamUnitWrite]
		}
		p = p[len(chunk):]

		var flags uint8
		if final && len(p) == 0 {
			flags = FlagEndStream
		}
		if err = s.window.take(int64(len(chunk))); err != nil {
			return n, err
		}
		f := Frame{StreamID: s.id, Type: frameData, Flags: flags, Payload: chunk}
		if err = s.session.sendFrame(&f); err != nil {
			return n, err
		}
		n += len(chunk)
		if len(p) == 0 {
			break
		}
	}
	if final {
		s.localEnded()
	}
	return n, nil
}

// Read delivers the peer's bytes in send order. It returns io.EOF after a
// graceful end of stream, or the closure reason after a reset or connection
// loss. Consumed bytes are acknowledged to the peer as fresh credit.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.recvBuf.Read(p)
	if n > 0 && s.peerMaySend() {
		s.session.sendWindowUpdate(s.id, uint32(n))
	}
	return n, err
}

func (s *Stream) peerMaySend() bool {
	s.stateM.Lock()
	defer s.stateM.Unlock()
	return s.state == streamOpen || s.state == streamHalfClosedLocal
}

// Reset abruptly terminates the stream: local state goes to closed at once,
// buffered inbound data is discarded, and a single RESET frame is sent to
// the peer. Resetting is optimistic; it never waits for acknowledgment.
func (s *Stream) Reset(code uint8, msg string) {
	s.resetOnce.Do(func() {
		if s.closeWith(&StreamResetError{Code: code, Msg: msg}, true) {
			log.Tracef("stream %v of session %v reset locally: %v", s.id, s.session.id, msg)
		}
	})
}

// Close tears the stream down if it is still live. A stream that already
// completed gracefully is left as is.
func (s *Stream) Close() error {
	s.Reset(ResetCancel, "stream closed locally")
	return nil
}

// recvFrame applies one inbound DATA frame. Runs on the session's read loop.
func (s *Stream) recvFrame(f *Frame) error {
	s.stateM.Lock()
	if s.state == streamClosed || s.state == streamHalfClosedRemote {
		// the peer already ended or the stream was reset
		s.stateM.Unlock()
		log.Tracef("dropping late frame for stream %v of session %v", s.id, s.session.id)
		return nil
	}
	if s.state == streamIdle {
		s.state = streamOpen
	}
	s.stateM.Unlock()

	if len(f.Payload) > 0 {
		if _, err := s.recvBuf.Write(f.Payload); err != nil {
			// lost a race with a reset; nothing left to deliver to
			return nil
		}
	}
	if f.Flags&FlagEndStream != 0 {
		s.remoteEnded()
	}
	return nil
}

// recvReset applies a peer-sent RESET: forced closure, discarding anything
// buffered.
func (s *Stream) recvReset(code uint8, msg string) {
	if s.closeWith(&StreamResetError{Code: code, Msg: msg}, false) {
		log.Tracef("stream %v of session %v reset by peer: %v", s.id, s.session.id, msg)
	}
}

func (s *Stream) localEnded() {
	s.stateM.Lock()
	switch s.state {
	case streamOpen:
		s.state = streamHalfClosedLocal
		s.stateM.Unlock()
	case streamHalfClosedRemote:
		s.state = streamClosed
		s.stateM.Unlock()
		s.session.closeStream(s)
	default:
		s.stateM.Unlock()
	}
}

func (s *Stream) remoteEnded() {
	s.stateM.Lock()
	switch s.state {
	case streamOpen:
		s.state = streamHalfClosedRemote
		s.stateM.Unlock()
	case streamHalfClosedLocal:
		s.state = streamClosed
		s.stateM.Unlock()
		s.session.closeStream(s)
	default:
		s.stateM.Unlock()
	}
	// graceful end: buffered data drains, then readers see io.EOF
	_ = s.recvBuf.CloseWithError(nil)
}

// closeWith is the stream's single closure point for abrupt terminations.
// It reports whether this call performed the closure.
func (s *Stream) closeWith(reason error, sendReset bool) bool {
	s.stateM.Lock()
	if s.state == streamClosed {
		s.stateM.Unlock()
		return false
	}
	s.state = streamClosed
	s.reason = reason
	s.stateM.Unlock()

	s.recvBuf.discard(reason)
	s.window.close(reason)
	if sendReset {
		if re, ok := reason.(*StreamResetError); ok {
			payload := append([]byte{re.Code}, re.Msg...)
			f := Frame{StreamID: s.id, Type: frameReset, Payload: payload}
			// best effort: the connection may already be gone
			_ = s.session.sendFrame(&f)
		}
	}
	s.session.closeStream(s)
	return true
}

// finish tears down stream-local state when the whole session dies. The
// session already holds the stream table lock, so the table entry is the
// caller's business.
func (s *Stream) finish(reason error) {
	s.stateM.Lock()
	if s.state == streamClosed {
		s.stateM.Unlock()
		return
	}
	s.state = streamClosed
	s.reason = reason
	s.stateM.Unlock()

	s.recvBuf.discard(reason)
	s.window.close(reason)
}

// closureReason returns the terminal reason, or nil if the stream is live or
// ended gracefully.
func (s *Stream) closureReason() error {
	s.stateM.Lock()
	defer s.stateM.Unlock()
	return s.reason
}
