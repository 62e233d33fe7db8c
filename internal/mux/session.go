package mux

import (
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	acceptBacklog              = 1024
	defaultInactivityTimeout   = 30 * time.Second
	defaultInitialStreamWindow = 65536
)

var ErrBrokenSession = errors.New("broken session")
var ErrExhausted = errors.New("stream id space exhausted")
var errRepeatSessionClosing = errors.New("trying to close a closed session")

type SessionConfig struct {
	// Valve is used to limit transmission rates and record usage. Nil means
	// unlimited.
	Valve *Valve

	// ServerSide sessions allocate the even half of the stream id space and
	// accept odd peer-initiated streams; client sessions the reverse.
	ServerSide bool

	// MaxFramePayload bounds a single frame's payload in both directions.
	MaxFramePayload int

	// InitialStreamWindow is each new stream's outbound flow-control credit
	// in bytes.
	InitialStreamWindow int64

	// InactivityTimeout sets the duration a session waits while it has no
	// active streams before it closes itself.
	InactivityTimeout time.Duration
}

// A Session multiplexes logical streams over one underlying connection. It
// owns the connection's two halves: every outbound frame goes through a
// single serialised writer path, and a single read loop fans inbound frames
// out to per-stream buffers. Streams reference the session but never touch
// the connection directly.
type Session struct {
	id uint32

	SessionConfig

	fc frameCodec

	// atomic; next id to assign on OpenStream
	nextStreamID uint32

	// atomic
	activeStreamCount uint32

	streamsM sync.Mutex
	streams  map[uint32]*Stream
	// For accepting peer-initiated streams
	acceptCh chan *Stream

	conn net.Conn

	// the write half of the connection is exclusively owned by whoever
	// holds writeM; writeBuf is the encode scratch space it guards
	writeM   sync.Mutex
	writeBuf []byte

	closed uint32

	terminalMsgSetter sync.Once
	terminalMsg       string

	// the max size a piece of data can fit into one Frame.Payload
	maxStreamUnitWrite int
	// buffer size for each conn.Read in the read loop
	connReceiveBufferSize int
}

func MakeSession(id uint32, config SessionConfig) *Session {
	sesh := &Session{
		id:            id,
		SessionConfig: config,
		nextStreamID:  1,
		acceptCh:      make(chan *Stream, acceptBacklog),
		streams:       map[uint32]*Stream{},
	}
	if config.ServerSide {
		sesh.nextStreamID = 2
	}
	if config.Valve == nil {
		sesh.Valve = UNLIMITED_VALVE
	}
	if config.MaxFramePayload <= 0 {
		sesh.MaxFramePayload = defaultMaxFramePayload
	}
	if config.InitialStreamWindow <= 0 {
		sesh.InitialStreamWindow = defaultInitialStreamWindow
	}
	if config.InactivityTimeout == 0 {
		sesh.InactivityTimeout = defaultInactivityTimeout
	}

	sesh.fc = makeFrameCodec(sesh.MaxFramePayload)
	sesh.maxStreamUnitWrite = sesh.MaxFramePayload
	sesh.connReceiveBufferSize = sesh.MaxFramePayload + frameHeaderLength
	sesh.writeBuf = make([]byte, sesh.MaxFramePayload+frameHeaderLength)

	time.AfterFunc(sesh.InactivityTimeout, sesh.checkTimeout)
	return sesh
}

// Attach hands the session its underlying connection and starts the read
// loop. Must be called exactly once, before any stream activity.
func (sesh *Session) Attach(conn net.Conn) {
	sesh.conn = conn
	go sesh.readLoop(conn)
}

func (sesh *Session) streamCountIncr() uint32 {
	return atomic.AddUint32(&sesh.activeStreamCount, 1)
}
func (sesh *Session) streamCountDecr() uint32 {
	return atomic.AddUint32(&sesh.activeStreamCount, ^uint32(0))
}
func (sesh *Session) streamCount() uint32 {
	return atomic.LoadUint32(&sesh.activeStreamCount)
}

// OpenStream allocates the next stream id on this session's half of the id
// space. Once the id space runs out the session is spent; callers get
// ErrExhausted and must establish a new connection.
func (sesh *Session) OpenStream() (*Stream, error) {
	if sesh.IsClosed() {
		return nil, ErrBrokenSession
	}
	var id uint32
	for {
		cur := atomic.LoadUint32(&sesh.nextStreamID)
		if cur > math.MaxUint32-2 {
			return nil, ErrExhausted
		}
		if atomic.CompareAndSwapUint32(&sesh.nextStreamID, cur, cur+2) {
			id = cur
			break
		}
	}
	stream := makeStream(sesh, id)
	sesh.streamsM.Lock()
	if sesh.IsClosed() {
		sesh.streamsM.Unlock()
		return nil, ErrBrokenSession
	}
	sesh.streams[id] = stream
	sesh.streamsM.Unlock()
	sesh.streamCountIncr()
	log.Tracef("stream %v of session %v opened", id, sesh.id)
	return stream, nil
}

// Accept blocks and returns a peer-initiated stream.
func (sesh *Session) Accept() (*Stream, error) {
	if sesh.IsClosed() {
		return nil, ErrBrokenSession
	}
	stream := <-sesh.acceptCh
	if stream == nil {
		return nil, ErrBrokenSession
	}
	log.Tracef("stream %v of session %v accepted", stream.id, sesh.id)
	return stream, nil
}

// sendFrame is the single writer path. Frames from concurrent streams are
// serialised here; nothing else writes to the connection.
func (sesh *Session) sendFrame(f *Frame) error {
	if sesh.IsClosed() {
		return ErrBrokenSession
	}
	sesh.Valve.txWait(frameHeaderLength + len(f.Payload))

	sesh.writeM.Lock()
	n, err := sesh.fc.encode(f, sesh.writeBuf)
	if err != nil {
		sesh.writeM.Unlock()
		return err
	}
	written, err := sesh.conn.Write(sesh.writeBuf[:n])
	sesh.writeM.Unlock()

	sesh.Valve.AddTx(int64(written))
	if err != nil {
		sesh.SetTerminalMsg("failed to send to remote: " + err.Error())
		sesh.passiveClose()
		return ErrBrokenSession
	}
	return nil
}

func (sesh *Session) sendWindowUpdate(streamID uint32, inc uint32) {
	var payload [4]byte
	putU32(payload[:], inc)
	f := Frame{StreamID: streamID, Type: frameWindowUpdate, Payload: payload[:]}
	// best effort: a dying connection will surface elsewhere
	_ = sesh.sendFrame(&f)
}

func (sesh *Session) readLoop(conn net.Conn) {
	d := sesh.fc.newDeframer()
	buf := make([]byte, sesh.connReceiveBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			sesh.Valve.rxWait(n)
			sesh.Valve.AddRx(int64(n))
			d.absorb(buf[:n])
		}
		if err != nil {
			log.Debugf("connection for session %v has closed: %v", sesh.id, err)
			sesh.SetTerminalMsg("connection dropped: " + err.Error())
			sesh.passiveClose()
			return
		}
		for {
			f, err := d.next()
			if err == errNeedMore {
				break
			}
			var sfe *streamFrameError
			if errors.As(err, &sfe) {
				// the deframer resynchronised past the bad frame, so only
				// the named stream is damaged
				log.Debugf("session %v received a bad frame: %v", sesh.id, err)
				sesh.resetBadStream(sfe.streamID)
				continue
			}
			if err != nil {
				// the header itself cannot be honoured and the read
				// position is lost; this takes the connection down
				log.Errorf("session %v: unrecoverable frame error: %v", sesh.id, err)
				sesh.SetTerminalMsg("unrecoverable frame error: " + err.Error())
				sesh.passiveClose()
				return
			}
			if err := sesh.recvFrame(f); err != nil {
				sesh.passiveClose()
				return
			}
		}
	}
}

// recvFrame routes one inbound frame to its stream. Runs on the read loop.
func (sesh *Session) recvFrame(f *Frame) error {
	if f.Type == frameGoAway {
		sesh.SetTerminalMsg("received a GOAWAY from peer: " + string(f.Payload))
		_ = sesh.passiveClose()
		return ErrBrokenSession
	}

	sesh.streamsM.Lock()
	if sesh.IsClosed() {
		sesh.streamsM.Unlock()
		return ErrBrokenSession
	}
	stream, existing := sesh.streams[f.StreamID]
	if !existing && f.Type == frameData && sesh.peerInitiated(f.StreamID) {
		stream = makeStream(sesh, f.StreamID)
		sesh.streams[f.StreamID] = stream
		sesh.acceptCh <- stream
		sesh.streamsM.Unlock()
		sesh.streamCountIncr()
		return stream.recvFrame(f)
	}
	sesh.streamsM.Unlock()

	if stream == nil {
		// the stream id is a tombstone of a dead stream, or was never
		// legitimately assigned: either way the frame is rejected
		log.Tracef("session %v: dropping %v frame for closed stream %v", sesh.id, f.Type, f.StreamID)
		return nil
	}

	switch f.Type {
	case frameData:
		return stream.recvFrame(f)
	case frameWindowUpdate:
		stream.window.replenish(int64(u32(f.Payload)))
	case frameReset:
		stream.recvReset(f.Payload[0], string(f.Payload[1:]))
	}
	return nil
}

func (sesh *Session) peerInitiated(streamID uint32) bool {
	if sesh.ServerSide {
		return streamID%2 == 1
	}
	return streamID%2 == 0
}

// resetBadStream tears down the stream a malformed frame was addressed to.
func (sesh *Session) resetBadStream(streamID uint32) {
	if streamID == 0 {
		return
	}
	sesh.streamsM.Lock()
	stream := sesh.streams[streamID]
	sesh.streamsM.Unlock()
	if stream != nil {
		stream.Reset(ResetProtocol, "malformed frame received")
	}
}

// closeStream tombstones a closed stream's table entry. The entry is set to
// nil rather than deleted so that frames arriving late for a dying stream
// can be told apart from a new peer-initiated stream.
func (sesh *Session) closeStream(s *Stream) {
	sesh.streamsM.Lock()
	if st, ok := sesh.streams[s.id]; !ok || st == nil {
		sesh.streamsM.Unlock()
		return
	}
	sesh.streams[s.id] = nil
	sesh.streamsM.Unlock()
	log.Tracef("stream %v of session %v closed", s.id, sesh.id)
	if sesh.streamCountDecr() == 0 {
		log.Debugf("session %v has no active stream left", sesh.id)
		time.AfterFunc(sesh.InactivityTimeout, sesh.checkTimeout)
	}
}

func (sesh *Session) SetTerminalMsg(msg string) {
	sesh.terminalMsgSetter.Do(func() {
		log.Debug("terminal message set to " + msg)
		sesh.terminalMsg = msg
	})
}

func (sesh *Session) TerminalMsg() string {
	return sesh.terminalMsg
}

func (sesh *Session) closeSession(reason error) error {
	if !atomic.CompareAndSwapUint32(&sesh.closed, 0, 1) {
		log.Debugf("session %v has already been closed", sesh.id)
		return errRepeatSessionClosing
	}

	sesh.streamsM.Lock()
	close(sesh.acceptCh)
	for id, stream := range sesh.streams {
		if stream != nil {
			stream.finish(reason)
			sesh.streams[id] = nil
			sesh.streamCountDecr()
		}
	}
	sesh.streamsM.Unlock()
	return nil
}

// passiveClose tears the session down after the connection failed or the
// peer announced closure. Every surviving stream terminates with
// ErrBrokenSession.
func (sesh *Session) passiveClose() error {
	log.Debugf("attempting to passively close session %v", sesh.id)
	err := sesh.closeSession(ErrBrokenSession)
	if err != nil {
		return err
	}
	if sesh.conn != nil {
		sesh.conn.Close()
	}
	log.Debugf("session %v closed", sesh.id)
	return nil
}

// Close actively closes the session, notifying the peer with a GOAWAY.
func (sesh *Session) Close() error {
	log.Debugf("attempting to actively close session %v", sesh.id)
	sesh.SetTerminalMsg("closed locally")

	if sesh.conn != nil && !sesh.IsClosed() {
		f := Frame{StreamID: 0, Type: frameGoAway, Payload: []byte(sesh.terminalMsg)}
		sesh.writeM.Lock()
		if n, err := sesh.fc.encode(&f, sesh.writeBuf); err == nil {
			_, _ = sesh.conn.Write(sesh.writeBuf[:n])
		}
		sesh.writeM.Unlock()
	}

	err := sesh.closeSession(ErrBrokenSession)
	if err != nil {
		return err
	}
	if sesh.conn != nil {
		sesh.conn.Close()
	}
	log.Debugf("session %v closed gracefully", sesh.id)
	return nil
}

func (sesh *Session) IsClosed() bool {
	return atomic.LoadUint32(&sesh.closed) == 1
}

func (sesh *Session) checkTimeout() {
	if sesh.streamCount() == 0 && !sesh.IsClosed() {
		sesh.SetTerminalMsg("timeout")
		sesh.Close()
	}
}

func (sesh *Session) LocalAddr() net.Addr {
	if sesh.conn == nil {
		return nil
	}
	return sesh.conn.LocalAddr()
}

func (sesh *Session) RemoteAddr() net.Addr {
	if sesh.conn == nil {
		return nil
	}
	return sesh.conn.RemoteAddr()
}
