package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/veecore/tonic/internal/mux"
	"github.com/veecore/tonic/internal/wire"
	"github.com/veecore/tonic/status"
)

var ErrChannelClosed = errors.New("channel is closed")

// A Channel is the client-facing entry point: a process-lifetime object all
// calls are issued through. It owns at most one live session at a time and
// establishes a fresh one lazily when a call finds none. A connection lost
// mid-call fails the calls in flight; it is never re-established for them,
// only for subsequent calls.
type Channel struct {
	remote RemoteConnConfig

	sessionM   sync.Mutex
	session    *mux.Session
	sessionSeq uint32

	closed uint32
}

// NewChannel validates config and returns a channel. No connection is made
// until the first call.
func NewChannel(config Config) (*Channel, error) {
	remote, err := config.Process()
	if err != nil {
		return nil, err
	}
	return &Channel{remote: remote}, nil
}

func (ch *Channel) getSession() (*mux.Session, error) {
	if atomic.LoadUint32(&ch.closed) == 1 {
		return nil, ErrChannelClosed
	}
	ch.sessionM.Lock()
	defer ch.sessionM.Unlock()
	if ch.session != nil && !ch.session.IsClosed() {
		return ch.session, nil
	}

	conn, err := ch.remote.TransportMaker().Connect(ch.remote.RemoteAddr)
	if err != nil {
		return nil, status.WrapErr(status.Unavailable, err).Err()
	}
	sesh := mux.MakeSession(atomic.AddUint32(&ch.sessionSeq, 1), mux.SessionConfig{
		Valve:               ch.remote.Valve,
		MaxFramePayload:     ch.remote.MaxFramePayload,
		InitialStreamWindow: ch.remote.StreamWindow,
		InactivityTimeout:   ch.remote.InactivityTimeout,
	})
	sesh.Attach(conn)
	ch.session = sesh
	log.Infof("established a new connection to %v", ch.remote.RemoteAddr)
	return sesh, nil
}

// dropSession forgets a session that is spent or broken, so the next call
// dials fresh.
func (ch *Channel) dropSession(old *mux.Session) {
	ch.sessionM.Lock()
	if ch.session == old {
		ch.session = nil
	}
	ch.sessionM.Unlock()
}

// openStream obtains a stream, renewing the connection once if the current
// session is broken or its stream id space is exhausted.
func (ch *Channel) openStream() (*mux.Stream, error) {
	for attempt := 0; ; attempt++ {
		sesh, err := ch.getSession()
		if err != nil {
			return nil, err
		}
		stream, err := sesh.OpenStream()
		if err == nil {
			return stream, nil
		}
		if attempt == 0 && (errors.Is(err, mux.ErrExhausted) || errors.Is(err, mux.ErrBrokenSession)) {
			log.Debugf("renewing connection to %v: %v", ch.remote.RemoteAddr, err)
			ch.dropSession(sesh)
			continue
		}
		return nil, status.WrapErr(status.Unavailable, err).Err()
	}
}

// NewCall opens a call without sending any message, for the streaming call
// shapes. The caller drives it with SendMsg, CloseSend and RecvMsg.
func (ch *Channel) NewCall(ctx context.Context, method string, opts ...CallOption) (*Call, error) {
	callOpts := ch.defaultCallOptions()
	for _, opt := range opts {
		if err := opt(&callOpts); err != nil {
			return nil, err
		}
	}

	stream, err := ch.openStream()
	if err != nil {
		return nil, err
	}

	c := &Call{
		method:  method,
		codec:   callOpts.codec,
		comp:    callOpts.compressor,
		maxRecv: callOpts.maxRecvMsgSize,
		maxSend: callOpts.maxSendMsgSize,
		stream:  stream,
		state:   int32(callCreated),
		done:    make(chan struct{}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.deadline = deadline
	}

	encoding := ""
	if c.comp != nil {
		encoding = c.comp.Name()
	}
	hdr := wire.CallHeader{Method: method, Codec: c.codec.Name(), Encoding: encoding}
	if err := wire.WriteRecord(stream, wire.RecordFlagCall, hdr.Marshal()); err != nil {
		return nil, c.failTransport(err)
	}
	atomic.StoreInt32(&c.state, int32(callSending))

	go c.watch(ctx)
	log.Tracef("call %v opened on stream %v", method, stream.ID())
	return c, nil
}

// Invoke performs a unary call: one request message, one response message,
// one terminal status.
func (ch *Channel) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...CallOption) error {
	call, err := ch.NewCall(ctx, method, opts...)
	if err != nil {
		return err
	}
	if err := call.SendMsg(args); err != nil {
		return err
	}
	if err := call.CloseSend(); err != nil {
		return err
	}
	if err := call.RecvMsg(reply); err != nil {
		if err == io.EOF {
			// the peer reported success without ever sending the unary
			// response message
			return status.New(status.Internal, "missing response message").Err()
		}
		return err
	}
	// nothing but the trailer may follow a unary response
	if err := call.RecvMsg(nil); err != nil && err != io.EOF {
		return err
	}
	return call.Err()
}

// Close tears the channel down. Calls in flight complete Unavailable.
func (ch *Channel) Close() error {
	if !atomic.CompareAndSwapUint32(&ch.closed, 0, 1) {
		return ErrChannelClosed
	}
	ch.sessionM.Lock()
	sesh := ch.session
	ch.session = nil
	ch.sessionM.Unlock()
	if sesh != nil {
		return sesh.Close()
	}
	return nil
}
