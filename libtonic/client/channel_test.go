package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cbeuw/connutil"
	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/veecore/tonic/codec"
	"github.com/veecore/tonic/compress"
	"github.com/veecore/tonic/internal/mux"
	"github.com/veecore/tonic/internal/wire"
	"github.com/veecore/tonic/libtonic/client/transports"
	"github.com/veecore/tonic/status"
)

const testMethod = "/echo.Echo/UnaryEcho"

type peerHandler func(hdr *wire.CallHeader, stream *mux.Stream)

// pipeTransport stands in for the network: each Connect spins up an
// in-process peer session on the other end of a synchronous pipe.
type pipeTransport struct {
	handler peerHandler

	mu       sync.Mutex
	sessions []*mux.Session
	dials    int
}

func (pt *pipeTransport) Connect(string) (net.Conn, error) {
	clientConn, peerConn := connutil.AsyncPipe()
	sesh := mux.MakeSession(1, mux.SessionConfig{ServerSide: true})
	sesh.Attach(peerConn)
	pt.mu.Lock()
	pt.sessions = append(pt.sessions, sesh)
	pt.dials++
	pt.mu.Unlock()
	go func() {
		for {
			stream, err := sesh.Accept()
			if err != nil {
				return
			}
			go func(stream *mux.Stream) {
				flags, payload, err := wire.ReadRecord(stream, defaultMaxRecvMsgSize)
				if err != nil || flags&wire.RecordFlagCall == 0 {
					stream.Reset(mux.ResetProtocol, "expected a call header")
					return
				}
				hdr, err := wire.ParseCallHeader(payload)
				if err != nil {
					stream.Reset(mux.ResetProtocol, err.Error())
					return
				}
				pt.handler(hdr, stream)
			}(stream)
		}
	}()
	return clientConn, nil
}

func (pt *pipeTransport) dialCount() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.dials
}

func (pt *pipeTransport) breakAll() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, sesh := range pt.sessions {
		_ = sesh.Close()
	}
}

func makeTestChannel(t *testing.T, handler peerHandler) (*Channel, *pipeTransport) {
	t.Helper()
	protoCodec, err := codec.Lookup(codec.Proto)
	assert.NoError(t, err)
	pt := &pipeTransport{handler: handler}
	ch := &Channel{remote: RemoteConnConfig{
		RemoteAddr:     "in-process:0",
		TransportMaker: func() transports.Transport { return pt },
		Codec:          protoCodec,
		MaxRecvMsgSize: defaultMaxRecvMsgSize,
	}}
	return ch, pt
}

// echoPeer mirrors every message record back with the same flags, then
// reports success in a trailer.
func echoPeer(_ *wire.CallHeader, stream *mux.Stream) {
	for {
		flags, payload, err := wire.ReadRecord(stream, defaultMaxRecvMsgSize)
		if err != nil {
			if err != io.EOF {
				return
			}
			break
		}
		if err := wire.WriteRecord(stream, flags, payload); err != nil {
			return
		}
	}
	_ = wire.WriteRecord(stream, wire.RecordFlagTrailer, wire.MarshalTrailer(status.New(status.Ok, "")))
	_ = stream.CloseWrite()
}

func TestInvokeUnary(t *testing.T) {
	ch, pt := makeTestChannel(t, echoPeer)
	defer ch.Close()
	assert.Equal(t, 0, pt.dialCount(), "a channel must not connect before its first call")

	reply := &wrapperspb.StringValue{}
	err := ch.Invoke(context.Background(), testMethod, wrapperspb.String("ping"), reply)
	assert.NoError(t, err)
	assert.Equal(t, "ping", reply.Value)
	assert.Equal(t, 1, pt.dialCount())

	// the session is reused across calls
	err = ch.Invoke(context.Background(), testMethod, wrapperspb.String("pong"), reply)
	assert.NoError(t, err)
	assert.Equal(t, "pong", reply.Value)
	assert.Equal(t, 1, pt.dialCount())
}

func TestInvokeServerError(t *testing.T) {
	ch, _ := makeTestChannel(t, func(_ *wire.CallHeader, stream *mux.Stream) {
		_, _ = io.Copy(io.Discard, stream)
		_ = wire.WriteRecord(stream, wire.RecordFlagTrailer,
			wire.MarshalTrailer(status.New(status.Internal, "boom")))
		_ = stream.CloseWrite()
	})
	defer ch.Close()

	err := ch.Invoke(context.Background(), testMethod, wrapperspb.String("ping"), &wrapperspb.StringValue{})
	assert.Error(t, err)
	st := status.FromError(err)
	assert.Equal(t, status.Internal, st.Code())
	assert.Equal(t, "boom", st.Message())
}

func TestInvokeMissingResponse(t *testing.T) {
	ch, _ := makeTestChannel(t, func(_ *wire.CallHeader, stream *mux.Stream) {
		// a success trailer with no response message at all
		_, _ = io.Copy(io.Discard, stream)
		_ = wire.WriteRecord(stream, wire.RecordFlagTrailer, wire.MarshalTrailer(status.New(status.Ok, "")))
		_ = stream.CloseWrite()
	})
	defer ch.Close()

	err := ch.Invoke(context.Background(), testMethod, wrapperspb.String("ping"), &wrapperspb.StringValue{})
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
	var se *status.Error
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, status.Internal, se.Status().Code())
	assert.Contains(t, se.Status().Message(), "missing response")
}

func TestDeadlineResetsStreamOnce(t *testing.T) {
	resetCh := make(chan error, 1)
	ch, _ := makeTestChannel(t, func(_ *wire.CallHeader, stream *mux.Stream) {
		// the peer never answers; the first read error is the client's reset
		_, err := stream.Read(make([]byte, 1))
		resetCh <- err
	})
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	call, err := ch.NewCall(ctx, testMethod)
	assert.NoError(t, err)

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		assert.Fail(t, "call did not complete on deadline expiry")
	}
	assert.Equal(t, status.DeadlineExceeded, call.Status().Code())

	var re *mux.StreamResetError
	select {
	case err := <-resetCh:
		assert.ErrorAs(t, err, &re)
		assert.EqualValues(t, mux.ResetDeadline, re.Code)
	case <-time.After(time.Second):
		assert.Fail(t, "peer never observed the reset")
	}
}

func TestDeadlineBeatsFinalResponse(t *testing.T) {
	ch, _ := makeTestChannel(t, echoPeer)
	defer ch.Close()

	call, err := ch.NewCall(context.Background(), testMethod)
	assert.NoError(t, err)
	// the deadline elapsed while a successful end was in flight: expiry is
	// authoritative and the response is discarded
	call.deadline = time.Now().Add(-time.Millisecond)
	call.completeEnd(status.New(status.Ok, ""))
	assert.Equal(t, status.DeadlineExceeded, call.Status().Code())

	<-call.Done()
	assert.Error(t, call.Err())
}

func TestFinalResponseBeatsDeadline(t *testing.T) {
	ch, _ := makeTestChannel(t, echoPeer)
	defer ch.Close()

	// generous deadline: the response arrives first and the call completes Ok
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply := &wrapperspb.StringValue{}
	err := ch.Invoke(ctx, testMethod, wrapperspb.String("quick"), reply)
	assert.NoError(t, err)
	assert.Equal(t, "quick", reply.Value)

	// the same ordering at the decision point itself: a terminal delivered
	// while the deadline is still unexpired is accepted as is
	call, err := ch.NewCall(ctx, testMethod)
	assert.NoError(t, err)
	call.completeEnd(status.New(status.Ok, ""))
	assert.Equal(t, status.Ok, call.Status().Code())
	assert.NoError(t, call.Err())
}

func TestCancellationLocalFirst(t *testing.T) {
	resetCh := make(chan error, 1)
	ch, _ := makeTestChannel(t, func(_ *wire.CallHeader, stream *mux.Stream) {
		_, err := stream.Read(make([]byte, 1))
		resetCh <- err
	})
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	call, err := ch.NewCall(ctx, testMethod)
	assert.NoError(t, err)

	cancel()
	// cancellation takes effect locally without waiting on the peer
	select {
	case <-call.Done():
	case <-time.After(500 * time.Millisecond):
		assert.Fail(t, "cancellation did not complete the call promptly")
	}
	assert.Equal(t, status.Cancelled, call.Status().Code())
	assert.Equal(t, status.Cancelled, status.CodeOf(call.Err()))

	var re *mux.StreamResetError
	select {
	case err := <-resetCh:
		assert.ErrorAs(t, err, &re)
		assert.EqualValues(t, mux.ResetCancel, re.Code)
	case <-time.After(time.Second):
		assert.Fail(t, "peer never observed the reset")
	}
}

func TestConnectionLossFailsCallsInFlight(t *testing.T) {
	ch, pt := makeTestChannel(t, echoPeer)
	defer ch.Close()

	callA, err := ch.NewCall(context.Background(), testMethod)
	assert.NoError(t, err)
	callB, err := ch.NewCall(context.Background(), testMethod)
	assert.NoError(t, err)
	assert.Equal(t, 1, pt.dialCount())

	errCh := make(chan error, 2)
	for _, call := range []*Call{callA, callB} {
		go func(call *Call) {
			errCh <- call.RecvMsg(&wrapperspb.StringValue{})
		}(call)
	}

	pt.breakAll()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			assert.Equal(t, status.Unavailable, status.CodeOf(err))
		case <-time.After(time.Second):
			assert.Fail(t, "call in flight survived the connection loss")
		}
	}

	// the lost connection is never re-established for the failed calls,
	// only lazily for the next one
	reply := &wrapperspb.StringValue{}
	err = ch.Invoke(context.Background(), testMethod, wrapperspb.String("again"), reply)
	assert.NoError(t, err)
	assert.Equal(t, "again", reply.Value)
	assert.Equal(t, 2, pt.dialCount())
}

func TestCompressedCall(t *testing.T) {
	var sawCompressed uint32
	var gotEncoding atomic.Value
	ch, _ := makeTestChannel(t, func(hdr *wire.CallHeader, stream *mux.Stream) {
		gotEncoding.Store(hdr.Encoding)
		for {
			flags, payload, err := wire.ReadRecord(stream, defaultMaxRecvMsgSize)
			if err != nil {
				break
			}
			if flags&wire.RecordFlagCompressed != 0 {
				atomic.StoreUint32(&sawCompressed, 1)
			}
			_ = wire.WriteRecord(stream, flags, payload)
		}
		_ = wire.WriteRecord(stream, wire.RecordFlagTrailer, wire.MarshalTrailer(status.New(status.Ok, "")))
		_ = stream.CloseWrite()
	})
	defer ch.Close()
	gzipComp, err := compress.Lookup("gzip")
	assert.NoError(t, err)
	ch.remote.Compressor = gzipComp

	reply := &wrapperspb.StringValue{}
	err = ch.Invoke(context.Background(), testMethod, wrapperspb.String("squeeze me"), reply)
	assert.NoError(t, err)
	assert.Equal(t, "squeeze me", reply.Value)
	assert.EqualValues(t, 1, atomic.LoadUint32(&sawCompressed))
	assert.Equal(t, "gzip", gotEncoding.Load())
}

func TestMaxRecvMsgSize(t *testing.T) {
	ch, _ := makeTestChannel(t, echoPeer)
	defer ch.Close()

	big := wrapperspb.String("well over sixteen bytes of response payload")
	err := ch.Invoke(context.Background(), testMethod, big, &wrapperspb.StringValue{},
		WithMaxRecvMsgSize(16))
	assert.Equal(t, status.Internal, status.CodeOf(err))
}

func TestMaxSendMsgSize(t *testing.T) {
	ch, _ := makeTestChannel(t, echoPeer)
	defer ch.Close()

	big := wrapperspb.String("well over sixteen bytes of request payload")
	err := ch.Invoke(context.Background(), testMethod, big, &wrapperspb.StringValue{},
		WithMaxSendMsgSize(16))
	assert.Equal(t, status.Internal, status.CodeOf(err))
}

func TestCallOptionOverrides(t *testing.T) {
	var gotHeader atomic.Value
	ch, _ := makeTestChannel(t, func(hdr *wire.CallHeader, stream *mux.Stream) {
		gotHeader.Store(hdr)
		echoPeer(hdr, stream)
	})
	defer ch.Close()

	var reply []byte
	err := ch.Invoke(context.Background(), testMethod, []byte("raw bytes"), &reply,
		WithCodec(codec.Raw))
	assert.NoError(t, err)
	assert.Equal(t, []byte("raw bytes"), reply)
	hdr := gotHeader.Load().(*wire.CallHeader)
	assert.Equal(t, codec.Raw, hdr.Codec)
	assert.Equal(t, testMethod, hdr.Method)
}

func TestChannelClose(t *testing.T) {
	ch, _ := makeTestChannel(t, echoPeer)
	err := ch.Invoke(context.Background(), testMethod, wrapperspb.String("x"), &wrapperspb.StringValue{})
	assert.NoError(t, err)

	assert.NoError(t, ch.Close())
	assert.Equal(t, ErrChannelClosed, ch.Close())

	err = ch.Invoke(context.Background(), testMethod, wrapperspb.String("x"), &wrapperspb.StringValue{})
	assert.True(t, errors.Is(err, ErrChannelClosed))
}
