package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veecore/tonic/codec"
	"github.com/veecore/tonic/compress"
	"github.com/veecore/tonic/internal/mux"
	"github.com/veecore/tonic/internal/wire"
	"github.com/veecore/tonic/status"
)

// Call lifecycle. A call is created, sends its request message(s), awaits
// the response, possibly streams further messages, and completes with
// exactly one terminal status.
type callState int32

const (
	callCreated callState = iota
	callSending
	callAwaitingResponse
	callStreaming
	callCompleted
)

// A Call is one RPC in flight: the client half of the state machine driving
// a single stream. Unary invocations go through Channel.Invoke; the
// streaming shapes use SendMsg/CloseSend/RecvMsg directly.
type Call struct {
	method  string
	codec   codec.Codec
	comp    compress.Compressor
	maxRecv int
	maxSend int

	stream *mux.Stream

	// zero if the caller set no deadline
	deadline time.Time

	state int32

	// completed is the single authoritative decision point: whoever wins
	// this CAS decides the terminal status, and everyone else observes it
	completed uint32
	statusV   atomic.Value // *status.Status
	done      chan struct{}

	sendM sync.Mutex
	recvM sync.Mutex
}

func (c *Call) Method() string { return c.method }

// Done is closed once the call carries its terminal status.
func (c *Call) Done() <-chan struct{} { return c.done }

// Status returns the terminal status, or nil while the call is in flight.
func (c *Call) Status() *status.Status {
	st, _ := c.statusV.Load().(*status.Status)
	return st
}

// Err returns nil while in flight or after Ok completion, and the terminal
// status error otherwise.
func (c *Call) Err() error {
	st := c.Status()
	if st == nil {
		return nil
	}
	return st.Err()
}

func (c *Call) isCompleted() bool {
	return atomic.LoadUint32(&c.completed) == 1
}

// complete resolves the call. Exactly one invocation wins; the reset it
// issues (when asked to) is itself guarded inside the stream, so a call
// never emits more than one reset.
func (c *Call) complete(st *status.Status, resetCode uint8, sendReset bool) bool {
	if !atomic.CompareAndSwapUint32(&c.completed, 0, 1) {
		return false
	}
	c.statusV.Store(st)
	atomic.StoreInt32(&c.state, int32(callCompleted))
	if sendReset {
		c.stream.Reset(resetCode, st.String())
	} else {
		// release the stream if its graceful closure hasn't already
		_ = c.stream.Close()
	}
	close(c.done)
	log.Tracef("call %v completed with %v", c.method, st)
	return true
}

// completeEnd resolves the call from a peer-delivered terminal. Deadline
// expiry is authoritative over a final response observed in the same turn:
// if both are visible here, the call completes DeadlineExceeded and the
// response is discarded.
func (c *Call) completeEnd(st *status.Status) {
	if !c.deadline.IsZero() && !time.Now().Before(c.deadline) {
		c.complete(status.Newf(status.DeadlineExceeded, "deadline passed before %v completed", c.method),
			mux.ResetDeadline, true)
		return
	}
	c.complete(st, 0, false)
}

// failTransport resolves the call from a stream or record error and
// returns the terminal status error.
func (c *Call) failTransport(err error) error {
	st, resetCode := transportStatus(err)
	c.complete(st, resetCode, true)
	return c.Err()
}

// transportStatus maps wire-level failures onto the closed status taxonomy.
func transportStatus(err error) (*status.Status, uint8) {
	var re *mux.StreamResetError
	switch {
	case errors.As(err, &re):
		switch re.Code {
		case mux.ResetCancel:
			return status.New(status.Cancelled, re.Msg), mux.ResetCancel
		case mux.ResetDeadline:
			return status.New(status.DeadlineExceeded, re.Msg), mux.ResetDeadline
		default:
			return status.New(status.Internal, re.Msg), mux.ResetInternal
		}
	case errors.Is(err, mux.ErrBrokenSession):
		return status.WrapErr(status.Unavailable, err), mux.ResetCancel
	case errors.Is(err, wire.ErrRecordTooLarge), errors.Is(err, io.ErrUnexpectedEOF):
		return status.WrapErr(status.Internal, err), mux.ResetInternal
	case errors.Is(err, mux.ErrWriteAfterEndStream):
		return status.WrapErr(status.Internal, err), mux.ResetInternal
	default:
		return status.WrapErr(status.Unavailable, err), mux.ResetCancel
	}
}

// watch pins the call to its context: cancellation and deadline expiry
// resolve the call locally first, then reset the stream, without waiting on
// the peer.
func (c *Call) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.complete(status.Newf(status.DeadlineExceeded, "no terminal status for %v before deadline", c.method),
				mux.ResetDeadline, true)
		} else {
			c.complete(status.New(status.Cancelled, "call cancelled by caller"), mux.ResetCancel, true)
		}
	case <-c.done:
	}
}

// SendMsg serialises and sends one request message, blocking on stream
// flow control as needed.
func (c *Call) SendMsg(m interface{}) error {
	c.sendM.Lock()
	defer c.sendM.Unlock()
	if c.isCompleted() {
		return c.Err()
	}

	data, err := c.codec.Marshal(m)
	if err != nil {
		c.complete(status.WrapErr(status.Internal, err), mux.ResetInternal, true)
		return c.Err()
	}
	var flags uint8
	if c.comp != nil {
		data, err = c.comp.Compress(data)
		if err != nil {
			c.complete(status.WrapErr(status.Internal, err), mux.ResetInternal, true)
			return c.Err()
		}
		flags |= wire.RecordFlagCompressed
	}
	if c.maxSend > 0 && len(data) > c.maxSend {
		c.complete(status.Newf(status.Internal, "outbound message of %v bytes exceeds the %v byte send limit", len(data), c.maxSend),
			mux.ResetInternal, true)
		return c.Err()
	}
	if err := wire.WriteRecord(c.stream, flags, data); err != nil {
		return c.failTransport(err)
	}
	return nil
}

// CloseSend signals end of input: no more request messages will follow.
func (c *Call) CloseSend() error {
	c.sendM.Lock()
	defer c.sendM.Unlock()
	if c.isCompleted() {
		return c.Err()
	}
	if err := c.stream.CloseWrite(); err != nil {
		return c.failTransport(err)
	}
	atomic.CompareAndSwapInt32(&c.state, int32(callSending), int32(callAwaitingResponse))
	return nil
}

// RecvMsg blocks until the next response message arrives and deserialises
// it into m. It returns io.EOF once the call has completed Ok with no
// further messages, and the terminal status error for any other
// completion. Passing a nil m rejects any further data message.
func (c *Call) RecvMsg(m interface{}) error {
	c.recvM.Lock()
	defer c.recvM.Unlock()
	if c.isCompleted() {
		if st := c.Status(); st != nil && st.Code() == status.Ok {
			return io.EOF
		}
		return c.Err()
	}

	flags, payload, err := wire.ReadRecord(c.stream, c.maxRecv)
	if err != nil {
		if err == io.EOF {
			// the peer ended the stream without a trailer: a minimal peer's
			// way of reporting success
			c.completeEnd(status.New(status.Ok, ""))
		} else {
			return c.failTransport(err)
		}
		if st := c.Status(); st.Code() == status.Ok {
			return io.EOF
		}
		return c.Err()
	}

	if flags&wire.RecordFlagTrailer != 0 {
		st, perr := wire.ParseTrailer(payload)
		if perr != nil {
			c.complete(status.WrapErr(status.Internal, perr), mux.ResetInternal, true)
			return c.Err()
		}
		c.completeEnd(st)
		if final := c.Status(); final.Code() == status.Ok {
			return io.EOF
		}
		return c.Err()
	}

	if m == nil {
		c.complete(status.Newf(status.Internal, "unexpected message after %v's response", c.method),
			mux.ResetInternal, true)
		return c.Err()
	}

	atomic.CompareAndSwapInt32(&c.state, int32(callAwaitingResponse), int32(callStreaming))

	if flags&wire.RecordFlagCompressed != 0 {
		if c.comp == nil {
			c.complete(status.New(status.Internal, "peer compressed a message but no encoding was negotiated"),
				mux.ResetInternal, true)
			return c.Err()
		}
		payload, err = c.comp.Decompress(payload)
		if err != nil {
			c.complete(status.WrapErr(status.Internal, err), mux.ResetInternal, true)
			return c.Err()
		}
	}
	if err := c.codec.Unmarshal(payload, m); err != nil {
		c.complete(status.WrapErr(status.Internal, err), mux.ResetInternal, true)
		return c.Err()
	}
	return nil
}
