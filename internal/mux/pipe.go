// Modelled on https://github.com/golang/go/blob/0436b162397018c45068b47ca1b5924a3eafdee0/src/net/net_fake.go#L173

package mux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

var ErrReadTimeout = errors.New("read deadline exceeded")

// bufferedPipe is a stream's inbound buffer. Read blocks until data is
// available, the pipe is closed, or the read deadline passes. Closing with
// nil reason lets buffered data drain and then yields io.EOF; closing with a
// reason surfaces that error instead. discard additionally drops whatever
// is buffered, which is the reset path.
type bufferedPipe struct {
	// only alloc when first used
	buf *bytes.Buffer

	closed    bool
	closeErr  error
	rwCond    *sync.Cond
	rDeadline time.Time
}

func newBufferedPipe() *bufferedPipe {
	return &bufferedPipe{
		rwCond: sync.NewCond(&sync.Mutex{}),
	}
}

func (p *bufferedPipe) Read(target []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	for {
		if p.closed && p.buf.Len() == 0 {
			if p.closeErr != nil {
				return 0, p.closeErr
			}
			return 0, io.EOF
		}
		if !p.rDeadline.IsZero() {
			d := time.Until(p.rDeadline)
			if d <= 0 {
				return 0, ErrReadTimeout
			}
			time.AfterFunc(d, p.rwCond.Broadcast)
		}
		if p.buf.Len() > 0 {
			break
		}
		p.rwCond.Wait()
	}
	n, err := p.buf.Read(target)
	// err is always nil here because buf.Len() != 0 was just verified
	p.rwCond.Broadcast()
	return n, err
}

func (p *bufferedPipe) Write(input []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := p.buf.Write(input)
	// err is always nil
	p.rwCond.Broadcast()
	return n, err
}

func (p *bufferedPipe) CloseWithError(reason error) error {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	if !p.closed {
		p.closed = true
		p.closeErr = reason
	}
	p.rwCond.Broadcast()
	return nil
}

// discard closes the pipe and throws away undelivered data.
func (p *bufferedPipe) discard(reason error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	if !p.closed {
		p.closed = true
		p.closeErr = reason
	}
	if p.buf != nil {
		p.buf.Reset()
	}
	p.rwCond.Broadcast()
}

func (p *bufferedPipe) SetReadDeadline(t time.Time) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.rDeadline = t
	p.rwCond.Broadcast()
}
