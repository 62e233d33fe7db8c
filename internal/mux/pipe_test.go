package mux

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPipeReadBlocksUntilWrite(t *testing.T) {
	p := newBufferedPipe()
	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := p.Read(buf)
		done <- buf[:n]
	}()

	select {
	case <-done:
		t.Fatal("read returned before any data arrived")
	case <-time.After(50 * time.Millisecond):
	}

	p.Write([]byte("hello"))
	select {
	case got := <-done:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(time.Second):
		t.Fatal("read did not resume after write")
	}
}

func TestPipeGracefulCloseDrains(t *testing.T) {
	p := newBufferedPipe()
	p.Write([]byte("last words"))
	p.CloseWithError(nil)

	buf := make([]byte, 16)
	n, err := p.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, []byte("last words"), buf[:n])

	_, err = p.Read(buf)
	assert.Equal(t, io.EOF, err)

	_, err = p.Write([]byte("too late"))
	assert.Equal(t, io.ErrClosedPipe, err)
}

func TestPipeDiscardDropsBuffered(t *testing.T) {
	p := newBufferedPipe()
	p.Write([]byte("never delivered"))
	reason := errors.New("stream reset")
	p.discard(reason)

	_, err := p.Read(make([]byte, 16))
	assert.Equal(t, reason, err)
}

func TestPipeReadDeadline(t *testing.T) {
	p := newBufferedPipe()
	p.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	_, err := p.Read(make([]byte, 1))
	assert.Equal(t, ErrReadTimeout, err)
}
