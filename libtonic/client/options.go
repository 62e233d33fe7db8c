package client

import (
	"github.com/veecore/tonic/codec"
	"github.com/veecore/tonic/compress"
)

// CallOption overrides a channel default for one call.
type CallOption func(*callOptions) error

type callOptions struct {
	codec          codec.Codec
	compressor     compress.Compressor
	maxRecvMsgSize int
	maxSendMsgSize int
}

func (ch *Channel) defaultCallOptions() callOptions {
	return callOptions{
		codec:          ch.remote.Codec,
		compressor:     ch.remote.Compressor,
		maxRecvMsgSize: ch.remote.MaxRecvMsgSize,
		maxSendMsgSize: ch.remote.MaxSendMsgSize,
	}
}

// WithCodec selects the content-subtype this call's payloads are serialised
// with.
func WithCodec(name string) CallOption {
	return func(o *callOptions) error {
		c, err := codec.Lookup(name)
		if err != nil {
			return err
		}
		o.codec = c
		return nil
	}
}

// WithCompression selects the content-encoding for this call's outbound
// messages.
func WithCompression(name string) CallOption {
	return func(o *callOptions) error {
		c, err := compress.Lookup(name)
		if err != nil {
			return err
		}
		o.compressor = c
		return nil
	}
}

// WithoutCompression sends this call's messages uncompressed even when the
// channel compresses by default.
func WithoutCompression() CallOption {
	return func(o *callOptions) error {
		o.compressor = nil
		return nil
	}
}

// WithMaxRecvMsgSize bounds a single inbound message for this call.
func WithMaxRecvMsgSize(n int) CallOption {
	return func(o *callOptions) error {
		o.maxRecvMsgSize = n
		return nil
	}
}

// WithMaxSendMsgSize bounds a single outbound message for this call.
func WithMaxSendMsgSize(n int) CallOption {
	return func(o *callOptions) error {
		o.maxSendMsgSize = n
		return nil
	}
}
