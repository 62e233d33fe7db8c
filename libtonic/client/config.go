package client

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/veecore/tonic/codec"
	"github.com/veecore/tonic/compress"
	"github.com/veecore/tonic/internal/mux"
	"github.com/veecore/tonic/libtonic/client/transports"
)

// Config contains the configuration parameter fields for a channel
type Config struct {
	// Required fields
	// RemoteHost is the server's hostname or IP address
	RemoteHost string

	// Optional fields
	// RemotePort is the port the server is listening to.
	// Defaults to 50051
	RemotePort string
	// Transport is either `direct` or `ws`. Under `direct` the channel
	// connects to the server over plain TCP. Under `ws` the frame flow is
	// tunnelled through a binary websocket.
	// Defaults to `direct`
	Transport string
	// TLS wraps the underlying connections in TLS
	TLS bool
	// ServerName is the name presented during the TLS handshake.
	// Defaults to RemoteHost
	ServerName string
	// SkipVerify disables TLS certificate verification. For testing only
	SkipVerify bool
	// Codec is the content-subtype payloads are serialised with, unless a
	// call overrides it. Valid values are `proto`, `json` and `raw`.
	// Defaults to `proto`
	Codec string
	// Compression is the content-encoding applied to outbound messages.
	// The empty string disables compression
	Compression string
	// MaxFramePayload is the maximum size of one frame's payload on the
	// wire, in bytes
	MaxFramePayload *int
	// StreamWindow is the initial flow-control credit of each stream, in
	// bytes
	StreamWindow *int
	// MaxRecvMsgSize bounds a single inbound message.
	// Defaults to 4194304 (4MiB)
	MaxRecvMsgSize *int
	// MaxSendMsgSize bounds a single outbound message after serialisation.
	// 0 means unbounded
	MaxSendMsgSize *int
	// InactivityTimeout is the number of seconds an idle connection is kept
	// after its last call completes.
	// Defaults to 30
	InactivityTimeout *int
	// RxRate and TxRate limit connection throughput in bytes per second.
	// 0 means unlimited
	RxRate int64
	TxRate int64
	// KeepAlive enables TCP keepalives on the underlying connections when
	// positive. 0 means none are sent
	KeepAlive int
}

// RemoteConnConfig is a processed Config, ready to drive a Channel.
type RemoteConnConfig struct {
	RemoteAddr        string
	TransportMaker    func() transports.Transport
	Codec             codec.Codec
	Compressor        compress.Compressor
	MaxFramePayload   int
	StreamWindow      int64
	MaxRecvMsgSize    int
	MaxSendMsgSize    int
	InactivityTimeout time.Duration
	Valve             *mux.Valve
}

const defaultMaxRecvMsgSize = 4 << 20

// ParseConfig reads a Config from a json file.
func ParseConfig(path string) (raw *Config, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return
	}
	raw = new(Config)
	err = json.Unmarshal(content, raw)
	return
}

// Process validates raw and fills the defaults in.
func (raw *Config) Process() (remote RemoteConnConfig, err error) {
	if raw.RemoteHost == "" {
		err = fmt.Errorf("RemoteHost cannot be empty")
		return
	}

	port := raw.RemotePort
	if port == "" {
		port = "50051"
	}
	remote.RemoteAddr = net.JoinHostPort(raw.RemoteHost, port)

	codecName := raw.Codec
	if codecName == "" {
		codecName = codec.Proto
	}
	remote.Codec, err = codec.Lookup(codecName)
	if err != nil {
		return
	}

	if raw.Compression != "" {
		remote.Compressor, err = compress.Lookup(raw.Compression)
		if err != nil {
			return
		}
	}

	var tlsConfig *tls.Config
	if raw.TLS {
		serverName := raw.ServerName
		if serverName == "" {
			serverName = raw.RemoteHost
		}
		tlsConfig = &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: raw.SkipVerify,
		}
	}

	switch raw.Transport {
	case "", "direct":
		remote.TransportMaker = func() transports.Transport {
			return &transports.Direct{TLSConfig: tlsConfig, KeepAlive: raw.KeepAlive}
		}
	case "ws":
		host := raw.ServerName
		remote.TransportMaker = func() transports.Transport {
			return &transports.WebSocket{TLSConfig: tlsConfig, Host: host}
		}
	default:
		err = fmt.Errorf("unknown transport %v", raw.Transport)
		return
	}

	if raw.MaxFramePayload != nil {
		remote.MaxFramePayload = *raw.MaxFramePayload
	}
	if raw.StreamWindow != nil {
		remote.StreamWindow = int64(*raw.StreamWindow)
	}
	remote.MaxRecvMsgSize = defaultMaxRecvMsgSize
	if raw.MaxRecvMsgSize != nil {
		remote.MaxRecvMsgSize = *raw.MaxRecvMsgSize
	}
	if raw.MaxSendMsgSize != nil {
		remote.MaxSendMsgSize = *raw.MaxSendMsgSize
	}
	if raw.InactivityTimeout != nil {
		remote.InactivityTimeout = time.Duration(*raw.InactivityTimeout) * time.Second
	}
	if raw.RxRate > 0 || raw.TxRate > 0 {
		rx, tx := raw.RxRate, raw.TxRate
		if rx <= 0 {
			rx = 1<<63 - 1
		}
		if tx <= 0 {
			tx = 1<<63 - 1
		}
		remote.Valve = mux.MakeValve(rx, tx)
	}
	return
}
