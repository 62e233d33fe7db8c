// Package transports provides the connection providers a Channel draws its
// underlying connections from. A Transport owns connection establishment,
// including any transport security handshake; the channel and multiplexer
// above it only ever see a net.Conn of raw bytes.
package transports

import (
	"net"

	"github.com/veecore/tonic/internal/common"
)

type Transport interface {
	// Connect establishes one connection to the remote, ready to carry
	// frames.
	Connect(remoteAddr string) (net.Conn, error)
}

type defaultDialer struct{}

func (defaultDialer) Dial(network, address string) (net.Conn, error) {
	return net.Dial(network, address)
}

func orDefaultDialer(d common.Dialer) common.Dialer {
	if d == nil {
		return defaultDialer{}
	}
	return d
}
