package transports

import (
	"crypto/tls"
	"net"

	"github.com/veecore/tonic/internal/common"
)

// Direct connects straight to the remote over TCP, optionally wrapped in
// TLS. A nil TLSConfig yields a plaintext connection.
type Direct struct {
	Dialer    common.Dialer
	TLSConfig *tls.Config
	KeepAlive int // seconds between TCP keepalives; <= 0 disables them
}

func (t *Direct) Connect(remoteAddr string) (net.Conn, error) {
	conn, err := orDefaultDialer(t.Dialer).Dial("tcp", remoteAddr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok && t.KeepAlive > 0 {
		_ = tcpConn.SetKeepAlive(true)
	}
	if t.TLSConfig == nil {
		return conn, nil
	}
	tlsConn := tls.Client(conn, t.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
