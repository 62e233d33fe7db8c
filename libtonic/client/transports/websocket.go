package transports

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/veecore/tonic/internal/common"
)

// WebSocket tunnels the frame flow through a binary websocket, for remotes
// only reachable through an HTTP-speaking front.
type WebSocket struct {
	Dialer    common.Dialer
	TLSConfig *tls.Config
	// Host is the Host header presented during the upgrade. Defaults to the
	// remote address.
	Host string
}

func (t *WebSocket) Connect(remoteAddr string) (net.Conn, error) {
	conn, err := orDefaultDialer(t.Dialer).Dial("tcp", remoteAddr)
	if err != nil {
		return nil, err
	}
	if t.TLSConfig != nil {
		tlsConn := tls.Client(conn, t.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	host := t.Host
	if host == "" {
		host = remoteAddr
	}
	u, err := url.Parse("ws://" + host + "/")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to parse websocket url: %v", err)
	}

	wsHandshake := websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) { return conn, nil },
	}
	wsConn, _, err := wsHandshake.Dial(u.String(), http.Header{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to handshake websocket: %v", err)
	}
	return &common.WebSocketConn{Conn: wsConn}, nil
}
