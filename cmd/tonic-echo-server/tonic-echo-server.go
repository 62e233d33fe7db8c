package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/veecore/tonic/internal/common"
	"github.com/veecore/tonic/internal/mux"
	"github.com/veecore/tonic/internal/wire"
	"github.com/veecore/tonic/status"
)

var version string

var sessionSeq uint32

// maxInboundRecord bounds how much a single record may oblige us to
// allocate, whatever length its header declares.
const maxInboundRecord = 4 << 20

func main() {
	var listenAddr string
	var transport string
	var certPath string
	var keyPath string

	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.StringVar(&listenAddr, "l", ":50051", "listenAddr: address to listen on")
	flag.StringVar(&transport, "transport", "direct", "transport: `direct` or `ws`")
	flag.StringVar(&certPath, "cert", "", "cert: path to a TLS certificate. TLS is disabled when empty")
	flag.StringVar(&keyPath, "key", "", "key: path to the TLS certificate's key")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	flag.Parse()

	if *askVersion {
		fmt.Printf("tonic-echo-server %s\n", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	var tlsConfig *tls.Config
	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			log.Fatal(err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	switch transport {
	case "direct":
		listener, err := net.Listen("tcp", listenAddr)
		if err != nil {
			log.Fatal(err)
		}
		if tlsConfig != nil {
			listener = tls.NewListener(listener, tlsConfig)
		}
		log.Infof("Listening on tcp %v", listenAddr)
		for {
			conn, err := listener.Accept()
			if err != nil {
				log.Fatal(err)
			}
			go serveConn(conn)
		}
	case "ws":
		upgrader := websocket.Upgrader{ReadBufferSize: 16384, WriteBufferSize: 16384}
		server := &http.Server{
			Addr:      listenAddr,
			TLSConfig: tlsConfig,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					log.Debugf("failed to upgrade connection from %v: %v", r.RemoteAddr, err)
					return
				}
				serveConn(&common.WebSocketConn{Conn: c})
			}),
		}
		log.Infof("Listening on ws %v", listenAddr)
		if tlsConfig != nil {
			log.Fatal(server.ListenAndServeTLS("", ""))
		}
		log.Fatal(server.ListenAndServe())
	default:
		log.Fatalf("unknown transport %v", transport)
	}
}

func serveConn(conn net.Conn) {
	sesh := mux.MakeSession(atomic.AddUint32(&sessionSeq, 1), mux.SessionConfig{ServerSide: true})
	sesh.Attach(conn)
	log.Infof("serving connection from %v", conn.RemoteAddr())
	for {
		stream, err := sesh.Accept()
		if err != nil {
			log.Infof("connection from %v gone: %v", conn.RemoteAddr(), err)
			return
		}
		go serveStream(stream)
	}
}

// serveStream answers one call: the header is parsed, every message record
// is mirrored back unchanged, and a trailer reports the outcome. Payloads
// stay opaque, so any codec and encoding echo cleanly.
func serveStream(stream *mux.Stream) {
	flags, payload, err := wire.ReadRecord(stream, maxInboundRecord)
	if err != nil || flags&wire.RecordFlagCall == 0 {
		stream.Reset(mux.ResetProtocol, "expected a call header")
		return
	}
	hdr, err := wire.ParseCallHeader(payload)
	if err != nil {
		stream.Reset(mux.ResetProtocol, err.Error())
		return
	}
	log.Debugf("stream %v calls %v with codec %v", stream.ID(), hdr.Method, hdr.Codec)

	for {
		flags, payload, err = wire.ReadRecord(stream, maxInboundRecord)
		if err != nil {
			if err != io.EOF {
				log.Debugf("stream %v broke mid-call: %v", stream.ID(), err)
				return
			}
			break
		}
		if err := wire.WriteRecord(stream, flags, payload); err != nil {
			log.Debugf("stream %v broke mid-echo: %v", stream.ID(), err)
			return
		}
	}
	_ = wire.WriteRecord(stream, wire.RecordFlagTrailer, wire.MarshalTrailer(status.New(status.Ok, "")))
	_ = stream.CloseWrite()
}
