/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package transport is the byte-transport capability set the s2s core
// depends on (design notes §9: "dynamic socket shape" -> one fixed
// capability set with Plain/TLS/QUIC variants instead of a duck-typed
// socket). The TCP/TLS primitives themselves -- and the SCION/QUIC
// variant's wire details -- are external to the core; this package is the
// narrow adapter the core is written against, grounded on the teacher's
// transport.Transport/transport.Socket usage in c2s.go and on
// s2s/scionserver.go's transport.NewQUICSocketTransport.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"net"

	"github.com/corvid-im/s2s/config"
	"github.com/pkg/errors"
)

// Kind distinguishes the wire underneath a Transport.
type Kind int

const (
	Socket Kind = iota
	QUIC
)

// Transport is the capability set IncomingSession and OutgoingSession are
// written against. Plain TCP and TLS share one implementation (TLS is just
// a socket whose StartTLS has already run); SCION/QUIC gets its own,
// matching s2s/scionserver.go.
type Transport interface {
	Type() Kind

	// Write sends raw bytes (a fully serialized element or a bare string
	// like "</stream:stream>").
	Write(p []byte) error

	// Read blocks for the next chunk of bytes from the peer. The stream
	// parser (external collaborator) owns framing; Transport only moves
	// bytes.
	Read(p []byte) (int, error)

	// StartTLS upgrades the connection in place. servername is set by the
	// dialing side; the receiving side leaves it empty (design notes §9).
	StartTLS(cfg *tls.Config, isServer bool, servername string) error

	// Renegotiate re-runs the TLS handshake, optionally requesting the
	// peer's certificate -- used by IncomingSession when SASL EXTERNAL
	// arrives before a certificate was presented.
	Renegotiate(requestCert bool) error

	IsSecure() bool
	Authorized() bool
	AuthorizationError() error
	Servername() string
	GetPeerCertificate() *x509.Certificate

	// OCSPResponse returns the OCSP response the peer stapled to its TLS
	// handshake, if any. Empty when the peer didn't staple one.
	OCSPResponse() []byte

	Close() error
}

// socketTransport is the plain-TCP/TLS implementation; conn is replaced
// in-place by StartTLS.
type socketTransport struct {
	conn       net.Conn
	tlsConn    *tls.Conn
	servername string
}

// NewSocketTransport wraps an already-dialed/accepted net.Conn.
func NewSocketTransport(conn net.Conn) Transport {
	return &socketTransport{conn: conn}
}

func (t *socketTransport) Type() Kind { return Socket }

func (t *socketTransport) Write(p []byte) error {
	_, err := t.conn.Write(p)
	return err
}

func (t *socketTransport) Read(p []byte) (int, error) {
	return t.conn.Read(p)
}

func (t *socketTransport) StartTLS(cfg *tls.Config, isServer bool, servername string) error {
	if t.tlsConn != nil {
		return errors.New("transport: already secured")
	}
	c := cfg.Clone()
	if !isServer {
		c.ServerName = servername
	}
	t.servername = servername
	var tlsConn *tls.Conn
	if isServer {
		tlsConn = tls.Server(t.conn, c)
	} else {
		tlsConn = tls.Client(t.conn, c)
	}
	if err := tlsConn.Handshake(); err != nil {
		return errors.Wrap(err, "transport: TLS handshake")
	}
	t.tlsConn = tlsConn
	t.conn = tlsConn
	return nil
}

func (t *socketTransport) Renegotiate(requestCert bool) error {
	if t.tlsConn == nil {
		return errors.New("transport: cannot renegotiate a non-TLS connection")
	}
	// crypto/tls cannot start a renegotiation from the server side, and
	// Handshake on a connection whose handshake already completed returns
	// at once. So this does not ask the peer for a new certificate: it
	// returns the result of that Handshake call (nil after a successful
	// StartTLS) when requestCert is set, and nil otherwise.
	if requestCert {
		return t.tlsConn.Handshake()
	}
	return nil
}

func (t *socketTransport) IsSecure() bool { return t.tlsConn != nil }

func (t *socketTransport) Authorized() bool {
	if t.tlsConn == nil {
		return false
	}
	state := t.tlsConn.ConnectionState()
	return len(state.VerifiedChains) > 0
}

func (t *socketTransport) AuthorizationError() error {
	if t.Authorized() {
		return nil
	}
	return errors.New("transport: peer certificate not verified")
}

func (t *socketTransport) Servername() string { return t.servername }

func (t *socketTransport) GetPeerCertificate() *x509.Certificate {
	if t.tlsConn == nil {
		return nil
	}
	state := t.tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}

func (t *socketTransport) OCSPResponse() []byte {
	if t.tlsConn == nil {
		return nil
	}
	return t.tlsConn.ConnectionState().OCSPResponse
}

func (t *socketTransport) Close() error { return t.conn.Close() }

// Credentials is the "Credentials" bundle from the data model (§3): an
// opaque holder of the local cert/key and accepted CA roots, injected from
// outside and never mutated by the core. Re-exported here so transport
// implementations and the s2s package share one definition.
type Credentials = config.Credentials
