/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package transport

import (
	"crypto/tls"
	"crypto/x509"

	quic "github.com/lucas-clemente/quic-go"
	"github.com/pkg/errors"
)

// quicTransport adapts a SCION/QUIC session+stream pair (as dialed or
// accepted by s2s.Dialer / s2s's SCION listener) to the Transport
// interface, grounded on the teacher's s2s/scionserver.go, which built
// sessions the same way via appnet/appquic.
type quicTransport struct {
	session  quic.Session
	stream   quic.Stream
	compress bool
}

// NewQUICSocketTransport wraps an accepted or dialed QUIC stream. Naming
// matches the teacher's transport.NewQUICSocketTransport call site in
// s2s/scionserver.go.
func NewQUICSocketTransport(session quic.Session, stream quic.Stream, compress bool) Transport {
	return &quicTransport{session: session, stream: stream, compress: compress}
}

func (t *quicTransport) Type() Kind { return QUIC }

func (t *quicTransport) Write(p []byte) error {
	_, err := t.stream.Write(p)
	return err
}

func (t *quicTransport) Read(p []byte) (int, error) {
	return t.stream.Read(p)
}

// StartTLS is a no-op for QUIC: the SCION dialer/listener already
// negotiates TLS 1.3 as part of the QUIC handshake (squic.Init in the
// teacher's scionserver.go), so there is no separate STARTTLS step.
func (t *quicTransport) StartTLS(cfg *tls.Config, isServer bool, servername string) error {
	return nil
}

func (t *quicTransport) Renegotiate(requestCert bool) error {
	return errors.New("transport: QUIC 1.3 does not support renegotiation")
}

func (t *quicTransport) IsSecure() bool { return true }

func (t *quicTransport) Authorized() bool {
	state := t.session.ConnectionState()
	return len(state.TLS.PeerCertificates) > 0
}

func (t *quicTransport) AuthorizationError() error {
	if t.Authorized() {
		return nil
	}
	return errors.New("transport: SCION peer presented no certificate")
}

func (t *quicTransport) Servername() string {
	return t.session.ConnectionState().TLS.ServerName
}

func (t *quicTransport) GetPeerCertificate() *x509.Certificate {
	certs := t.session.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	return certs[0]
}

func (t *quicTransport) OCSPResponse() []byte {
	return t.session.ConnectionState().TLS.OCSPResponse
}

func (t *quicTransport) Close() error {
	_ = t.stream.Close()
	return t.session.CloseWithError(0, "")
}
