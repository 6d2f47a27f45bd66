/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"crypto/tls"
	"crypto/x509"
	"sync"

	"github.com/corvid-im/s2s/transport"
	"github.com/pkg/errors"
)

// fakeTransport is an in-memory transport.Transport double for exercising
// session state machines without a real socket.
type fakeTransport struct {
	mu         sync.Mutex
	written    []string
	secure     bool
	authorized bool
	cert       *x509.Certificate
	ocsp       []byte
	closed     bool

	renegotiations int

	renegotiateErr error
	startTLSErr    error
}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func (f *fakeTransport) Type() transport.Kind { return transport.Socket }

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, string(p))
	return nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	return 0, errors.New("fakeTransport: Read not used in tests")
}

func (f *fakeTransport) StartTLS(cfg *tls.Config, isServer bool, servername string) error {
	if f.startTLSErr != nil {
		return f.startTLSErr
	}
	f.secure = true
	return nil
}

func (f *fakeTransport) Renegotiate(requestCert bool) error {
	f.renegotiations++
	if f.renegotiateErr != nil {
		return f.renegotiateErr
	}
	if requestCert && f.cert == nil {
		// simulates a peer that still presents nothing after being asked
	}
	return nil
}

func (f *fakeTransport) IsSecure() bool { return f.secure }
func (f *fakeTransport) Authorized() bool { return f.authorized }

func (f *fakeTransport) AuthorizationError() error {
	if f.authorized {
		return nil
	}
	return errors.New("fakeTransport: not authorized")
}

func (f *fakeTransport) Servername() string { return "" }

func (f *fakeTransport) GetPeerCertificate() *x509.Certificate { return f.cert }

func (f *fakeTransport) OCSPResponse() []byte { return f.ocsp }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// flushIn blocks until every closure already queued on s's mailbox has run,
// or until s's actor loop has stopped (it stops once a closure closes the
// session, leaving later closures unrun).
func flushIn(s *IncomingSession) {
	done := make(chan struct{})
	s.actorCh <- func() { close(done) }
	select {
	case <-done:
	case <-s.stopped:
	}
}

// flushOut blocks until every closure already queued on s's mailbox has run,
// or until s's actor loop has stopped (it stops once a closure closes the
// session, leaving later closures unrun).
func flushOut(s *OutgoingSession) {
	done := make(chan struct{})
	s.actorCh <- func() { close(done) }
	select {
	case <-done:
	case <-s.stopped:
	}
}
