/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"strings"
	"testing"

	"github.com/corvid-im/s2s/config"
	"github.com/corvid-im/s2s/xml"
	"github.com/stretchr/testify/require"
)

func newStreamOpenElem(from string) xml.XElement {
	e := xml.NewElementName("stream:stream")
	e.SetFrom(from)
	e.SetAttribute("version", "1.0")
	return e
}

// scenario 10: no implicit features on connect -- the host decides when to
// call SendFeatures; a stream open with no OnStreamOpen callback only gets
// its header echoed back.
func TestIncoming_NoImplicitFeaturesOnConnect(t *testing.T) {
	tr := newFakeTransport()
	s := NewIncomingSession(tr, InConfig{LocalDomain: "local.example"})

	s.HandleElement(newStreamOpenElem("remote.example"))
	flushIn(s)

	writes := tr.writes()
	require.Len(t, writes, 1)
	require.Contains(t, writes[0], "stream:stream")
	require.Equal(t, uint32(inOpened), s.getState())
}

// scenario 1: features gating -- SASL EXTERNAL offered only when
// secure_domain && is_secure && !is_authed.
func TestIncoming_SendFeatures_Gating(t *testing.T) {
	tr := newFakeTransport()
	s := NewIncomingSession(tr, InConfig{LocalDomain: "local.example", SecureDomain: true})
	s.HandleElement(newStreamOpenElem("remote.example"))
	flushIn(s)

	s.SendFeatures()
	flushIn(s)
	writes := tr.writes()
	require.NotContains(t, writes[len(writes)-1], "EXTERNAL")

	s.actorCh <- func() { s.isSecure = true }
	flushIn(s)
	s.SendFeatures()
	flushIn(s)
	writes = tr.writes()
	require.Contains(t, writes[len(writes)-1], "EXTERNAL")
}

// scenario 9: STARTTLS proceed.
func TestIncoming_STARTTLS_Proceed(t *testing.T) {
	tr := newFakeTransport()
	s := NewIncomingSession(tr, InConfig{LocalDomain: "local.example"})
	s.HandleElement(newStreamOpenElem("remote.example"))
	flushIn(s)

	s.actorCh <- func() { s.cfg.Credentials = &config.Credentials{} }
	flushIn(s)
	s.HandleElement(xml.NewElementNamespace("starttls", tlsNamespace))
	flushIn(s)

	writes := tr.writes()
	require.Contains(t, writes[len(writes)-1], "proceed")
	require.True(t, tr.IsSecure())
}

// scenario 5: renegotiation is requested when no certificate was presented
// yet.
func TestIncoming_SASL_RenegotiatesWhenCertMissing(t *testing.T) {
	tr := newFakeTransport()
	tr.secure = true
	s := NewIncomingSession(tr, InConfig{LocalDomain: "local.example", SecureDomain: true})
	s.HandleElement(newStreamOpenElem("b.example.net"))
	flushIn(s)
	s.actorCh <- func() { s.isSecure = true }
	flushIn(s)

	auth := xml.NewElementNamespace("auth", saslNamespace)
	auth.SetAttribute("mechanism", "EXTERNAL")
	s.HandleElement(auth)
	flushIn(s)

	// no certificate and not authorized -> renegotiate attempted, then
	// rejected for lack of authorization.
	require.Equal(t, 1, tr.renegotiations)
	all := strings.Join(tr.writes(), "")
	require.True(t, strings.Contains(all, "not-authorized") || strings.Contains(all, "failure"))
}

// scenario 7: SASL success strictly precedes the stream restart.
func TestIncoming_SASLSuccess_OrderingAndOnline(t *testing.T) {
	tr := newFakeTransport()
	tr.secure = true
	tr.authorized = true
	tr.cert = &x509.Certificate{Subject: pkix.Name{CommonName: "b.example.net"}}

	var authedDomain string
	s := NewIncomingSession(tr, InConfig{
		LocalDomain:  "local.example",
		SecureDomain: true,
		OnAuthSASL: func(in *IncomingSession, domain string) {
			authedDomain = domain
		},
	})
	s.HandleElement(newStreamOpenElem("b.example.net"))
	flushIn(s)
	s.actorCh <- func() { s.isSecure = true }
	flushIn(s)

	auth := xml.NewElementNamespace("auth", saslNamespace)
	auth.SetAttribute("mechanism", "EXTERNAL")
	s.HandleElement(auth)
	flushIn(s)

	require.Equal(t, "b.example.net", authedDomain)
	require.True(t, s.IsAuthed())

	writes := tr.writes()
	successIdx := -1
	for i, w := range writes {
		if strings.Contains(w, "success") {
			successIdx = i
			break
		}
	}
	require.GreaterOrEqual(t, successIdx, 0)
	require.Equal(t, uint32(inOpened), s.getState())
}

// scenario 8: a failed SASL check sends <failure/> before closing the
// stream, never the other way around.
func TestIncoming_SASLFailure_OrderingClosesStream(t *testing.T) {
	tr := newFakeTransport()
	tr.secure = true
	tr.authorized = false // unauthorized transport

	s := NewIncomingSession(tr, InConfig{LocalDomain: "local.example", SecureDomain: true})
	s.HandleElement(newStreamOpenElem("b.example.net"))
	flushIn(s)
	s.actorCh <- func() { s.isSecure = true }
	flushIn(s)

	tr.cert = &x509.Certificate{Subject: pkix.Name{CommonName: "b.example.net"}}
	auth := xml.NewElementNamespace("auth", saslNamespace)
	auth.SetAttribute("mechanism", "EXTERNAL")
	s.HandleElement(auth)
	flushIn(s)

	writes := tr.writes()
	failureIdx, closeIdx := -1, -1
	for i, w := range writes {
		if strings.Contains(w, "failure") {
			failureIdx = i
		}
		if strings.Contains(w, "</stream:stream>") {
			closeIdx = i
		}
	}
	require.GreaterOrEqual(t, failureIdx, 0)
	require.GreaterOrEqual(t, closeIdx, 0)
	require.Less(t, failureIdx, closeIdx)
	require.True(t, tr.isClosed())
}

// A SASL EXTERNAL success, followed by the mandatory stream restart, must
// leave the session able to actually deliver stanzas -- not stuck
// re-negotiating features forever.
func TestIncoming_SASLRestart_DeliversStanzas(t *testing.T) {
	tr := newFakeTransport()
	tr.secure = true
	tr.authorized = true
	tr.cert = &x509.Certificate{Subject: pkix.Name{CommonName: "b.example.net"}}

	var delivered xml.Stanza
	s := NewIncomingSession(tr, InConfig{
		LocalDomain:  "local.example",
		SecureDomain: true,
		OnStanza: func(in *IncomingSession, stanza xml.Stanza) {
			delivered = stanza
		},
	})
	s.HandleElement(newStreamOpenElem("b.example.net"))
	flushIn(s)
	s.actorCh <- func() { s.isSecure = true }
	flushIn(s)

	auth := xml.NewElementNamespace("auth", saslNamespace)
	auth.SetAttribute("mechanism", "EXTERNAL")
	s.HandleElement(auth)
	flushIn(s)
	require.True(t, s.IsAuthed())

	s.HandleElement(newStreamOpenElem("b.example.net"))
	flushIn(s)
	require.Equal(t, uint32(inAuthed), s.getState())

	msg := xml.NewElementName("message")
	msg.SetFrom("b.example.net")
	msg.SetTo("a@local.example")
	s.HandleElement(msg)
	flushIn(s)

	require.NotNil(t, delivered)
	require.Equal(t, "message", delivered.Name())
}

// MarkAuthed is what the dialback-valid admission path relies on, since
// that path never restarts the stream the way SASL does.
func TestIncoming_MarkAuthed_EnablesStanzaDelivery(t *testing.T) {
	tr := newFakeTransport()
	var delivered xml.Stanza
	s := NewIncomingSession(tr, InConfig{
		LocalDomain: "local.example",
		OnStanza: func(in *IncomingSession, stanza xml.Stanza) {
			delivered = stanza
		},
	})
	s.HandleElement(newStreamOpenElem("b.example.net"))
	flushIn(s)

	s.MarkAuthed("b.example.net")
	flushIn(s)
	require.True(t, s.IsAuthed())
	require.Equal(t, "b.example.net", s.PeerDomain())

	msg := xml.NewElementName("message")
	msg.SetFrom("b.example.net")
	msg.SetTo("a@local.example")
	s.HandleElement(msg)
	flushIn(s)

	require.NotNil(t, delivered)
}
