/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"crypto/tls"
	"strings"
	"sync/atomic"
	"time"

	"github.com/corvid-im/s2s/config"
	"github.com/corvid-im/s2s/log"
	"github.com/corvid-im/s2s/streamerror"
	"github.com/corvid-im/s2s/transport"
	"github.com/corvid-im/s2s/xml"
	"github.com/pborman/uuid"
	"golang.org/x/crypto/ocsp"
)

// inState is the state machine from spec §4.1: Opened -> Featured ->
// Authed, with SASL EXTERNAL and Dialback as sub-paths off Featured. TLS
// negotiation has no state of its own: it sets isSecure and the restarted
// stream passes through Opened/Featured again. inAuthenticating is
// declared but no transition enters it. Mirrors the teacher's atomic
// uint32 state in c2s.go.
type inState uint32

const (
	inOpened inState = iota
	inFeatured
	inAuthenticating
	inAuthed
	inClosed
)

const mailboxSize = 64

// InConfig bundles an IncomingSession's policy knobs and the callbacks its
// owning DomainContext installs -- the teacher's trait-style "one
// designated consumer per event" (design notes §9) instead of an
// open-ended emitter.
type InConfig struct {
	LocalDomain    string
	Credentials    *config.Credentials
	SecureDomain   bool
	KeyGen         *DialbackCodec
	ConnectTimeout time.Duration

	// OnStreamOpen fires once, on the very first <stream:stream> header,
	// before features are sent -- the host decides when (or whether) to
	// call SendFeatures (§4.1.1, testable scenario 10).
	OnStreamOpen func(in *IncomingSession)

	// OnStanza fires for every element received once is_authed; the
	// DomainContext applies the §4.3 inbound filter before delivering it
	// to the stanza listener.
	OnStanza func(in *IncomingSession, stanza xml.Stanza)

	// VerifyIncoming is called on a <db:result> carrying no type attribute
	// (the initial dialback request) -- see DomainContext.VerifyIncoming.
	VerifyIncoming func(fromDomain string, in *IncomingSession, dbKey string)

	// VerifyDialback is called on a <db:verify> request, i.e. when this
	// process is acting as the authoritative server for a domain some
	// third IncomingSession is vouching for.
	VerifyDialback func(domain, id, key string, cb func(valid bool))

	// OnAuthSASL fires once a SASL EXTERNAL certificate check succeeds,
	// so the owning DomainContext can addInStream the same way it would
	// for a valid dialback result.
	OnAuthSASL func(in *IncomingSession, domain string)

	// OnClose fires once, when the session transitions to inClosed.
	OnClose func(in *IncomingSession, err error)
}

// IncomingSession is the state machine for a peer-initiated S2S stream
// (spec §4.1).
type IncomingSession struct {
	tr  transport.Transport
	cfg InConfig

	state     uint32
	streamID  string
	attrs     StreamAttrs
	peerDomain string

	isSecure    bool
	isConnected bool
	isAuthed    bool

	connectTm *time.Timer
	actorCh   chan func()
	stopped   chan struct{} // closed when actorLoop returns
}

// NewIncomingSession constructs a session over an already-accepted
// transport and starts its actor loop, mirroring the teacher's New()
// launching goroutines immediately (c2s.go).
func NewIncomingSession(tr transport.Transport, cfg InConfig) *IncomingSession {
	s := &IncomingSession{
		tr:      tr,
		cfg:     cfg,
		actorCh: make(chan func(), mailboxSize),
		stopped: make(chan struct{}),
	}
	if cfg.ConnectTimeout > 0 {
		s.connectTm = time.AfterFunc(cfg.ConnectTimeout, s.connectTimeout)
	}
	go s.actorLoop()
	return s
}

func (s *IncomingSession) actorLoop() {
	defer close(s.stopped)
	for f := range s.actorCh {
		f()
		if s.getState() == uint32(inClosed) {
			return
		}
	}
}

func (s *IncomingSession) connectTimeout() {
	s.actorCh <- func() {
		s.closeWithStreamError(streamerror.ErrConnectionTimeout)
	}
}

func (s *IncomingSession) getState() uint32    { return atomic.LoadUint32(&s.state) }
func (s *IncomingSession) setState(st inState) { atomic.StoreUint32(&s.state, uint32(st)) }

// IsSecure reports whether TLS is active (§3 data model).
func (s *IncomingSession) IsSecure() bool { return s.isSecure }

// IsAuthed reports whether the peer's claimed domain has been verified.
func (s *IncomingSession) IsAuthed() bool { return s.isAuthed }

// PeerDomain returns the verified peer domain; empty until IsAuthed.
func (s *IncomingSession) PeerDomain() string { return s.peerDomain }

// StreamID returns the stream ID this (receiving) side generated.
func (s *IncomingSession) StreamID() string { return s.streamID }

// MarkAuthed advances the session to inAuthed once its owning
// DomainContext has admitted it for domain (§4.1 item 6, §4.4 step 4).
// The SASL EXTERNAL path also reaches inAuthed on its own (via
// sendFeatures on restart), so this is the authoritative transition for
// the dialback path, which never restarts the stream at all.
func (s *IncomingSession) MarkAuthed(domain string) {
	s.actorCh <- func() {
		s.peerDomain = domain
		s.isAuthed = true
		s.setState(inAuthed)
	}
}

// HandleElement is the transport adapter's entry point for each parsed
// element (the "feed_bytes" contract, post-parse).
func (s *IncomingSession) HandleElement(elem xml.XElement) {
	s.actorCh <- func() { s.handleElement(elem) }
}

// SendFeatures sends <stream:features>, gated per §4.1.2: SASL EXTERNAL is
// advertised iff secure_domain && is_secure && !is_authed.
func (s *IncomingSession) SendFeatures() {
	s.actorCh <- func() { s.sendFeatures() }
}

// SendElement writes an element to the peer.
func (s *IncomingSession) SendElement(elem xml.XElement) {
	s.actorCh <- func() { s.writeElement(elem) }
}

// SendRaw writes a bare string (e.g. "</stream:stream>") to the peer.
func (s *IncomingSession) SendRaw(data string) {
	s.actorCh <- func() { s.writeRaw(data) }
}

// Close ends the session without a stream error.
func (s *IncomingSession) Close() {
	s.actorCh <- func() { s.end(nil) }
}

// CloseWithStreamError ends the session after sending err's element.
func (s *IncomingSession) CloseWithStreamError(err *streamerror.Error) {
	s.actorCh <- func() { s.closeWithStreamError(err) }
}

func (s *IncomingSession) handleElement(elem xml.XElement) {
	if isStreamHeader(elem) {
		s.handleStreamOpen(elem)
		return
	}
	switch inState(s.getState()) {
	case inOpened, inFeatured:
		s.handlePreAuth(elem)
	case inAuthed:
		s.handleAuthed(elem)
	default:
		// authenticating / closed: ignore stray frames.
	}
}

func (s *IncomingSession) handleStreamOpen(elem xml.XElement) {
	if s.connectTm != nil {
		s.connectTm.Stop()
		s.connectTm = nil
	}
	s.attrs = streamAttrsFromElement(elem)

	firstOpen := !s.isConnected
	if !s.isConnected {
		s.streamID = uuid.New()
		s.isConnected = true
	}
	s.writeRaw(openingTag(newStreamHeader(s.cfg.LocalDomain, s.attrs.From, s.streamID)))

	if !firstOpen {
		// Stream restarted after STARTTLS or SASL success: resend
		// features automatically (§4.1.3) rather than waiting on the
		// host, since by now the host has already decided once.
		s.sendFeatures()
		return
	}
	s.setState(inOpened)
	if s.cfg.OnStreamOpen != nil {
		s.cfg.OnStreamOpen(s)
	}
}

func (s *IncomingSession) sendFeatures() {
	offerExternal := s.cfg.SecureDomain && s.isSecure && !s.isAuthed
	s.writeElement(newFeatures(offerExternal))
	if s.isAuthed {
		// Post-SASL restart: nothing left to negotiate, so the stream goes
		// straight to accepting stanzas instead of waiting in inFeatured
		// for a STARTTLS/SASL frame that will never come.
		s.setState(inAuthed)
		return
	}
	s.setState(inFeatured)
}

func (s *IncomingSession) handlePreAuth(elem xml.XElement) {
	switch {
	case isStartTLS(elem):
		s.handleStartTLS()
	case isSASLAuth(elem):
		s.handleSASLAuth(elem)
	case IsDialbackResult(elem) && !IsDialbackReply(elem):
		s.handleDialbackResult(elem)
	case IsDialbackVerify(elem) && !IsDialbackReply(elem):
		s.handleDialbackVerifyRequest(elem)
	default:
		log.Warnf("s2s in(%s): unexpected pre-auth element <%s>", s.streamID, elem.Name())
	}
}

func (s *IncomingSession) handleAuthed(elem xml.XElement) {
	if IsDialbackVerify(elem) && !IsDialbackReply(elem) {
		// a verified stream can still be asked to vouch for a third
		// domain's authority, per XEP-0220's multiplexed verify use.
		s.handleDialbackVerifyRequest(elem)
		return
	}
	if !xml.IsStanzaName(elem.Name()) {
		s.closeWithStreamError(streamerror.ErrUnsupportedStanzaType)
		return
	}
	stanza, err := xml.NewStanzaFromElement(elem)
	if err != nil {
		s.closeWithStreamError(streamerror.ErrImproperAddressing)
		return
	}
	if s.cfg.OnStanza != nil {
		s.cfg.OnStanza(s, stanza)
	}
}

// --- STARTTLS (§4.1.3) ---

func (s *IncomingSession) handleStartTLS() {
	s.writeElement(newProceed())
	cfg := s.cfg.Credentials.TLSConfig(tls.RequestClientCert)
	if err := s.tr.StartTLS(cfg, true, ""); err != nil {
		log.Error(err)
		s.closeWithStreamError(streamerror.ErrPolicyViolation)
		return
	}
	s.isSecure = true
	log.Infof("s2s in(%s): secured stream", s.streamID)
	s.isConnected = true // stays true; awaiting the post-TLS stream header
}

// --- SASL EXTERNAL (§4.1.4, §4.1a) ---

func (s *IncomingSession) handleSASLAuth(elem xml.XElement) {
	mechanism := elem.Attributes().Get("mechanism")
	if !s.isSecure || mechanism == "" || mechanism != "EXTERNAL" {
		s.writeElement(newSASLFailure("invalid-mechanism"))
		return
	}
	if s.tr.GetPeerCertificate() == nil {
		if err := s.tr.Renegotiate(true); err != nil {
			log.Error(err)
			s.sendNotAuthorizedAndClose()
			return
		}
	}
	s.verifyCertificate()
}

// verifyCertificate implements the §4.1a algorithm. The identity checked
// is the domain the peer opened its stream as (s.attrs.From), not the
// transport's own Servername() (which inbound STARTTLS
// leaves unset, per design notes §9's open question).
func (s *IncomingSession) verifyCertificate() {
	if !s.tr.Authorized() {
		s.sendNotAuthorizedAndClose()
		return
	}
	cert := s.tr.GetPeerCertificate()
	if cert == nil || !certIdentityMatches(cert, s.attrs.From) {
		s.sendNotAuthorizedAndClose()
		return
	}
	if !s.checkOCSP() {
		s.sendNotAuthorizedAndClose()
		return
	}
	s.peerDomain = s.attrs.From
	s.isAuthed = true
	if s.cfg.OnAuthSASL != nil {
		s.cfg.OnAuthSASL(s, s.peerDomain)
	}
	s.onSASLAuth()
}

// checkOCSP is a best-effort enrichment over the RFC 6125 identity check:
// if the peer's handshake stapled an OCSP response, reject a certificate
// reported revoked. Absence of a stapled response is not itself a
// failure -- OCSP stapling is opportunistic, not mandated by spec §4.1a.
func (s *IncomingSession) checkOCSP() bool {
	raw := s.tr.OCSPResponse()
	if len(raw) == 0 {
		return true
	}
	resp, err := ocsp.ParseResponse(raw, nil)
	if err != nil {
		// Can't validate the staple without the issuer cert on hand;
		// don't let a malformed-but-present staple block a cert the
		// identity check already accepted.
		return true
	}
	return resp.Status != ocsp.Revoked
}

// onSASLAuth sends <success/> then restarts the stream. Ordering is
// mandatory (§4.1.5, testable scenario 7): success strictly precedes
// streamStart.
func (s *IncomingSession) onSASLAuth() {
	s.writeElement(newSASLSuccess())
	s.streamStart()
}

// streamStart resets session-local parse state and awaits a fresh
// <stream:stream> header on the same (now secured/authed) connection.
func (s *IncomingSession) streamStart() {
	s.setState(inOpened)
}

func (s *IncomingSession) sendNotAuthorizedAndClose() {
	s.writeElement(newSASLFailure("not-authorized"))
	s.closeStream()
	s.end(streamerror.ErrNotAuthorized)
}

// --- Dialback (§4.1.6, §4.4) ---

func (s *IncomingSession) handleDialbackResult(elem xml.XElement) {
	fromDomain := elem.From()
	key := elem.Text()
	if fromDomain == "" || key == "" {
		s.closeWithStreamError(streamerror.ErrImproperAddressing)
		return
	}
	s.attrs.From = fromDomain
	if s.cfg.VerifyIncoming != nil {
		s.cfg.VerifyIncoming(fromDomain, s, key)
	}
}

func (s *IncomingSession) handleDialbackVerifyRequest(elem xml.XElement) {
	verifierDomain := elem.From() // "B": the domain vouching for inStream
	id := elem.ID()
	key := elem.Text()
	if s.cfg.VerifyDialback == nil {
		return
	}
	s.cfg.VerifyDialback(verifierDomain, id, key, func(valid bool) {
		reply := s.cfg.KeyGen.BuildVerifyReply(elem.To(), elem.From(), id, valid)
		s.SendElement(reply)
	})
}

// --- Close ---

func (s *IncomingSession) closeWithStreamError(err *streamerror.Error) {
	s.writeElement(err.Element())
	s.closeStream()
	s.end(err)
}

func (s *IncomingSession) closeStream() {
	s.writeRaw("</stream:stream>")
}

func (s *IncomingSession) end(err error) {
	if inState(s.getState()) == inClosed {
		return
	}
	s.setState(inClosed)
	s.isAuthed = false
	_ = s.tr.Close()
	if s.cfg.OnClose != nil {
		s.cfg.OnClose(s, err)
	}
}

func (s *IncomingSession) writeElement(elem xml.XElement) {
	log.Debugf("s2s in(%s) SEND: %s", s.streamID, elem.String())
	var sb strings.Builder
	elem.ToXML(&sb, true)
	_ = s.tr.Write([]byte(sb.String()))
}

func (s *IncomingSession) writeRaw(data string) {
	log.Debugf("s2s in(%s) SEND: %s", s.streamID, data)
	_ = s.tr.Write([]byte(data))
}

func openingTag(e *xml.Element) string {
	var sb strings.Builder
	e.ToXML(&sb, false)
	return sb.String()
}
