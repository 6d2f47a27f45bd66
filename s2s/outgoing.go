/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"container/list"
	"context"
	"crypto/tls"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvid-im/s2s/config"
	"github.com/corvid-im/s2s/log"
	"github.com/corvid-im/s2s/streamerror"
	"github.com/corvid-im/s2s/transport"
	"github.com/corvid-im/s2s/xml"
	"github.com/pkg/errors"
)

// outState mirrors inState's shape for the locally-initiated side
// (§4.2): Connecting -> Connected (peer's stream header seen) ->
// Authenticating -> Authed.
type outState uint32

const (
	outConnecting outState = iota
	outConnected
	outAuthenticating
	outAuthed
	outClosed
)

// OutConfig bundles an OutgoingSession's policy and callbacks.
type OutConfig struct {
	LocalDomain    string
	RemoteDomain   string
	Credentials    *config.Credentials
	KeyGen         *DialbackCodec
	ConnectTimeout time.Duration

	// OnAuthMethod fires once features settle on external or dialback;
	// the DomainContext decides and calls back SendSASLExternal/
	// SendDialbackResult (§4.2: "handling of auth methods is delegated to
	// DomainContext, which then calls back into the session").
	OnAuthMethod func(out *OutgoingSession, method string)

	// OnOnline fires once is_authed transitions true and the queue has
	// been drained.
	OnOnline func(out *OutgoingSession)

	// OnBounce fires once per queued stanza that needs to be rewritten
	// into a local error bounce and re-delivered (§4.2 "queue
	// discipline").
	OnBounce func(bounced xml.Stanza)

	// OnClose fires once, when the session transitions to outClosed.
	OnClose func(out *OutgoingSession, err error)
}

// OutgoingSession is the state machine for a locally-initiated S2S
// stream (spec §4.2).
type OutgoingSession struct {
	tr  transport.Transport
	cfg OutConfig

	state    uint32
	streamID string // assigned by the remote (receiving) side
	dbKey    string // our dialback key for (local, remote, streamID)

	isSecure            bool
	isAuthed            bool
	awaitingSASLRestart bool

	queueMu sync.Mutex
	queue   *list.List // *xml.Stanza, FIFO

	connectTm *time.Timer
	actorCh   chan func()
	stopped   chan struct{} // closed when actorLoop returns

	// verifyReplyCB is armed by DomainContext.VerifyIncoming while this
	// session carries a <db:verify> request it sent on another stream's
	// behalf (§4.4 step 4); the matching reply rides back over this same
	// TCP connection regardless of this session's own auth state.
	verifyReplyCB func(bool)
}

// Dialer opens the underlying connection an OutgoingSession rides on,
// grounded on the teacher's s2s/dialer.go (DNS SRV + TCP, with a SCION/
// QUIC fallback from s2s/scionserver.go).
type Dialer interface {
	Dial(ctx context.Context, remoteDomain string) (transport.Transport, error)
}

// NewOutgoingSession dials remoteDomain and starts the session's actor
// loop. Mirrors OutgoingSession creation being lazy, on first stanza or
// first dialback-verification need (§3, OutgoingSession lifecycle).
func NewOutgoingSession(ctx context.Context, dialer Dialer, cfg OutConfig) (*OutgoingSession, error) {
	tr, err := dialer.Dial(ctx, cfg.RemoteDomain)
	if err != nil {
		return nil, errors.Wrap(err, "s2s out: dial")
	}
	s := &OutgoingSession{
		tr:      tr,
		cfg:     cfg,
		queue:   list.New(),
		actorCh: make(chan func(), mailboxSize),
		stopped: make(chan struct{}),
	}
	if cfg.ConnectTimeout > 0 {
		s.connectTm = time.AfterFunc(cfg.ConnectTimeout, s.connectTimeout)
	}
	go s.actorLoop()
	s.actorCh <- s.openStream
	return s, nil
}

func (s *OutgoingSession) actorLoop() {
	defer close(s.stopped)
	for f := range s.actorCh {
		f()
		if s.getState() == uint32(outClosed) {
			return
		}
	}
}

func (s *OutgoingSession) connectTimeout() {
	s.actorCh <- func() { s.closeWithError(streamerror.ErrConnectionTimeout) }
}

func (s *OutgoingSession) getState() uint32     { return atomic.LoadUint32(&s.state) }
func (s *OutgoingSession) setState(st outState) { atomic.StoreUint32(&s.state, uint32(st)) }

// IsAuthed reports whether this session is ready to carry stanzas.
func (s *OutgoingSession) IsAuthed() bool { return s.isAuthed }

// IsConnected reports whether the opening handshake completed.
func (s *OutgoingSession) IsConnected() bool { return outState(s.getState()) != outConnecting }

// StreamID returns the stream ID the remote side assigned us.
func (s *OutgoingSession) StreamID() string { return s.streamID }

// DBKey returns this session's dialback key, valid once StreamID is known.
func (s *OutgoingSession) DBKey() string { return s.dbKey }

func (s *OutgoingSession) openStream() {
	s.writeRaw(openingTag(newStreamHeader(s.cfg.LocalDomain, s.cfg.RemoteDomain, "")))
}

// HandleElement is the transport adapter's entry point for each parsed
// element.
func (s *OutgoingSession) HandleElement(elem xml.XElement) {
	s.actorCh <- func() { s.handleElement(elem) }
}

// Send enqueues or wire-sends a stanza per the queue discipline (§4.2):
// queued while connected-but-unauthed, wired once authed.
func (s *OutgoingSession) Send(stanza xml.Stanza) {
	s.actorCh <- func() {
		if s.isAuthed {
			s.writeElement(stanza)
			return
		}
		s.enqueue(stanza)
	}
}

// SendRaw bypasses the queue: used for dialback-subprotocol frames, which
// do not wait for is_authed. It does not wait for is_connected either: the
// frame is written as soon as the actor runs it, right behind our own
// opening stream header, whether or not the peer's header has arrived.
func (s *OutgoingSession) SendRaw(elem xml.XElement) {
	s.actorCh <- func() { s.writeElement(elem) }
}

func (s *OutgoingSession) enqueue(stanza xml.Stanza) {
	s.queueMu.Lock()
	s.queue.PushBack(stanza)
	s.queueMu.Unlock()
}

func (s *OutgoingSession) drainQueue() {
	s.queueMu.Lock()
	pending := s.queue
	s.queue = list.New()
	s.queueMu.Unlock()

	for e := pending.Front(); e != nil; e = e.Next() {
		s.writeElement(e.Value.(xml.Stanza))
	}
}

// bounceQueue rewrites every still-queued stanza into an error bounce,
// dropping any that are already type="error" to prevent bounce ping-pong
// (§4.2, §7, testable scenario 11).
func (s *OutgoingSession) bounceQueue() {
	s.queueMu.Lock()
	pending := s.queue
	s.queue = list.New()
	s.queueMu.Unlock()

	if s.cfg.OnBounce == nil {
		return
	}
	for e := pending.Front(); e != nil; e = e.Next() {
		st := e.Value.(xml.Stanza)
		if st.Type() == "error" {
			continue
		}
		s.cfg.OnBounce(xml.RemoteServerNotFoundError(st))
	}
}

func (s *OutgoingSession) handleElement(elem xml.XElement) {
	if isStreamHeader(elem) {
		s.handleStreamOpen(elem)
		return
	}
	if IsDialbackVerify(elem) && IsDialbackReply(elem) {
		s.handleVerifyReply(elem)
		return
	}
	switch outState(s.getState()) {
	case outConnected:
		s.handleConnected(elem)
	case outAuthenticating:
		s.handleAuthenticating(elem)
	case outAuthed:
		s.handleAuthed(elem)
	}
}

func (s *OutgoingSession) handleStreamOpen(elem xml.XElement) {
	if s.connectTm != nil {
		s.connectTm.Stop()
		s.connectTm = nil
	}
	if s.streamID == "" {
		s.streamID = elem.ID()
		if s.cfg.KeyGen != nil && s.streamID != "" {
			// Computed unconditionally: a peer may dialback-verify us
			// against this session even if we ourselves authenticate via
			// SASL EXTERNAL (§4.3 verifyDialback always reads db_key).
			s.dbKey = s.cfg.KeyGen.Key(s.cfg.LocalDomain, s.cfg.RemoteDomain, s.streamID)
		}
	}
	if s.awaitingSASLRestart {
		// §4.2: "On <success>: restart the stream; on next streamStart,
		// emit online" -- no fresh feature negotiation needed.
		s.awaitingSASLRestart = false
		s.becomeOnline()
		return
	}
	s.setState(outConnected)
	// Features arrive as a dedicated <stream:features> frame; nothing
	// else to do until handleConnected sees it.
}

func (s *OutgoingSession) handleConnected(elem xml.XElement) {
	if isProceed(elem) {
		s.handleProceed()
		return
	}
	if elem.Name() != "stream:features" {
		return
	}
	s.handleFeatures(elem)
}

// handleFeatures implements the §4.2 priority order: STARTTLS first (if
// not already secure), then SASL EXTERNAL, else dialback.
func (s *OutgoingSession) handleFeatures(elem xml.XElement) {
	mechanisms := elem.Elements().ChildNamespace("mechanisms", saslNamespace)
	offersExternal := mechanisms != nil && hasMechanism(mechanisms, "EXTERNAL")
	offersStartTLS := elem.Elements().ChildNamespace("starttls", tlsNamespace) != nil

	switch {
	case offersStartTLS && !s.isSecure:
		s.writeElement(newStartTLS())
		// stay in outConnected, awaiting <proceed/>
	case offersExternal:
		s.chooseAuthMethod("external")
	default:
		s.chooseAuthMethod("dialback")
	}
}

func hasMechanism(mechanisms xml.XElement, name string) bool {
	for _, m := range mechanisms.Elements().Children("mechanism") {
		if m.Text() == name {
			return true
		}
	}
	return false
}

func (s *OutgoingSession) handleProceed() {
	cfg := &tls.Config{ServerName: s.cfg.RemoteDomain}
	if s.cfg.Credentials != nil {
		cfg = s.cfg.Credentials.TLSConfig(tls.NoClientCert)
		cfg.ServerName = s.cfg.RemoteDomain
	}
	if err := s.tr.StartTLS(cfg, false, s.cfg.RemoteDomain); err != nil {
		log.Error(err)
		s.closeWithError(err)
		return
	}
	s.isSecure = true
	s.restart()
}

func (s *OutgoingSession) restart() {
	s.setState(outConnecting)
	s.openStream()
}

// chooseAuthMethod implements the feature-selection priority order
// (§4.2): STARTTLS first (handled by the caller before this is reached),
// then SASL EXTERNAL, else dialback. Delegates the actual decision to the
// owning DomainContext, which calls back SendSASLExternal/
// SendDialbackResult.
func (s *OutgoingSession) chooseAuthMethod(method string) {
	switch method {
	case "external", "dialback":
		if s.cfg.OnAuthMethod != nil {
			s.cfg.OnAuthMethod(s, method)
		}
	default:
		s.writeElement(streamerror.ErrUndefinedCondition.Element())
		s.closeWithError(streamerror.ErrUndefinedCondition)
	}
}

// SendSASLExternal emits the EXTERNAL auth frame. The authorization
// identity is the local domain, base64-encoded (§4.2).
func (s *OutgoingSession) SendSASLExternal() {
	s.actorCh <- func() {
		identity := base64.StdEncoding.EncodeToString([]byte(s.cfg.LocalDomain))
		s.writeElement(newAuthExternal(identity))
		s.awaitingSASLRestart = true
		s.setState(outAuthenticating)
	}
}

// SendDialbackResult emits <db:result> with the given key over this
// stream.
func (s *OutgoingSession) SendDialbackResult(key string) {
	s.actorCh <- func() {
		s.dbKey = key
		s.writeElement(s.cfg.KeyGen.BuildResult(s.cfg.LocalDomain, s.cfg.RemoteDomain, key))
		s.setState(outAuthenticating)
	}
}

func (s *OutgoingSession) handleAuthenticating(elem xml.XElement) {
	switch {
	case isSASLSuccess(elem):
		s.restart()
	case isSASLFailure(elem):
		s.closeWithError(streamerror.ErrNotAuthorized)
	case IsDialbackResult(elem) && IsDialbackReply(elem):
		if elem.Type() == "valid" {
			s.becomeOnline()
		} else {
			s.closeWithError(streamerror.ErrNotAuthorized)
		}
	}
}

func (s *OutgoingSession) handleAuthed(elem xml.XElement) {
	// an already-authed outgoing session has nothing left to read except
	// whatever the remote routes back to us over the reverse direction,
	// which is out of scope for this session (it arrives on an
	// IncomingSession instead). <db:verify> replies are intercepted in
	// handleElement before reaching here.
}

// handleVerifyReply resolves the callback DomainContext armed via
// onceVerifyReply once the authoritative server's <db:verify
// type="valid|invalid"/> answers our earlier <db:verify> request.
func (s *OutgoingSession) handleVerifyReply(elem xml.XElement) {
	cb := s.verifyReplyCB
	s.verifyReplyCB = nil
	if cb != nil {
		cb(elem.Type() == "valid")
	}
}

// onceVerifyReply arms a one-shot callback for the next <db:verify>
// reply this session receives (§4.4 step 4, DomainContext.VerifyIncoming).
// A still-pending previous callback is resolved false rather than
// silently dropped -- a second concurrent verify on the same outgoing
// session supersedes the first, it doesn't leave it hanging.
func (s *OutgoingSession) onceVerifyReply(cb func(bool)) {
	s.actorCh <- func() {
		if prev := s.verifyReplyCB; prev != nil {
			prev(false)
		}
		s.verifyReplyCB = cb
	}
}

// becomeOnline marks is_authed true and drains the queue in FIFO order
// (§4.2, §8 "Queue drain order equals enqueue order"). If this stream
// restarted post-SASL-success, the caller is the fresh streamStart
// handler instead; see handleStreamOpen's restart path.
func (s *OutgoingSession) becomeOnline() {
	s.isAuthed = true
	s.setState(outAuthed)
	s.drainQueue()
	if s.cfg.OnOnline != nil {
		s.cfg.OnOnline(s)
	}
}

func (s *OutgoingSession) closeWithError(err error) {
	s.writeRaw("</stream:stream>")
	s.end(err)
}

func (s *OutgoingSession) end(err error) {
	if outState(s.getState()) == outClosed {
		return
	}
	s.setState(outClosed)
	wasAuthed := s.isAuthed
	s.isAuthed = false
	_ = s.tr.Close()
	if !wasAuthed {
		s.bounceQueue()
	}
	// A suspended VerifyIncoming caller must fail rather than hang forever
	// if this session never lives to see the authoritative reply (§4.4
	// edge case: verify fails on close).
	if cb := s.verifyReplyCB; cb != nil {
		s.verifyReplyCB = nil
		cb(false)
	}
	if s.cfg.OnClose != nil {
		s.cfg.OnClose(s, err)
	}
}

// Close ends the session without a stream error (e.g. idle teardown).
func (s *OutgoingSession) Close() {
	s.actorCh <- func() { s.end(nil) }
}

func (s *OutgoingSession) writeElement(elem xml.XElement) {
	log.Debugf("s2s out(%s->%s) SEND: %s", s.cfg.LocalDomain, s.cfg.RemoteDomain, elem.String())
	var sb strings.Builder
	elem.ToXML(&sb, true)
	_ = s.tr.Write([]byte(sb.String()))
}

func (s *OutgoingSession) writeRaw(data string) {
	log.Debugf("s2s out(%s->%s) SEND: %s", s.cfg.LocalDomain, s.cfg.RemoteDomain, data)
	_ = s.tr.Write([]byte(data))
}
