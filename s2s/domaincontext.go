/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"context"
	"sync"
	"time"

	"github.com/corvid-im/s2s/config"
	"github.com/corvid-im/s2s/log"
	"github.com/corvid-im/s2s/streamerror"
	"github.com/corvid-im/s2s/transport"
	"github.com/corvid-im/s2s/xml"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// StanzaListener is invoked for every stanza that passes the §4.3
// inbound filter, or that the core itself synthesizes as a local bounce.
type StanzaListener func(stanza xml.Stanza)

// DomainContextConfig carries the per-hosted-domain settings a
// DomainContext needs at construction.
type DomainContextConfig struct {
	LocalDomain    string
	DialbackSecret string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	Timeout        time.Duration
	MaxStanzaSize  int
}

// DomainContext is the per-hosted-domain coordinator (§4.3): it pools
// outgoing sessions, demultiplexes incoming ones, buffers stanzas during
// authentication, and routes verified traffic. All of its mutations run
// on the single goroutine backing its own mailbox (§5, "single-threaded
// cooperative per DomainContext").
type DomainContext struct {
	cfg         DomainContextConfig
	credentials *config.Credentials
	keyGen      *DialbackCodec
	dialer      Dialer

	stanzaListener StanzaListener

	mailbox chan func()

	mu      sync.Mutex
	in      map[string]*IncomingSession
	out     map[string]*OutgoingSession
	pending map[string][]func(*OutgoingSession) // awaiting an out session's first "online"/"close"

	breakers   map[string]*gobreaker.CircuitBreaker
	breakersMu sync.Mutex
}

// NewDomainContext constructs a DomainContext for one hosted local
// domain. dialer opens outgoing connections (§4.2); it is typically
// s2s.NewDialer(), which dials SCION/QUIC when the remote domain resolves
// to a SCION address and DNS SRV + TCP otherwise.
func NewDomainContext(cfg DomainContextConfig, dialer Dialer, listener StanzaListener) *DomainContext {
	return &DomainContext{
		cfg:            cfg,
		keyGen:         NewDialbackCodec(cfg.DialbackSecret),
		dialer:         dialer,
		stanzaListener: listener,
		mailbox:        make(chan func(), 256),
		in:             make(map[string]*IncomingSession),
		out:            make(map[string]*OutgoingSession),
		pending:        make(map[string][]func(*OutgoingSession)),
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Run starts the context's serial dispatch loop. Call once, before
// routing any traffic. It does not return: End() terminates the sessions
// but leaves the mailbox open and the loop running.
func (c *DomainContext) Run() {
	for f := range c.mailbox {
		f()
	}
}

func (c *DomainContext) post(f func()) { c.mailbox <- f }

// SetCredentials installs TLS credentials, shared read-only by every
// session this context owns from then on (§5 "shared resource policy").
func (c *DomainContext) SetCredentials(creds *config.Credentials) {
	c.post(func() { c.credentials = creds })
}

// AcceptIncoming wires a freshly accepted transport into a new
// IncomingSession bound to this context's callbacks.
func (c *DomainContext) AcceptIncoming(tr transport.Transport) *IncomingSession {
	var in *IncomingSession
	in = NewIncomingSession(tr, InConfig{
		LocalDomain:    c.cfg.LocalDomain,
		Credentials:    c.credentials,
		SecureDomain:   c.credentials != nil,
		KeyGen:         c.keyGen,
		ConnectTimeout: c.cfg.ConnectTimeout,
		OnStreamOpen: func(in *IncomingSession) {
			in.SendFeatures()
		},
		OnStanza: func(in *IncomingSession, stanza xml.Stanza) {
			c.post(func() { c.filterAndDeliver(in, stanza) })
		},
		VerifyIncoming: func(fromDomain string, in *IncomingSession, dbKey string) {
			c.post(func() { c.VerifyIncoming(fromDomain, in, dbKey) })
		},
		VerifyDialback: func(domain, id, key string, cb func(bool)) {
			c.post(func() { c.VerifyDialback(domain, id, key, cb) })
		},
		OnAuthSASL: func(in *IncomingSession, domain string) {
			c.post(func() { c.AddInStream(domain, in) })
		},
		OnClose: func(in *IncomingSession, err error) {
			c.post(func() { c.removeInStream(in) })
		},
	})
	return in
}

// AddInStream admits a verified inbound stream (§4.3). Uniqueness is
// enforced by terminating any pre-existing entry for the same domain with
// a <conflict/> stream error before replacement (testable scenario 14).
func (c *DomainContext) AddInStream(domain string, in *IncomingSession) {
	c.mu.Lock()
	existing, ok := c.in[domain]
	c.in[domain] = in
	c.mu.Unlock()

	// Admission is what makes the stream usable for routing (§4.1 item 6):
	// without this, a dialback-verified stream (which never restarts, so
	// never reaches inAuthed on its own) would stay stuck pre-auth forever.
	in.MarkAuthed(domain)

	if ok && existing != in {
		existing.CloseWithStreamError(streamerror.ErrConflict)
	}
	log.Infof("s2s: inbound stream admitted for domain %s", domain)
}

func (c *DomainContext) removeInStream(in *IncomingSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for domain, s := range c.in {
		if s == in {
			delete(c.in, domain)
			return
		}
	}
}

// filterAndDeliver applies the §4.3 inbound stanza filter to every frame
// from an authorized inbound stream.
func (c *DomainContext) filterAndDeliver(in *IncomingSession, stanza xml.Stanza) {
	if !xml.IsStanzaName(stanza.Name()) {
		in.CloseWithStreamError(streamerror.ErrUnsupportedStanzaType)
		return
	}
	from := stanza.FromJID()
	to := stanza.ToJID()
	if from == nil || to == nil {
		in.CloseWithStreamError(streamerror.ErrImproperAddressing)
		return
	}
	if from.Domain() != in.PeerDomain() {
		in.CloseWithStreamError(streamerror.ErrInvalidFrom)
		return
	}
	if to.Domain() != c.cfg.LocalDomain {
		in.CloseWithStreamError(streamerror.ErrImproperAddressing)
		return
	}
	c.deliverLocally(stanza)
}

// deliverLocally hands a stanza straight to the host's stanza listener,
// bypassing the inbound-stream filter above -- used both for stanzas that
// already passed it and for stanzas this context synthesizes itself
// (missing-to bounces, queue-bounce-on-close).
func (c *DomainContext) deliverLocally(stanza xml.Stanza) {
	if c.stanzaListener != nil {
		c.stanzaListener(stanza)
	}
}

// Send routes an outbound stanza (§4.3). A missing "to" (on a non-error
// stanza) is synthesized into a <jid-malformed/> bounce rather than
// routed (testable scenario 12); no outgoing session is created for it.
func (c *DomainContext) Send(stanza xml.Stanza) {
	c.post(func() { c.send(stanza) })
}

func (c *DomainContext) send(stanza xml.Stanza) {
	to := stanza.ToJID()
	if to == nil && stanza.Type() != "error" {
		c.deliverLocally(xml.JIDMalformedError(stanza))
		return
	}
	if to == nil {
		return // malformed error-typed stanza; nothing sane to do with it
	}
	out := c.getOrCreateOutStream(to.Domain())
	if out == nil {
		if stanza.Type() != "error" {
			c.deliverLocally(xml.RemoteServerNotFoundError(stanza))
		}
		return
	}
	out.Send(stanza)
}

// SendRaw is used for the dialback-subprotocol frames themselves; it
// bypasses Send's queue semantics and does not wait for is_authed. It does
// not wait for is_connected either (see OutgoingSession.SendRaw).
func (c *DomainContext) SendRaw(elem xml.XElement, destDomain string) {
	c.post(func() {
		out := c.getOrCreateOutStream(destDomain)
		if out == nil {
			return
		}
		out.SendRaw(elem)
	})
}

// getOrCreateOutStream enforces the "at most one outgoing session per
// remote domain" invariant (§3, §8) and trips a per-domain circuit
// breaker so a burst of stanzas to a domain that is currently
// unreachable doesn't re-dial on every single one.
func (c *DomainContext) getOrCreateOutStream(domain string) *OutgoingSession {
	if domain == "" {
		panic("s2s: getOrCreateOutStream called with an empty destination domain")
	}
	c.mu.Lock()
	if out, ok := c.out[domain]; ok {
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()

	breaker := c.breakerFor(domain)
	result, err := breaker.Execute(func() (interface{}, error) {
		return c.dialOutStream(domain)
	})
	if err != nil {
		log.Warnf("s2s: dial to %s unavailable: %v", domain, err)
		return nil
	}
	return result.(*OutgoingSession)
}

func (c *DomainContext) breakerFor(domain string) *gobreaker.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	if b, ok := c.breakers[domain]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "s2s-out:" + domain,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	c.breakers[domain] = b
	return b
}

func (c *DomainContext) dialOutStream(domain string) (*OutgoingSession, error) {
	var out *OutgoingSession
	out, err := NewOutgoingSession(context.Background(), c.dialer, OutConfig{
		LocalDomain:    c.cfg.LocalDomain,
		RemoteDomain:   domain,
		Credentials:    c.credentials,
		KeyGen:         c.keyGen,
		ConnectTimeout: c.cfg.ConnectTimeout,
		OnAuthMethod: func(o *OutgoingSession, method string) {
			c.post(func() { c.handleOutAuthMethod(o, method) })
		},
		OnOnline: func(o *OutgoingSession) {
			c.post(func() { c.notifyOutOnline(domain, o) })
		},
		OnBounce: func(bounced xml.Stanza) {
			c.post(func() { c.deliverLocally(bounced) })
		},
		OnClose: func(o *OutgoingSession, err error) {
			c.post(func() { c.removeOutStream(domain, o) })
		},
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.out[domain] = out
	c.mu.Unlock()
	return out, nil
}

func (c *DomainContext) handleOutAuthMethod(o *OutgoingSession, method string) {
	switch method {
	case "external":
		o.SendSASLExternal()
	case "dialback":
		o.SendDialbackResult(o.DBKey())
	}
}

func (c *DomainContext) removeOutStream(domain string, o *OutgoingSession) {
	c.mu.Lock()
	if c.out[domain] == o {
		delete(c.out, domain)
	}
	c.mu.Unlock()

	c.mu.Lock()
	waiters := c.pending[domain]
	delete(c.pending, domain)
	c.mu.Unlock()
	for _, cb := range waiters {
		cb(nil) // nil signals "closed before online" to VerifyDialback waiters
	}
}

func (c *DomainContext) notifyOutOnline(domain string, o *OutgoingSession) {
	c.mu.Lock()
	waiters := c.pending[domain]
	delete(c.pending, domain)
	c.mu.Unlock()
	for _, cb := range waiters {
		cb(o)
	}
}

// VerifyDialback is the authoritative check (§4.3, §4.4 step 4): does
// this context have an outgoing session to domain whose stream_id and
// db_key match id and key? If the session isn't connected yet, the check
// suspends until it comes online (or fails on close), and never returns a
// spurious false (testable "Dialback key roundtrip" + edge case in §4.4).
func (c *DomainContext) VerifyDialback(domain, id, key string, cb func(bool)) {
	c.mu.Lock()
	out, ok := c.out[domain]
	c.mu.Unlock()

	if !ok {
		cb(false)
		return
	}
	if out.IsAuthed() || out.StreamID() != "" {
		cb(out.StreamID() == id && out.DBKey() == key)
		return
	}
	// Not online yet: re-arm on this domain's next online/close.
	c.mu.Lock()
	c.pending[domain] = append(c.pending[domain], func(online *OutgoingSession) {
		if online == nil {
			cb(false)
			return
		}
		cb(online.StreamID() == id && online.DBKey() == key)
	})
	c.mu.Unlock()
}

// VerifyIncoming initiates a verify round trip for an inbound stream
// claiming to speak for fromDomain (§4.3): open or reuse an outgoing
// session to fromDomain, send <db:verify>, and on reply either
// AddInStream or close inStream with <db:result type="invalid">.
func (c *DomainContext) VerifyIncoming(fromDomain string, inStream *IncomingSession, dbKey string) {
	correlationID := uuid.New().String()
	log.Debugf("s2s: verifying dialback for %s (corr=%s)", fromDomain, correlationID)

	out := c.getOrCreateOutStream(fromDomain)
	if out == nil {
		c.failVerify(fromDomain, inStream)
		return
	}
	verify := c.keyGen.BuildVerify(c.cfg.LocalDomain, fromDomain, inStream.StreamID(), dbKey)

	c.awaitVerifyReply(out, fromDomain, inStream)
	out.SendRaw(verify)
}

// awaitVerifyReply arms out's one-shot verify-reply hook: the remote's
// <db:verify type="valid|invalid"/> answer admits inStream or fails it.
// The outcome is handled on this context's mailbox goroutine.
func (c *DomainContext) awaitVerifyReply(out *OutgoingSession, fromDomain string, inStream *IncomingSession) {
	// The verify reply is a <db:verify type="..."/> element that arrives
	// on `out`'s stream (the authoritative server answers on the same
	// connection B opened to reach it). OutgoingSession routes it back to
	// us through its element handler before it would otherwise be
	// dropped in handleAuthed/handleAuthenticating, so DomainContext
	// listens for it via a dedicated one-shot hook installed on out.
	out.onceVerifyReply(func(valid bool) {
		c.post(func() {
			if valid {
				c.AddInStream(fromDomain, inStream)
				reply := c.keyGen.BuildResultReply(c.cfg.LocalDomain, fromDomain, true)
				inStream.SendElement(reply)
			} else {
				c.failVerify(fromDomain, inStream)
			}
		})
	})
}

func (c *DomainContext) failVerify(fromDomain string, inStream *IncomingSession) {
	reply := c.keyGen.BuildResultReply(c.cfg.LocalDomain, fromDomain, false)
	inStream.SendElement(reply)
	inStream.CloseWithStreamError(streamerror.ErrNotAuthorized)
}

// End terminates every session this context owns (§4.3).
func (c *DomainContext) End() {
	c.mu.Lock()
	ins := make([]*IncomingSession, 0, len(c.in))
	for _, s := range c.in {
		ins = append(ins, s)
	}
	outs := make([]*OutgoingSession, 0, len(c.out))
	for _, s := range c.out {
		outs = append(outs, s)
	}
	c.mu.Unlock()

	for _, s := range ins {
		s.Close()
	}
	for _, s := range outs {
		s.Close()
	}
}
