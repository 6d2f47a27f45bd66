/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package xml

import "github.com/pkg/errors"

// ErrNotStanza is returned by NewStanzaFromElement when the element's name
// isn't one of message/presence/iq.
var ErrNotStanza = errors.New("xml: not a stanza element")

// Stanza is a message, presence or iq element carrying resolved from/to
// JIDs. The core treats everything else about a stanza opaquely.
type Stanza interface {
	XElement
	FromJID() *JID
	ToJID() *JID
}

type stanza struct {
	*Element
	from *JID
	to   *JID
}

func (s *stanza) FromJID() *JID { return s.from }
func (s *stanza) ToJID() *JID   { return s.to }

// IsStanzaName reports whether name is one of the three routable stanza
// kinds the core understands.
func IsStanzaName(name string) bool {
	switch name {
	case "message", "presence", "iq":
		return true
	}
	return false
}

// NewStanzaFromElement resolves from/to into JIDs and wraps elem as a
// Stanza. It fails only if the element isn't a stanza or its addresses
// don't parse -- the core never inspects stanza bodies beyond this.
func NewStanzaFromElement(elem XElement) (Stanza, error) {
	if !IsStanzaName(elem.Name()) {
		return nil, ErrNotStanza
	}
	var from, to *JID
	var err error
	if f := elem.From(); f != "" {
		if from, err = NewJIDString(f); err != nil {
			return nil, err
		}
	}
	if t := elem.To(); t != "" {
		if to, err = NewJIDString(t); err != nil {
			return nil, err
		}
	}
	e, ok := elem.(*Element)
	if !ok {
		e = NewElementFromElement(elem)
	}
	return &stanza{Element: e, from: from, to: to}, nil
}

// NewStanza builds a stanza element from scratch (used for synthesized
// bounces).
func NewStanza(name, from, to, id, typ string) Stanza {
	e := NewElementName(name)
	if from != "" {
		e.SetFrom(from)
	}
	if to != "" {
		e.SetTo(to)
	}
	if id != "" {
		e.SetID(id)
	}
	if typ != "" {
		e.SetType(typ)
	}
	st, _ := NewStanzaFromElement(e)
	return st
}

const stanzasNamespace = "urn:ietf:params:xml:ns:xmpp-stanzas"

// BounceError rewrites a stanza into a type="error" bounce back to its
// originator: to/from swap, an <error/> child naming condition is
// appended, and the original id is preserved so the sender can correlate
// the bounce. Stanzas that are already type="error" must not be bounced
// again (callers check this before calling BounceError) -- that's the
// ping-pong the spec calls out.
func BounceError(original Stanza, errType, condition string) Stanza {
	e := NewElementName(original.Name())
	if from := original.From(); from != "" {
		e.SetTo(from)
	}
	if to := original.To(); to != "" {
		e.SetFrom(to)
	}
	if id := original.ID(); id != "" {
		e.SetID(id)
	}
	e.SetType("error")

	errEl := NewElementName("error")
	errEl.SetAttribute("type", errType)
	cond := NewElementNamespace(condition, stanzasNamespace)
	errEl.AppendElement(cond)
	e.AppendElement(errEl)

	st, _ := NewStanzaFromElement(e)
	return st
}

// JIDMalformedError returns the <jid-malformed/> modify-error bounce for a
// stanza lacking a usable "to".
func JIDMalformedError(original Stanza) Stanza {
	return BounceError(original, "modify", "jid-malformed")
}

// RemoteServerNotFoundError returns the <remote-server-not-found/>
// cancel-error bounce used when an outgoing session never reaches auth.
func RemoteServerNotFoundError(original Stanza) Stanza {
	return BounceError(original, "cancel", "remote-server-not-found")
}
