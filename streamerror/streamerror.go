/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package streamerror models the <stream:error> conditions the s2s core
// can raise, mirroring the teacher's streamerror package referenced from
// c2s.go.
package streamerror

import "github.com/corvid-im/s2s/xml"

const namespace = "urn:ietf:params:xml:ns:xmpp-streams"

// Error is a stream-level error: sending its Element and closing the
// stream is always the last thing a session does.
type Error struct {
	condition string
}

func (e *Error) Error() string { return "stream error: " + e.condition }

// Element returns the <stream:error> frame to write before closing.
func (e *Error) Element() xml.XElement {
	se := xml.NewElementName("stream:error")
	cond := xml.NewElementNamespace(e.condition, namespace)
	se.AppendElement(cond)
	return se
}

var (
	ErrImproperAddressing    = &Error{"improper-addressing"}
	ErrInvalidFrom           = &Error{"invalid-from"}
	ErrConflict              = &Error{"conflict"}
	ErrUndefinedCondition    = &Error{"undefined-condition"}
	ErrHostUnknown           = &Error{"host-unknown"}
	ErrRemoteConnectionFailed = &Error{"remote-connection-failed"}
	ErrInvalidNamespace      = &Error{"invalid-namespace"}
	ErrInvalidXML            = &Error{"invalid-xml"}
	ErrNotAuthorized         = &Error{"not-authorized"}
	ErrPolicyViolation       = &Error{"policy-violation"}
	ErrConnectionTimeout     = &Error{"connection-timeout"}
	ErrUnsupportedStanzaType = &Error{"unsupported-stanza-type"}
	ErrUnsupportedVersion    = &Error{"unsupported-version"}
)
