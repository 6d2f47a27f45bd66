/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/corvid-im/s2s/xml"
)

const dialbackNamespace = "jabber:server:dialback"

// DialbackCodec builds and parses the <db:result>/<db:verify> elements of
// XEP-0220 Server Dialback and computes the HMAC key that proves a stream
// really originates from the domain it claims.
//
// key = HMAC-SHA256( key = SHA256(secret), data = from ' ' to ' ' streamID )
// rendered lowercase hex (spec §4.4). secret is this process's private,
// non-persisted dialback secret.
type DialbackCodec struct {
	secretHash [sha256.Size]byte
}

// NewDialbackCodec derives the HMAC key material from secret once, up
// front, so Key is a pure HMAC computation per call.
func NewDialbackCodec(secret string) *DialbackCodec {
	return &DialbackCodec{secretHash: sha256.Sum256([]byte(secret))}
}

// Key computes the dialback key for a stream from "from" to "to" with the
// given stream ID.
func (c *DialbackCodec) Key(from, to, streamID string) string {
	mac := hmac.New(sha256.New, c.secretHash[:])
	mac.Write([]byte(from))
	mac.Write([]byte(" "))
	mac.Write([]byte(to))
	mac.Write([]byte(" "))
	mac.Write([]byte(streamID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether key is the correct dialback key for (from, to,
// streamID). Any field mutation of a valid key must make this false
// (§8, "Dialback key roundtrip").
func (c *DialbackCodec) Verify(key, from, to, streamID string) bool {
	expected := c.Key(from, to, streamID)
	return hmac.Equal([]byte(expected), []byte(key))
}

// BuildResult builds the initiator's <db:result from=from to=to>key</db:result>.
func (c *DialbackCodec) BuildResult(from, to, key string) xml.XElement {
	e := xml.NewElementNamespace("db:result", dialbackNamespace)
	e.SetFrom(from)
	e.SetTo(to)
	e.SetText(key)
	return e
}

// BuildResultReply builds the receiver's <db:result type="valid|invalid"/>
// reply sent back on the stream the original <db:result> arrived on.
func (c *DialbackCodec) BuildResultReply(from, to string, valid bool) xml.XElement {
	e := xml.NewElementNamespace("db:result", dialbackNamespace)
	e.SetFrom(from)
	e.SetTo(to)
	e.SetType(validity(valid))
	return e
}

// BuildVerify builds the receiver's <db:verify from to id>key</db:verify>
// sent to the authoritative server over a (possibly reused) outgoing
// session.
func (c *DialbackCodec) BuildVerify(from, to, id, key string) xml.XElement {
	e := xml.NewElementNamespace("db:verify", dialbackNamespace)
	e.SetFrom(from)
	e.SetTo(to)
	e.SetID(id)
	e.SetText(key)
	return e
}

// BuildVerifyReply builds the authoritative server's
// <db:verify type="valid|invalid"/> reply.
func (c *DialbackCodec) BuildVerifyReply(from, to, id string, valid bool) xml.XElement {
	e := xml.NewElementNamespace("db:verify", dialbackNamespace)
	e.SetFrom(from)
	e.SetTo(to)
	e.SetID(id)
	e.SetType(validity(valid))
	return e
}

func validity(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}

// IsDialbackResult reports whether elem is a <db:result> frame.
func IsDialbackResult(elem xml.XElement) bool {
	return elem.Name() == "db:result" && elem.Namespace() == dialbackNamespace
}

// IsDialbackVerify reports whether elem is a <db:verify> frame.
func IsDialbackVerify(elem xml.XElement) bool {
	return elem.Name() == "db:verify" && elem.Namespace() == dialbackNamespace
}

// IsDialbackReply reports whether elem carries type="valid" or
// type="invalid", i.e. is a reply rather than the initial request.
func IsDialbackReply(elem xml.XElement) bool {
	return elem.Type() == "valid" || elem.Type() == "invalid"
}
