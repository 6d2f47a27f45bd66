/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import "github.com/corvid-im/s2s/xml"

const (
	streamNamespace = "http://etherx.jabber.org/streams"
	serverNamespace = "jabber:server"
	tlsNamespace    = "urn:ietf:params:xml:ns:xmpp-tls"
	saslNamespace   = "urn:ietf:params:xml:ns:xmpp-sasl"
)

// StreamAttrs are the attributes of a peer's opening <stream:stream>
// header (§3 data model).
type StreamAttrs struct {
	From    string
	To      string
	ID      string
	Version string
}

func streamAttrsFromElement(elem xml.XElement) StreamAttrs {
	return StreamAttrs{
		From:    elem.From(),
		To:      elem.To(),
		ID:      elem.ID(),
		Version: elem.Version(),
	}
}

// newStreamHeader builds the opening <stream:stream> frame. Server streams
// never self-close this element; the caller writes it with
// includeClosing=false.
func newStreamHeader(from, to, id string) *xml.Element {
	e := xml.NewElementName("stream:stream")
	e.SetAttribute("xmlns", serverNamespace)
	e.SetAttribute("xmlns:stream", streamNamespace)
	e.SetAttribute("xmlns:db", dialbackNamespace)
	e.SetFrom(from)
	if to != "" {
		e.SetTo(to)
	}
	if id != "" {
		e.SetID(id)
	}
	e.SetAttribute("version", "1.0")
	return e
}

// newFeatures builds <stream:features>, advertising SASL EXTERNAL iff
// offerExternal is true. An empty <stream:features/> is still a valid,
// meaningful frame -- it signals "no features, proceed with dialback"
// (§4.1.2).
func newFeatures(offerExternal bool) *xml.Element {
	features := xml.NewElementName("stream:features")
	if offerExternal {
		mechanisms := xml.NewElementNamespace("mechanisms", saslNamespace)
		mechanism := xml.NewElementName("mechanism")
		mechanism.SetText("EXTERNAL")
		mechanisms.AppendElement(mechanism)
		features.AppendElement(mechanisms)
	}
	return features
}

func newStartTLS() *xml.Element {
	return xml.NewElementNamespace("starttls", tlsNamespace)
}

func newProceed() *xml.Element {
	return xml.NewElementNamespace("proceed", tlsNamespace)
}

func newAuthExternal(authzID string) *xml.Element {
	e := xml.NewElementNamespace("auth", saslNamespace)
	e.SetAttribute("mechanism", "EXTERNAL")
	e.SetText(authzID)
	return e
}

func newSASLSuccess() *xml.Element {
	return xml.NewElementNamespace("success", saslNamespace)
}

func newSASLFailure(condition string) *xml.Element {
	e := xml.NewElementNamespace("failure", saslNamespace)
	e.AppendElement(xml.NewElementName(condition))
	return e
}

func isStreamHeader(elem xml.XElement) bool {
	return elem.Name() == "stream:stream"
}

func isStartTLS(elem xml.XElement) bool {
	return elem.Name() == "starttls" && (elem.Namespace() == "" || elem.Namespace() == tlsNamespace)
}

func isProceed(elem xml.XElement) bool {
	return elem.Name() == "proceed" && elem.Namespace() == tlsNamespace
}

func isSASLAuth(elem xml.XElement) bool {
	return elem.Name() == "auth" && elem.Namespace() == saslNamespace
}

func isSASLSuccess(elem xml.XElement) bool {
	return elem.Name() == "success" && elem.Namespace() == saslNamespace
}

func isSASLFailure(elem xml.XElement) bool {
	return elem.Name() == "failure" && elem.Namespace() == saslNamespace
}
