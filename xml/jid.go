/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package xml

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/secure/precis"
)

// ErrInvalidJID is returned when a JID string cannot be parsed.
var ErrInvalidJID = errors.New("xml: invalid JID")

// JID represents a parsed Jabber ID: node@domain/resource, with node and
// resource optional. The s2s core only ever inspects Domain(); full JID
// parsing/stringprep (nodeprep, resourceprep) is the external collaborator
// named in the core's design -- this type exists so session and stanza code
// has somewhere to hang the four attributes it actually reads.
type JID struct {
	node     string
	domain   string
	resource string
}

// NewJID builds a JID from parts, nameprep-normalizing the domain.
func NewJID(node, domain, resource string) (*JID, error) {
	norm, err := nameprep(domain)
	if err != nil {
		return nil, errors.Wrap(err, "xml: nameprep domain")
	}
	return &JID{node: node, domain: norm, resource: resource}, nil
}

// NewJIDString parses a JID of the form [node@]domain[/resource].
func NewJIDString(s string) (*JID, error) {
	if s == "" {
		return nil, ErrInvalidJID
	}
	var node, domain, resource string
	rest := s
	if at := strings.Index(rest, "@"); at >= 0 {
		node = rest[:at]
		rest = rest[at+1:]
	}
	if slash := strings.Index(rest, "/"); slash >= 0 {
		domain = rest[:slash]
		resource = rest[slash+1:]
	} else {
		domain = rest
	}
	if domain == "" {
		return nil, ErrInvalidJID
	}
	return NewJID(node, domain, resource)
}

func (j *JID) Node() string     { return j.node }
func (j *JID) Domain() string   { return j.domain }
func (j *JID) Resource() string { return j.resource }

func (j *JID) IsBare() bool { return j.resource == "" }
func (j *JID) IsFull() bool { return j.resource != "" }

func (j *JID) ToBareJID() *JID {
	return &JID{node: j.node, domain: j.domain}
}

func (j *JID) String() string {
	var sb strings.Builder
	if j.node != "" {
		sb.WriteString(j.node)
		sb.WriteString("@")
	}
	sb.WriteString(j.domain)
	if j.resource != "" {
		sb.WriteString("/")
		sb.WriteString(j.resource)
	}
	return sb.String()
}

// nameprep normalizes a domain label the way stringprep's nameprep profile
// would (case-folding, width-folding, bidi rejection). precis.Nickname is
// the closest off-the-shelf PRECIS profile with that shape, and standing in
// here keeps nameprep's work out of the core the way the spec requires. Its
// enforcement keeps case, so each label is lowercased afterwards.
func nameprep(domain string) (string, error) {
	if domain == "" {
		return "", ErrInvalidJID
	}
	var labels []string
	for _, label := range strings.Split(domain, ".") {
		folded, err := precis.Nickname.String(label)
		if err != nil {
			// fall back to simple lowercasing for labels PRECIS rejects
			// outright (e.g. punycode "xn--" labels); nameprep's own
			// handling of those is the external collaborator's job.
			folded = label
		}
		labels = append(labels, strings.ToLower(folded))
	}
	return strings.Join(labels, "."), nil
}
