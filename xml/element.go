/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package xml provides the minimal XML element tree, JID and stanza types
// the s2s core needs. The real parser/serializer (the wire codec) is an
// external collaborator per the core's design; this package only models
// the shapes that flow through IncomingSession, OutgoingSession and
// DomainContext.
package xml

import (
	"fmt"
	"io"
	"strings"
)

// XElement is the generic element interface every stanza, stream header
// and protocol frame in this package satisfies.
type XElement interface {
	Name() string
	Namespace() string
	Attributes() AttributeSet
	Elements() ElementSet
	Text() string

	To() string
	From() string
	ID() string
	Type() string
	Version() string

	ToXML(w io.Writer, includeClosing bool)
	String() string
}

// Attribute is a single name/value pair on an element.
type Attribute struct {
	Name  string
	Value string
}

// AttributeSet is the read view over an element's attributes.
type AttributeSet interface {
	Get(name string) string
	All() []Attribute
}

type attributeSet struct {
	attrs []Attribute
}

func (s *attributeSet) Get(name string) string {
	for _, a := range s.attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

func (s *attributeSet) All() []Attribute {
	return s.attrs
}

func (s *attributeSet) set(name, value string) {
	for i, a := range s.attrs {
		if a.Name == name {
			s.attrs[i].Value = value
			return
		}
	}
	s.attrs = append(s.attrs, Attribute{Name: name, Value: value})
}

// ElementSet is the read view over an element's children.
type ElementSet interface {
	All() []XElement
	Child(name string) XElement
	ChildNamespace(name, namespace string) XElement
	Children(name string) []XElement
}

type elementSet struct {
	elements []XElement
}

func (s *elementSet) All() []XElement { return s.elements }

func (s *elementSet) Child(name string) XElement {
	for _, e := range s.elements {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

func (s *elementSet) ChildNamespace(name, namespace string) XElement {
	for _, e := range s.elements {
		if e.Name() == name && e.Namespace() == namespace {
			return e
		}
	}
	return nil
}

func (s *elementSet) Children(name string) []XElement {
	var res []XElement
	for _, e := range s.elements {
		if e.Name() == name {
			res = append(res, e)
		}
	}
	return res
}

// Element is the concrete, mutable XElement implementation used to build
// every frame the core sends: stream headers, features, SASL frames,
// dialback elements and stanzas.
type Element struct {
	name      string
	namespace string
	attrs     attributeSet
	elements  elementSet
	text      string
}

// NewElementName creates an empty, namespace-less element.
func NewElementName(name string) *Element {
	return &Element{name: name}
}

// NewElementNamespace creates an element scoped to namespace.
func NewElementNamespace(name, namespace string) *Element {
	return &Element{name: name, namespace: namespace}
}

// NewElementFromElement performs a shallow copy: name, namespace, text and
// attributes are copied, and the clone gets its own child slice holding the
// same child elements. NewStanzaFromElement uses it to wrap an XElement
// that isn't an *Element.
func NewElementFromElement(e XElement) *Element {
	cp := &Element{
		name:      e.Name(),
		namespace: e.Namespace(),
		text:      e.Text(),
	}
	cp.attrs.attrs = append([]Attribute(nil), e.Attributes().All()...)
	cp.elements.elements = append([]XElement(nil), e.Elements().All()...)
	return cp
}

func (e *Element) Name() string             { return e.name }
func (e *Element) Namespace() string        { return e.namespace }
func (e *Element) Attributes() AttributeSet { return &e.attrs }
func (e *Element) Elements() ElementSet     { return &e.elements }
func (e *Element) Text() string             { return e.text }

func (e *Element) To() string      { return e.attrs.Get("to") }
func (e *Element) From() string    { return e.attrs.Get("from") }
func (e *Element) ID() string      { return e.attrs.Get("id") }
func (e *Element) Type() string    { return e.attrs.Get("type") }
func (e *Element) Version() string { return e.attrs.Get("version") }

func (e *Element) SetNamespace(ns string) *Element { e.namespace = ns; return e }
func (e *Element) SetText(text string) *Element    { e.text = text; return e }

func (e *Element) SetAttribute(name, value string) *Element {
	e.attrs.set(name, value)
	return e
}

func (e *Element) SetTo(to string) *Element     { return e.SetAttribute("to", to) }
func (e *Element) SetFrom(from string) *Element { return e.SetAttribute("from", from) }
func (e *Element) SetID(id string) *Element     { return e.SetAttribute("id", id) }
func (e *Element) SetType(typ string) *Element  { return e.SetAttribute("type", typ) }

func (e *Element) AppendElement(child XElement) *Element {
	e.elements.elements = append(e.elements.elements, child)
	return e
}

func (e *Element) AppendElements(children []XElement) *Element {
	e.elements.elements = append(e.elements.elements, children...)
	return e
}

// ToXML serializes the element. includeClosing only matters for an element
// with no text and no children: true writes it self-closed, false leaves
// it open (for stream-open frames) for the caller to close later. An
// element with content always gets its closing tag.
func (e *Element) ToXML(w io.Writer, includeClosing bool) {
	fmt.Fprintf(w, "<%s", e.name)
	if e.namespace != "" {
		fmt.Fprintf(w, " xmlns=\"%s\"", e.namespace)
	}
	for _, a := range e.attrs.attrs {
		fmt.Fprintf(w, " %s=\"%s\"", a.Name, escape(a.Value))
	}
	hasContent := e.text != "" || len(e.elements.elements) > 0
	if !hasContent && !includeClosing {
		io.WriteString(w, ">")
		return
	}
	if !hasContent {
		io.WriteString(w, "/>")
		return
	}
	io.WriteString(w, ">")
	if e.text != "" {
		io.WriteString(w, escape(e.text))
	}
	for _, c := range e.elements.elements {
		c.ToXML(w, true)
	}
	fmt.Fprintf(w, "</%s>", e.name)
}

func (e *Element) String() string {
	var sb strings.Builder
	e.ToXML(&sb, true)
	return sb.String()
}

func escape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}
