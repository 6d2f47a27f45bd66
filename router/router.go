/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package router is the trivial multiplexer from spec §2: it maps a
// hosted local domain name to the DomainContext that owns it. The teacher
// models this as a process-wide router.Instance() singleton (see
// c2s.go's router.Instance() call sites); design notes §9 ("Global
// state. None in the core.") asks for that singleton to go, so Router
// here is an ordinary injectable value instead -- the one deliberate
// behavioral deviation from the teacher, recorded in DESIGN.md.
package router

import (
	"sync"

	"github.com/corvid-im/s2s/s2s"
	"github.com/corvid-im/s2s/xml"
)

// Router maps hosted domains to their DomainContext.
type Router struct {
	mu       sync.RWMutex
	contexts map[string]*s2s.DomainContext
}

// New returns an empty Router.
func New() *Router {
	return &Router{contexts: make(map[string]*s2s.DomainContext)}
}

// Register installs the DomainContext responsible for domain. Call once
// per hosted domain at startup; a DomainContext's lifetime equals the
// process lifetime for that domain (§3).
func (r *Router) Register(domain string, ctx *s2s.DomainContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[domain] = ctx
}

// Context returns the DomainContext for domain, or nil if this process
// doesn't host it.
func (r *Router) Context(domain string) *s2s.DomainContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contexts[domain]
}

// Send routes an outbound stanza to the DomainContext owning its "from"
// domain, which then resolves the destination itself (§2 data flow).
// Fatal core error, per §7: a stanza with no "from" at all is a
// programmer bug in the host application, not a recoverable condition.
func (r *Router) Send(stanza xml.Stanza) {
	from := stanza.FromJID()
	if from == nil {
		panic("router: Send called with a stanza lacking a from JID")
	}
	ctx := r.Context(from.Domain())
	if ctx == nil {
		panic("router: Send called for a domain this process doesn't host: " + from.Domain())
	}
	ctx.Send(stanza)
}

// End terminates every DomainContext this router owns.
func (r *Router) End() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ctx := range r.contexts {
		ctx.End()
	}
}
