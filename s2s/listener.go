/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"net"
	"sync/atomic"

	"github.com/corvid-im/s2s/log"
	"github.com/corvid-im/s2s/transport"
)

// Listener accepts plain-TCP inbound S2S connections (port 5269) and
// hands each one to a DomainContext as a freshly accepted IncomingSession.
// STARTTLS happens later, in-band, once the stream is open (§4.1.3) --
// this listener itself never touches TLS.
type Listener struct {
	addr string
	ctx  *DomainContext

	ln        net.Listener
	listening uint32
}

// NewListener builds a TCP listener for addr (e.g. ":5269") bound to ctx.
func NewListener(addr string, ctx *DomainContext) *Listener {
	return &Listener{addr: addr, ctx: ctx}
}

// Listen starts accepting in the background.
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln
	atomic.StoreUint32(&l.listening, 1)
	go l.run()
	log.Infof("s2s: listening at %s", l.addr)
	return nil
}

func (l *Listener) run() {
	for atomic.LoadUint32(&l.listening) == 1 {
		conn, err := l.ln.Accept()
		if err != nil {
			if atomic.LoadUint32(&l.listening) == 1 {
				log.Warnf("s2s: accept error: %v", err)
			}
			continue
		}
		l.ctx.AcceptIncoming(transport.NewSocketTransport(conn))
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if atomic.SwapUint32(&l.listening, 0) == 0 {
		return nil
	}
	return l.ln.Close()
}
