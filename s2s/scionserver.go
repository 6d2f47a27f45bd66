/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"context"
	"sync/atomic"

	quic "github.com/lucas-clemente/quic-go"
	"github.com/netsec-ethz/scion-apps/pkg/appnet"
	"github.com/netsec-ethz/scion-apps/pkg/appnet/appquic"
	"github.com/scionproto/scion/go/lib/snet/squic"

	"github.com/corvid-im/s2s/config"
	"github.com/corvid-im/s2s/log"
	"github.com/corvid-im/s2s/transport"
)

// ScionListener accepts SCION/QUIC inbound streams and hands each one to
// a DomainContext as a freshly accepted IncomingSession, grounded on the
// teacher's s2s/scionserver.go scionServer.
type ScionListener struct {
	cfg    config.Scion
	ctx    *DomainContext
	lnQUIC quic.Listener

	listening uint32
}

// NewScionListener builds a listener for ctx's hosted domain; Listen
// starts accepting once cfg names a port.
func NewScionListener(cfg config.Scion, ctx *DomainContext) *ScionListener {
	return &ScionListener{cfg: cfg, ctx: ctx}
}

// Listen starts accepting SCION/QUIC connections in the background. A
// zero Port means SCION is disabled for this domain.
func (l *ScionListener) Listen() {
	if l.cfg.Port == 0 {
		return
	}
	go l.run()
}

func (l *ScionListener) run() {
	if err := l.listenScionConn(uint16(l.cfg.Port)); err != nil {
		log.Errorf("s2s scion: %v", err)
	}
}

func (l *ScionListener) listenScionConn(port uint16) error {
	_ = appnet.DefNetwork() // scion-apps owns startup failure reporting here
	if err := squic.Init(l.cfg.Key, l.cfg.Cert); err != nil {
		return err
	}
	listener, err := appquic.ListenPort(port, nil, nil)
	if err != nil {
		return err
	}
	log.Infof("s2s scion: listening at %s", listener.Addr())
	l.lnQUIC = listener
	atomic.StoreUint32(&l.listening, 1)
	for atomic.LoadUint32(&l.listening) == 1 {
		sess, err := l.lnQUIC.Accept(context.Background())
		if err != nil {
			continue
		}
		log.Infof("s2s scion: new connection from %s", sess.RemoteAddr())
		stream, err := sess.AcceptStream(context.Background())
		if err != nil {
			log.Warnf("s2s scion: no stream opened by dialer: %v", err)
			continue
		}
		tr := transport.NewQUICSocketTransport(sess, stream, l.cfg.Compress)
		l.ctx.AcceptIncoming(tr)
	}
	return nil
}

// Close stops accepting new SCION connections.
func (l *ScionListener) Close() {
	if atomic.SwapUint32(&l.listening, 0) == 1 && l.lnQUIC != nil {
		_ = l.lnQUIC.Close()
	}
}
