/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"

	"github.com/corvid-im/s2s/log"
	"github.com/corvid-im/s2s/transport"
	"github.com/netsec-ethz/scion-apps/pkg/appnet"
	"github.com/netsec-ethz/scion-apps/pkg/appnet/appquic"
	"github.com/pkg/errors"
	"github.com/scionproto/scion/go/lib/snet"
	"golang.org/x/net/idna"
)

type srvResolveFunc func(service, proto, name string) (cname string, addrs []*net.SRV, err error)
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// dialer is the default Dialer (§4.2 OutgoingSession construction):
// Punycode-normalize the remote domain, then dial SCION/QUIC if the domain
// resolves to a SCION address, and DNS SRV + TCP otherwise -- grounded on the teacher's s2s/dialer.go, whose DNS SRV and
// SCION lookup logic is unchanged; only the return type moved from
// net.Conn to transport.Transport so OutgoingSession never sees a raw
// socket.
type dialer struct {
	srvResolve  srvResolveFunc
	dialContext dialFunc
}

// NewDialer constructs the default Dialer implementation.
func NewDialer() Dialer {
	var d net.Dialer
	return &dialer{
		srvResolve:  net.LookupSRV,
		dialContext: d.DialContext,
	}
}

func (d *dialer) Dial(ctx context.Context, remoteDomain string) (transport.Transport, error) {
	domain, err := idna.Lookup.ToASCII(remoteDomain)
	if err != nil {
		return nil, errors.Wrapf(err, "s2s dialer: invalid domain %q", remoteDomain)
	}

	if isSCION, scionRAddr := scionLookup(domain); isSCION {
		return d.dialQUIC(ctx, scionRAddr, domain)
	}
	return d.dialTCP(ctx, domain)
}

func scionLookup(remoteDomain string) (bool, *snet.UDPAddr) {
	host, port, err := net.SplitHostPort(remoteDomain)
	if err != nil {
		host = remoteDomain
		port = "52690"
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return false, nil
	}
	addr, err := appnet.ResolveUDPAddr(host + ".")
	if err != nil {
		return false, nil
	}
	addr.Host.Port = int(p)
	return true, addr
}

func (d *dialer) dialTCP(ctx context.Context, remoteDomain string) (transport.Transport, error) {
	_, address, err := d.srvResolve("xmpp-server", "tcp", remoteDomain)
	if err != nil {
		log.Warnf("s2s dialer: srv lookup for %s failed: %v", remoteDomain, err)
	}
	var target string
	if err != nil || len(address) == 1 && address[0].Target == "." {
		target = remoteDomain + ":5269"
	} else {
		target = strings.TrimSuffix(address[0].Target, ".") + ":" + strconv.Itoa(int(address[0].Port))
	}
	conn, err := d.dialContext(ctx, "tcp", target)
	if err != nil {
		return nil, errors.Wrapf(err, "s2s dialer: dial %s", target)
	}
	return transport.NewSocketTransport(conn), nil
}

// dialQUIC opens a SCION/QUIC session+stream to raddr. TLS 1.3 is
// negotiated as part of the QUIC handshake itself (grounded on the
// teacher's scionserver.go squic.Init server-side setup); the dialing
// side here is the client-side counterpart appquic provides.
//
// TODO(s2s): wire actual peer certificate validation into tlsCfg once a
// SCION-side Credentials equivalent exists -- same open edge the teacher
// left in scionserver.go's startScion (see its TODOs on SCION addressing).
func (d *dialer) dialQUIC(ctx context.Context, raddr *snet.UDPAddr, servername string) (transport.Transport, error) {
	tlsCfg := &tls.Config{ServerName: servername, InsecureSkipVerify: true, NextProtos: []string{"xmpp-server"}}
	session, err := appquic.DialAddr(raddr, servername, tlsCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, "s2s dialer: SCION QUIC dial")
	}
	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "s2s dialer: SCION QUIC open stream")
	}
	return transport.NewQUICSocketTransport(session, stream, false), nil
}
