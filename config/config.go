/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package config defines the shape of the three options the core
// recognizes (spec §6) plus the transport/timeout knobs sessions need.
// LoadConfig decodes a YAML document into a Config; opening that document
// and installing TLS material are left to the host.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"time"

	"gopkg.in/yaml.v2"
)

// Credentials is the opaque TLS material bundle from the data model (§3):
// local certificate/key plus accepted CA roots. Never mutated once
// installed; every session sharing a DomainContext shares the same
// reference (concurrency §5, "shared resource policy").
type Credentials struct {
	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
}

// TLSConfig builds the *tls.Config STARTTLS negotiation upgrades to.
// ClientAuth is left to the caller: IncomingSession passes
// tls.RequestClientCert (its SASL EXTERNAL renegotiation does not change
// it) and OutgoingSession passes tls.NoClientCert.
func (c *Credentials) TLSConfig(clientAuth tls.ClientAuthType) *tls.Config {
	return &tls.Config{
		Certificates: c.Certificates,
		ClientCAs:    c.RootCAs,
		RootCAs:      c.RootCAs,
		ClientAuth:   clientAuth,
	}
}

// Scion carries the SCION/QUIC listener settings the teacher's
// s2s/scionserver.go reads from *Config.
type Scion struct {
	Port int
	Key  string
	Cert string
	// Compress is handed to each accepted QUIC transport, which records it
	// but does not compress the payload.
	Compress bool
}

// Config is the configuration surface the s2s core recognizes.
type Config struct {
	// Credentials enables STARTTLS offer and SASL EXTERNAL.
	Credentials *Credentials `yaml:"-"`

	// SecureDomain is the operator's SASL EXTERNAL switch. DomainContext
	// does not read it: its IncomingSessions offer EXTERNAL (once TLS is up
	// and the peer isn't authenticated yet) whenever the context has
	// credentials installed.
	SecureDomain bool `yaml:"secure_domain"`

	// DialbackSecret seeds the per-process HMAC key (§4.4). Process-scoped;
	// never persisted.
	DialbackSecret string `yaml:"dialback_secret"`

	// ConnectTimeout, in seconds; 0 disables the timer.
	ConnectTimeout int `yaml:"connect_timeout"`

	// KeepAlive is the idle-read deadline setting. The sessions in this
	// module do not apply it; no idle deadline is enforced.
	KeepAlive time.Duration `yaml:"keep_alive"`

	// Timeout is the per-operation I/O timeout setting. The sessions and
	// transports in this module do not apply it.
	Timeout time.Duration `yaml:"timeout"`

	// MaxStanzaSize caps a single parsed element, handed to the external
	// stream parser.
	MaxStanzaSize int `yaml:"max_stanza_size"`

	// Scion, if set, holds the settings for the inbound SCION/QUIC listener
	// (NewScionListener). Outgoing dials do not read it: the default dialer
	// uses SCION/QUIC whenever the remote domain resolves to a SCION address.
	Scion *Scion `yaml:"scion"`
}

// LoadConfig parses r as the YAML document a host process would read from
// disk at startup, the same way the teacher's own entry point loads its
// config before constructing a Router. Credentials is never populated
// this way (tagged yaml:"-"): TLS material is the host's own concern to
// load and install via DomainContext.SetCredentials.
func LoadConfig(r io.Reader) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
