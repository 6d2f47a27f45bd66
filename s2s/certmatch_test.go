/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCertIdentityMatches_CNOnlyMismatchRejected(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "other.example.org"}}
	require.False(t, certIdentityMatches(cert, "a.example.org"))
}

func TestCertIdentityMatches_CNOnlyMatchAccepted(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "a.example.org"}}
	require.True(t, certIdentityMatches(cert, "a.example.org"))
}

func TestCertIdentityMatches_WildcardDoesNotMatchBareDomain(t *testing.T) {
	cert := &x509.Certificate{DNSNames: []string{"*.example.org"}}
	require.False(t, certIdentityMatches(cert, "example.org"))
	require.True(t, certIdentityMatches(cert, "a.example.org"))
}

func TestCertIdentityMatches_SANSupersedesCN(t *testing.T) {
	cert := &x509.Certificate{
		Subject:  pkix.Name{CommonName: "a.example.org"},
		DNSNames: []string{"san-only.example.org"},
	}
	// The CN would match, but SAN is present and doesn't list the claimed
	// domain, so the certificate must be rejected anyway.
	require.False(t, certIdentityMatches(cert, "a.example.org"))
	require.True(t, certIdentityMatches(cert, "san-only.example.org"))
}

func TestCertIdentityMatches_EmptyClaimedRejected(t *testing.T) {
	cert := &x509.Certificate{DNSNames: []string{"a.example.org"}}
	require.False(t, certIdentityMatches(cert, ""))
}
