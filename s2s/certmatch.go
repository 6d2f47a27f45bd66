/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package s2s

import (
	"crypto/x509"
	"strings"
)

// certIdentityMatches implements the §4.1a canonical TLS server-identity
// check (RFC 6125 style): a SAN-bearing certificate is judged solely on
// its subjectAltName DNS entries -- even if the CN would otherwise match
// -- and a CN-only certificate falls back to CN. Wildcards match exactly
// one leading label.
func certIdentityMatches(cert *x509.Certificate, claimed string) bool {
	if claimed == "" {
		return false
	}
	if len(cert.DNSNames) > 0 {
		for _, san := range cert.DNSNames {
			if matchesIdentity(san, claimed) {
				return true
			}
		}
		return false
	}
	return matchesIdentity(cert.Subject.CommonName, claimed)
}

// matchesIdentity compares a certificate name (possibly a single
// left-most wildcard label) against a claimed hostname, case-insensitively.
func matchesIdentity(certName, host string) bool {
	certName = strings.ToLower(strings.TrimSuffix(certName, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if certName == "" || host == "" {
		return false
	}
	if certName == host {
		return true
	}
	if !strings.HasPrefix(certName, "*.") {
		return false
	}
	suffix := certName[1:] // ".example.com"
	dot := strings.Index(host, ".")
	if dot < 0 {
		return false // host has no label for the wildcard to replace
	}
	return host[dot:] == suffix
}
