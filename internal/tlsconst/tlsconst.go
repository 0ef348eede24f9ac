// Package tlsconst contains TLS constants for human consumption, used when
// recording a session's negotiated TLS version and cipher suite after a
// STARTTLS or implicit-TLS handshake completes.
package tlsconst

import (
	"crypto/tls"
	"fmt"
)

var versionName = map[uint16]string{
	0x0300: "SSL-3.0",
	0x0301: "TLS-1.0",
	0x0302: "TLS-1.1",
	0x0303: "TLS-1.2",
	0x0304: "TLS-1.3",
}

// VersionName returns a human-readable TLS version name.
func VersionName(v uint16) string {
	name, ok := versionName[v]
	if !ok {
		return fmt.Sprintf("TLS-%#04x", v)
	}
	return name
}

// CipherSuiteName returns a human-readable TLS cipher suite name, delegating
// to the standard library's own IANA-derived table (crypto/tls.CipherSuiteName,
// available since Go 1.14) instead of hand-maintaining a generated copy of it.
func CipherSuiteName(s uint16) string {
	return tls.CipherSuiteName(s)
}
