package smtpsrv

import (
	"crypto/tls"
	"fmt"
)

// TLSContext is the explicit TLS material threaded into a Server at
// construction, rather than held in a package-level global: one value,
// constructed at startup, shared by every listener of that Server.
type TLSContext struct {
	Config *tls.Config
}

// LoadTLSContext builds a TLSContext from a keystore file: a single PEM
// file holding both the certificate chain and the private key.
// tls.LoadX509KeyPair scans certFile for CERTIFICATE blocks and keyFile
// for the PRIVATE KEY block independently, so passing the same path for
// both lets one combined keystore file serve as both arguments; callers
// with genuinely separate cert/key files can still pass them here
// directly. The keystore password (rconfig.Validate already resolves it
// to either the literal configured value or the contents of the file it
// names) is not used here: this expects an unencrypted PEM private key,
// so an encrypted keystore is out of scope.
func LoadTLSContext(certFile, keyFile string) (*TLSContext, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("smtpsrv: loading keystore: %v", err)
	}
	return &TLSContext{
		Config: &tls.Config{Certificates: []tls.Certificate{cert}},
	}, nil
}
