// Package renvelope implements functions for handling email envelope
// addresses: splitting user@domain, domain membership checks, and header
// injection on raw message bytes.
package renvelope

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"

	"github.com/missioninbox/robin/internal/set"
)

// Split an user@domain address into user and domain.
func Split(addr string) (string, string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}

	return ps[0], ps[1]
}

// UserOf user@domain returns user.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf user@domain returns domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// DomainIn checks that the domain of the address is on the given set.
func DomainIn(addr string, locals *set.String) bool {
	domain := DomainOf(addr)
	if domain == "" {
		return true
	}

	return locals.Has(domain)
}

// Domain converts a (possibly Unicode) domain name into its ASCII
// ("punycode") representation, for on-the-wire comparisons. On error it
// returns the original domain, so callers can fall back to plain
// comparisons instead of failing the whole command.
func Domain(d string) (string, error) {
	ascii, err := idna.ToASCII(d)
	if err != nil {
		return d, err
	}
	return ascii, nil
}

// DomainToUnicode converts an ASCII/punycode domain name into its Unicode
// representation, for display and logging purposes.
func DomainToUnicode(d string) (string, error) {
	uni, err := idna.ToUnicode(d)
	if err != nil {
		return d, err
	}
	return uni, nil
}

// AddHeader adds (prepends) a MIME header to the message.
func AddHeader(data []byte, k, v string) []byte {
	if len(v) > 0 {
		// If the value contains newlines, indent them properly.
		if v[len(v)-1] == '\n' {
			v = v[:len(v)-1]
		}
		v = strings.Replace(v, "\n", "\n\t", -1)
	}

	header := []byte(fmt.Sprintf("%s: %s\n", k, v))
	return append(header, data...)
}
