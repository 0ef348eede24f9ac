// Package normalize contains functions to normalize usernames and addresses.
package normalize

import (
	"github.com/missioninbox/robin/internal/renvelope"
	"golang.org/x/text/secure/precis"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalices an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := renvelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// Domain normalizes a domain name to its ASCII form, for on-the-wire
// comparisons (e.g. against the locally-served domains set).
func Domain(d string) (string, error) {
	return renvelope.Domain(d)
}

// DomainToUnicode converts a domain name back to its Unicode form, for
// display purposes.
func DomainToUnicode(d string) (string, error) {
	return renvelope.DomainToUnicode(d)
}
