// Package normalize contains functions to normalize usernames and addresses.
package normalize

import (
	"strings"

	"github.com/chasquid-relay/zoneq/internal/envelope"
	"golang.org/x/net/idna"
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
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	domain, err = Domain(domain)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// Domain normalizes a domain name: lowercase, and punycode (IDNA) encoded.
// On error, it returns the lowercased domain so callers can keep going.
func Domain(domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return domain, err
	}
	return ascii, nil
}

// Recipient normalizes a recipient address the way the router does: trim
// surrounding whitespace and angle brackets, then normalize the domain.
// Unlike Addr, it does not PRECIS-normalize the user part, since remote
// recipient local parts are opaque to us and must be preserved verbatim.
func Recipient(addr string) (user, domain string, err error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")

	user, domain = envelope.Split(addr)
	domain, err = Domain(domain)
	return user, domain, err
}
