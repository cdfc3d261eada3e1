// Package normalize contains functions to normalize usernames and addresses.
package normalize

import (
	"bytes"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"vsmtpd.io/go/vsmtpd/internal/envelope"
)

// Domain normalizes a domain to its IDNA ASCII (punycode) form, the form
// used internally for domain comparisons and lookups, the same conversion
// internal/smtp applies to non-ASCII domains before the wire.
// On error, it returns the original domain to simplify callers.
func Domain(domain string) (string, error) {
	norm, err := idna.ToASCII(domain)
	if err != nil {
		return domain, err
	}
	return norm, nil
}

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

	return user + "@" + domain, nil
}

// ToCRLF rewrites bare LF line endings to CRLF, leaving existing CRLF
// sequences untouched. DKIM signing and verification both canonicalize on
// CRLF-delimited lines, but messages read from disk or stdin often use bare
// LF.
func ToCRLF(msg []byte) []byte {
	msg = bytes.ReplaceAll(msg, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(msg, []byte("\n"), []byte("\r\n"))
}
