// Package mailctx implements the core data model carried through a single
// SMTP transaction and across the queue: addresses, envelopes, recipients,
// message bodies and the mail context that ties them together.
package mailctx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InvalidAddress is returned when a mailbox fails to parse.
type InvalidAddress struct {
	Raw    string
	Reason string
}

func (e *InvalidAddress) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Raw, e.Reason)
}

// Address is a syntactically validated mailbox of the form
// local-part@domain. It is immutable once constructed.
type Address struct {
	full      string
	localPart string
	domain    string
}

// ParseAddress validates and builds an Address from a raw mailbox string
// (without angle brackets). The null reverse-path ("") is rejected here;
// callers that need to represent <> should do so out of band (see
// Envelope.NullSender).
func ParseAddress(raw string) (Address, error) {
	if raw == "" {
		return Address{}, &InvalidAddress{raw, "empty address"}
	}

	at := strings.IndexByte(raw, '@')
	if at <= 0 || at == len(raw)-1 {
		return Address{}, &InvalidAddress{raw, "missing local-part or domain"}
	}

	local, domain := raw[:at], raw[at+1:]
	if strings.ContainsAny(local, " \t\r\n") {
		return Address{}, &InvalidAddress{raw, "local-part contains whitespace"}
	}
	if strings.ContainsAny(domain, " \t\r\n@") {
		return Address{}, &InvalidAddress{raw, "malformed domain"}
	}
	if len(raw) > 256 {
		return Address{}, &InvalidAddress{raw, "address too long"}
	}

	return Address{full: local + "@" + domain, localPart: local, domain: domain}, nil
}

// Full returns the full local-part@domain string.
func (a Address) Full() string { return a.full }

// LocalPart returns the part before the '@'.
func (a Address) LocalPart() string { return a.localPart }

// Domain returns the part after the '@'.
func (a Address) Domain() string { return a.domain }

// IsZero reports whether this is the zero-value Address (unset).
func (a Address) IsZero() bool { return a.full == "" }

func (a Address) String() string { return a.full }

// Equal compares two addresses: case-sensitive on the local-part,
// case-insensitive on the domain, as required by the data model.
func (a Address) Equal(b Address) bool {
	return a.localPart == b.localPart && strings.EqualFold(a.domain, b.domain)
}

// MarshalJSON renders the address as its plain full string. Address's
// fields are unexported (to keep it immutable once parsed), so without this
// encoding/json would serialize every Address as "{}".
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.full)
}

func (a *Address) UnmarshalJSON(data []byte) error {
	var full string
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}
	if full == "" {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(full)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
