package frame

import (
	"crypto/tls"
	"time"
)

// DefaultHandshakeTimeout is the bound applied to a TLS handshake
// (implicit-TLS accept or STARTTLS upgrade) per spec.md §4.1.
const DefaultHandshakeTimeout = 200 * time.Millisecond

// HandshakeTLS wraps conn in a TLS server and completes the handshake
// within timeout, returning the resulting *tls.Conn and its connection
// state. The caller is expected to Rewrap the Framer with the returned
// conn on success.
func HandshakeTLS(f *Framer, config *tls.Config, timeout time.Duration) (*tls.Conn, tls.ConnectionState, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	tc := tls.Server(f.Conn(), config)
	_ = tc.SetDeadline(time.Now().Add(timeout))
	if err := tc.Handshake(); err != nil {
		return nil, tls.ConnectionState{}, err
	}

	return tc, tc.ConnectionState(), nil
}
