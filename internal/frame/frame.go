// Package frame implements the line-oriented, timeout-aware I/O service
// used by the SMTP connection handler: read CRLF-terminated lines with a
// wire-length limit, write raw bytes, and complete a TLS handshake before
// any further SMTP traffic is read, all bounded by per-call deadlines.
//
// This generalizes the teacher's ad hoc bufio.Reader/Writer handling
// inline in smtpsrv.Conn into a standalone, independently testable type.
package frame

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// MaxLineBytes caps the line content (CRLF stripped) that ReadLine returns.
// The tighter per-state limits (command lines outside DATA, message lines
// inside it) are checked by event.ParseCommand and event.ParseDataLine.
const MaxLineBytes = 1000

// ErrLineTooLong is returned by ReadLine when a line exceeds MaxLineBytes
// without finding a CRLF terminator; callers map this to reply 500.
var ErrLineTooLong = errors.New("frame: line too long")

// Framer wraps a net.Conn (plain or TLS) with buffered, line-oriented I/O.
type Framer struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// New wraps conn for line-oriented I/O.
func New(conn net.Conn) *Framer {
	return &Framer{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// Conn returns the underlying connection.
func (f *Framer) Conn() net.Conn { return f.conn }

// Rewrap replaces the underlying connection (used after a STARTTLS
// handshake, when the plaintext conn is superseded by a *tls.Conn).
func (f *Framer) Rewrap(conn net.Conn) {
	f.conn = conn
	f.reader = bufio.NewReader(conn)
	f.writer = bufio.NewWriter(conn)
}

// SetDeadline sets both read and write deadlines on the underlying conn.
func (f *Framer) SetDeadline(t time.Time) error {
	return f.conn.SetDeadline(t)
}

// ReadLine reads up to and including the next CRLF, and returns the line
// with the CRLF stripped. It returns ErrLineTooLong if more than
// MaxLineBytes are seen before a terminator (the rest of the oversized
// line is drained so the connection's framing is not desynchronized),
// io.EOF if the peer closed cleanly, or a wrapped I/O error otherwise.
func (f *Framer) ReadLine() (string, error) {
	l, more, err := f.reader.ReadLine()
	if err != nil {
		return "", err
	}

	if len(l) > MaxLineBytes || more {
		for more && err == nil {
			_, more, err = f.reader.ReadLine()
		}
		return "", ErrLineTooLong
	}

	return string(l), nil
}

// WriteLine writes s followed by CRLF, and flushes.
func (f *Framer) WriteLine(s string) error {
	if _, err := f.writer.WriteString(s); err != nil {
		return err
	}
	if _, err := f.writer.WriteString("\r\n"); err != nil {
		return err
	}
	return f.writer.Flush()
}

// Write writes raw bytes without framing or flushing.
func (f *Framer) Write(b []byte) (int, error) {
	return f.writer.Write(b)
}

// Flush flushes any buffered writes.
func (f *Framer) Flush() error {
	return f.writer.Flush()
}

// Reader exposes the underlying buffered reader, for callers (like the
// DATA dot-reader) that need to wrap it in another io.Reader.
func (f *Framer) Reader() io.Reader {
	return f.reader
}

// HandshakeTLS completes a server-side TLS handshake on the current
// connection and rewraps the Framer around the resulting *tls.Conn, per
// the teacher's STARTTLS handler (tls.Server + Handshake, then swap in the
// new conn/reader/writer). The handshake is bounded by
// DefaultHandshakeTimeout; the caller resets the deadline afterwards. The
// caller is expected to have already sent the "ready to start TLS" reply on
// the plaintext connection.
func (f *Framer) HandshakeTLS(config *tls.Config) (*tls.ConnectionState, error) {
	tconn := tls.Server(f.conn, config)
	_ = tconn.SetDeadline(time.Now().Add(DefaultHandshakeTimeout))
	if err := tconn.Handshake(); err != nil {
		return nil, err
	}
	f.Rewrap(tconn)
	cs := tconn.ConnectionState()
	return &cs, nil
}
