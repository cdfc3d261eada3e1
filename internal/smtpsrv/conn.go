package smtpsrv

// conn.go drives one accepted connection's SMTP dialogue: it owns the wire
// I/O (internal/frame.Framer) and feeds parsed commands into a Transaction,
// acting on the Outcome it gets back. This generalizes the teacher's
// monolithic Conn.Handle command loop (which mixed protocol state, wire I/O
// and policy checks in one file) by pulling "what the protocol does" out
// into Transaction and keeping here only "how bytes move and how a signal
// is carried out".

import (
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"time"

	"vsmtpd.io/go/vsmtpd/internal/auth"
	"vsmtpd.io/go/vsmtpd/internal/event"
	"vsmtpd.io/go/vsmtpd/internal/frame"
	"vsmtpd.io/go/vsmtpd/internal/mailctx"
	"vsmtpd.io/go/vsmtpd/internal/maillog"
	"vsmtpd.io/go/vsmtpd/internal/policy"
	"vsmtpd.io/go/vsmtpd/internal/queue"
	"vsmtpd.io/go/vsmtpd/internal/reply"
	"vsmtpd.io/go/vsmtpd/internal/trace"
)

// SocketMode identifies which of the three listening sockets a Conn was
// accepted on (spec.md §4.5): plain and submission sockets start in the
// clear and offer STARTTLS; the implicit-TLS socket completes a handshake
// before any SMTP traffic is exchanged, and submission additionally
// requires encryption and authentication before MAIL FROM is accepted.
type SocketMode int

const (
	ModePlain SocketMode = iota
	ModeSubmission
	ModeImplicitTLS
)

// defaultErrorSoftLimit/defaultErrorHardLimit/defaultErrorDelay are the
// error-rate cap defaults (spec.md §4.3, scenario 5) used when a Config
// leaves the corresponding knob at its zero value.
const (
	defaultErrorSoftLimit = 5
	defaultErrorHardLimit = 10
	defaultErrorDelay     = 100 * time.Millisecond
)

// Config carries the knobs shared by every Conn accepted on one listener,
// assembled once at server construction time.
type Config struct {
	Hostname            string
	MaxDataSize         int64
	CommandTimeout      time.Duration
	TotalTimeout        time.Duration
	TLSConfig           *tls.Config
	EncryptRequired     bool
	MustBeAuthenticated bool
	MaxRecipients       int
	Policy              policy.Host
	Authr               *auth.Authenticator
	Queue               *queue.Store
	Replies             reply.Table

	// ErrorSoftLimit is the consecutive-error count past which the handler
	// sleeps ErrorDelay before replying; ErrorHardLimit is the count at
	// which it closes the connection with TooManyError (spec.md §4.3).
	ErrorSoftLimit int
	ErrorHardLimit int
	ErrorDelay     time.Duration
}

// Conn drives one accepted connection.
type Conn struct {
	cfg Config

	framer *frame.Framer
	mode   SocketMode
	tr     *trace.Trace

	deadline time.Time
	errCount int

	txn *Transaction
}

// NewConn wraps an accepted net.Conn for SMTP service.
func NewConn(nc net.Conn, mode SocketMode, cfg Config) *Conn {
	peer := nc.RemoteAddr()
	c := &Conn{
		cfg:    cfg,
		framer: frame.New(nc),
		mode:   mode,
		tr:     trace.New("SMTP", peer.String()),
	}
	c.txn = NewTransaction(cfg.Policy, mailctx.Connection{
		PeerAddr:   peer,
		ServerName: cfg.Hostname,
		Timestamp:  time.Now(),
		IsSecured:  mode == ModeImplicitTLS,
	})
	c.txn.EhloEnabled = true
	c.txn.TLSConfigured = cfg.TLSConfig != nil
	c.txn.EncryptRequired = cfg.EncryptRequired || mode == ModeSubmission
	c.txn.MustBeAuthenticated = cfg.MustBeAuthenticated || mode == ModeSubmission
	if cfg.MaxRecipients > 0 {
		c.txn.MaxRecipients = cfg.MaxRecipients
	}
	return c
}

// Serve drives the connection to completion: greeting, command loop, and
// cleanup. It returns once the connection is done, one way or another.
func (c *Conn) Serve() {
	defer c.tr.Finish()
	defer c.framer.Conn().Close()

	if c.cfg.TotalTimeout > 0 {
		c.deadline = time.Now().Add(c.cfg.TotalTimeout)
	}

	if c.mode == ModeImplicitTLS {
		if !c.setDeadline() {
			return
		}
		cs, err := c.framer.HandshakeTLS(c.cfg.TLSConfig)
		if err != nil {
			c.tr.Errorf("implicit TLS handshake: %v", err)
			return
		}
		c.txn.Ctx.Connection.IsSecured = true
		c.applyTLSServerName(cs)
	}

	if !c.setDeadline() {
		return
	}
	out, err := c.txn.Connect()
	if err != nil {
		c.tr.Errorf("connect policy: %v", err)
	}
	if c.writeReply(out.Reply) != nil {
		return
	}
	if out.Reply == reply.Denied {
		return
	}

	for {
		if c.cfg.TotalTimeout > 0 && time.Now().After(c.deadline) {
			c.writeReply(reply.Timeout)
			return
		}
		if !c.setDeadline() {
			return
		}

		line, err := c.framer.ReadLine()
		if err != nil {
			if errors.Is(err, frame.ErrLineTooLong) {
				if c.writeReply(reply.LineTooLong) != nil {
					return
				}
				if c.txn.State == StData {
					// §4.2: overflow in DATA aborts the message, not the
					// connection; go back to accepting commands.
					c.txn.Ctx.ResetTransaction()
					c.txn.State = StHelo
				}
				continue
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.writeReply(reply.Timeout)
			}
			return
		}

		if c.txn.State == StData {
			if !c.stepOne(event.ParseDataLine(line)) {
				return
			}
			continue
		}

		if isCrossProtocolProbe(line) {
			c.tr.Errorf("cross-protocol probe, closing connection")
			c.writeReply(reply.CrossProtocol)
			return
		}

		if isDataCommand(line) {
			if !c.handleDataCommand() {
				return
			}
			continue
		}

		if !c.stepOne(event.ParseCommand(line)) {
			return
		}
	}
}

// stepOne takes the (Event, error) pair the caller parsed, drives it
// through the Transaction, carries out any Signal, and writes the
// resulting reply. It returns false when the connection must close.
func (c *Conn) stepOne(ev event.Event, perr error) bool {
	if perr != nil {
		var pe *event.ParseError
		if errors.As(perr, &pe) {
			return c.writeReply(pe.ID) == nil
		}
		return false
	}

	out, err := c.txn.Step(ev)
	if err != nil {
		c.tr.Errorf("policy: %v", err)
	}

	if !c.carryOutSignal(ev, out) {
		return false
	}

	return c.txn.State != StStop
}

// carryOutSignal dispatches on out.Signal, writing whatever reply is due
// (the EHLO capability list instead of a table lookup, the plain reply
// otherwise) and performing the side effect the signal names.
func (c *Conn) carryOutSignal(ev event.Event, out Outcome) bool {
	switch out.Signal {
	case SigTLSUpgrade:
		if c.txn.Ctx.Connection.IsSecured {
			// The FSM doesn't track "already under TLS" itself; reject here
			// and put the state back the way it was, matching the
			// teacher's "You are already wearing that!" STARTTLS guard.
			c.txn.State = StHelo
			return c.writeReply(reply.AlreadyUnderTLS) == nil
		}
		if c.writeReply(out.Reply) != nil {
			return false
		}
		return c.upgradeTLS()

	case SigAuthenticate:
		return c.handleAuth(out) == nil

	case SigQueueMessage:
		return c.handleQueue(out) == nil

	default:
		if ev.Kind == event.KindEhlo && out.Reply == reply.Ok {
			return c.writeEhloReply() == nil
		}
		return c.writeReply(out.Reply) == nil
	}
}

// errTooManyErrors is returned by writeReply once the hard error-count
// limit closes the connection; it is never compared against by name, only
// treated as "non-nil" by every writeReply caller, which already close on
// any write error.
var errTooManyErrors = errors.New("smtpsrv: too many protocol errors")

// writeReply looks up id in the configured table and writes it, tracking
// consecutive 4xx/5xx replies the way the teacher's error counter does. An
// empty id (KindDataLine, a signal Outcome with no text of its own, ...)
// writes nothing.
//
// Past ErrorSoftLimit consecutive error replies, it sleeps ErrorDelay
// before writing; at ErrorHardLimit it folds the pending reply into a
// `<code>-...` continuation line (with the pending reply's own code) ahead of a final TooManyError (451) and
// closes the connection (spec.md §4.3, scenario 5).
func (c *Conn) writeReply(id reply.ID) error {
	if id == "" {
		return nil
	}
	code, msg := c.cfg.Replies.Expand(id, c.txn.Ctx.Connection.ServerName)
	if code < 400 {
		return c.framer.WriteLine(strconv.Itoa(code) + " " + msg)
	}

	c.errCount++
	c.tr.Errorf("%s: %d %s", id, code, msg)

	if c.errCount > c.errorSoftLimit() {
		time.Sleep(c.errorDelay())
	}

	if c.errCount < c.errorHardLimit() {
		return c.framer.WriteLine(strconv.Itoa(code) + " " + msg)
	}

	c.tr.Errorf("too many errors, closing connection")
	tmCode, tmMsg := c.cfg.Replies.Expand(reply.TooManyError, c.txn.Ctx.Connection.ServerName)
	if err := c.framer.WriteLine(strconv.Itoa(code) + "-" + msg); err != nil {
		return err
	}
	if err := c.framer.WriteLine(strconv.Itoa(tmCode) + " " + tmMsg); err != nil {
		return err
	}
	return errTooManyErrors
}

func (c *Conn) errorSoftLimit() int {
	if c.cfg.ErrorSoftLimit > 0 {
		return c.cfg.ErrorSoftLimit
	}
	return defaultErrorSoftLimit
}

func (c *Conn) errorHardLimit() int {
	if c.cfg.ErrorHardLimit > 0 {
		return c.cfg.ErrorHardLimit
	}
	return defaultErrorHardLimit
}

func (c *Conn) errorDelay() time.Duration {
	if c.cfg.ErrorDelay > 0 {
		return c.cfg.ErrorDelay
	}
	return defaultErrorDelay
}

// writeEhloReply sends EHLO's multi-line capability list, mirroring the
// teacher's EHLO handler: hostname line, fixed extensions, SIZE, and either
// STARTTLS (plaintext) or AUTH PLAIN LOGIN (once secured).
func (c *Conn) writeEhloReply() error {
	lines := []string{
		c.txn.Ctx.Connection.ServerName,
		"8BITMIME",
		"PIPELINING",
		"SMTPUTF8",
		"ENHANCEDSTATUSCODES",
	}
	if c.cfg.MaxDataSize > 0 {
		lines = append(lines, "SIZE "+strconv.FormatInt(c.cfg.MaxDataSize, 10))
	}
	if c.txn.Ctx.Connection.IsSecured {
		lines = append(lines, "AUTH PLAIN LOGIN")
	} else if c.cfg.TLSConfig != nil {
		lines = append(lines, "STARTTLS")
	}
	lines = append(lines, "HELP")

	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if err := c.framer.WriteLine("250" + sep + l); err != nil {
			return err
		}
	}
	return nil
}

// upgradeTLS completes the STARTTLS handshake, resets the transaction
// (clients must restate HELO/EHLO under the new layer) and, if SNI named a
// specific host, adopts that as this connection's identity from here on.
func (c *Conn) upgradeTLS() bool {
	cs, err := c.framer.HandshakeTLS(c.cfg.TLSConfig)
	if err != nil {
		c.tr.Errorf("STARTTLS handshake: %v", err)
		return false
	}
	c.txn.Ctx.Connection.IsSecured = true
	c.applyTLSServerName(cs)
	c.txn.Ctx.ResetTransaction()
	c.txn.State = StHelo
	return true
}

func (c *Conn) applyTLSServerName(cs *tls.ConnectionState) {
	if cs != nil && cs.ServerName != "" {
		c.txn.Ctx.Connection.ServerName = cs.ServerName
	}
}

// handleAuth drives the SASL exchange for a SigAuthenticate Outcome and
// replies according to the teacher's AUTH handler conventions: an
// unsupported mechanism gets 504, a connection not yet under TLS gets 538,
// a definite bad password gets 535, a backend error gets a temporary
// failure, and a client-side cancel gets 501.
func (c *Conn) handleAuth(out Outcome) error {
	c.txn.State = StHelo // RFC 4954 §4: AUTH always returns to the initial state.

	if out.AuthMechanism != "PLAIN" && out.AuthMechanism != "LOGIN" {
		return c.writeReply(reply.AuthMechNotSupported)
	}
	if !c.txn.Ctx.Connection.IsSecured {
		return c.writeReply(reply.AuthMechanismMustBeEncrypted)
	}
	if c.txn.Ctx.Connection.IsAuthenticated {
		return c.writeReply(reply.BadSequence)
	}

	var user, domain string
	server, err := newSASLServer(out.AuthMechanism, c.cfg.Authr, &user, &domain)
	if err != nil {
		return c.writeReply(reply.AuthMechNotSupported)
	}

	runErr := c.runSASL(server, out.AuthInitialResp, out.HasInitialResp)
	switch {
	case runErr == nil:
		c.txn.Ctx.Connection.IsAuthenticated = true
		c.txn.Ctx.Connection.Credentials = &mailctx.Credentials{User: user, Domain: domain}
		maillog.Auth(c.txn.Ctx.Connection.PeerAddr, user+"@"+domain, true)
		return c.writeReply(reply.AuthSucceeded)

	case errors.Is(runErr, errInvalidCredentials):
		maillog.Auth(c.txn.Ctx.Connection.PeerAddr, user+"@"+domain, false)
		return c.writeReply(reply.AuthInvalidCredentials)

	case errors.Is(runErr, errAuthCanceled):
		return c.writeReply(reply.AuthClientCanceled)

	case errors.Is(runErr, errBadBase64):
		return c.writeReply(reply.AuthErrorDecode64)

	default:
		c.tr.Errorf("auth backend error: %v", runErr)
		return c.writeReply(reply.QueueError)
	}
}

// handleQueue carries out a SigQueueMessage Outcome: enqueue to Working, or
// straight to Deliver if policy signaled a post-queue skip (spec.md §4.6),
// log it, reset the transaction, and send the final reply.
func (c *Conn) handleQueue(out Outcome) error {
	stage := queue.Working
	if c.txn.Ctx.Metadata.Skipped != "" {
		stage = queue.Deliver
	}

	if err := c.cfg.Queue.Enqueue(stage, c.txn.Ctx); err != nil {
		c.tr.Errorf("enqueue: %v", err)
		c.txn.Ctx.ResetTransaction()
		return c.writeReply(reply.QueueError)
	}

	maillog.Queued(c.txn.Ctx.Connection.PeerAddr, c.txn.Ctx.Envelope.MailFromString(),
		recipientStrings(c.txn.Ctx.Envelope.Rcpt), c.txn.Ctx.Metadata.MessageID)

	c.txn.Ctx.ResetTransaction()
	return c.writeReply(out.Reply)
}

func recipientStrings(rcpt []mailctx.Recipient) []string {
	out := make([]string, len(rcpt))
	for i, r := range rcpt {
		out[i] = r.Address.Full()
	}
	return out
}

// handleDataCommand implements the DATA command's preconditions, which are
// about dialogue sequencing rather than policy, so the FSM itself doesn't
// arbitrate them (event.ParseCommand("DATA...") only ever yields
// event.KindData, with no case for it in Transaction.Step): at least one
// RCPT TO must have already been accepted. On success it writes the 354
// reply itself (that text is a prompt for the next phase, not a plain
// acknowledgement) and transitions the FSM via EnterData.
func (c *Conn) handleDataCommand() bool {
	if c.txn.State != StRcptTo {
		return c.writeReply(reply.BadSequence) == nil
	}

	if c.writeReply(reply.DataStart) != nil {
		return false
	}
	c.txn.EnterData()
	return true
}

// isDataCommand reports whether line is (case-insensitively) the bare DATA
// command with no parameters, per RFC 5321 §4.1.1.4.
func isDataCommand(line string) bool {
	return len(line) == 4 &&
		(line[0] == 'D' || line[0] == 'd') &&
		(line[1] == 'A' || line[1] == 'a') &&
		(line[2] == 'T' || line[2] == 't') &&
		(line[3] == 'A' || line[3] == 'a')
}

// isCrossProtocolProbe detects the handful of HTTP verbs that identify a
// cross-protocol attack probe (ALPACA, https://alpaca-attack.com/): a
// client smuggling HTTP requests at an SMTP listener in the hope that a TLS
// certificate mismatch goes unnoticed. Grounded on the teacher's
// GET/POST/CONNECT special case in its command switch.
func isCrossProtocolProbe(line string) bool {
	for _, verb := range []string{"GET ", "POST ", "CONNECT "} {
		if len(line) >= len(verb) && line[:len(verb)] == verb {
			return true
		}
	}
	return false
}

// setDeadline sets the per-command read/write deadline, clipped to the
// connection's overall deadline if that comes first.
func (c *Conn) setDeadline() bool {
	d := time.Now().Add(c.cfg.CommandTimeout)
	if c.cfg.TotalTimeout > 0 && c.deadline.Before(d) {
		d = c.deadline
	}
	return c.framer.SetDeadline(d) == nil
}
