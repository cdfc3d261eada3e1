package smtpsrv

// transaction.go implements the explicit SMTP transaction state machine
// (spec.md §4.3), generalizing the teacher's flat per-verb command handlers
// (HELO/EHLO/MAIL/RCPT/DATA/STARTTLS/AUTH in conn.go, which mutate *Conn
// directly and return a bare (code, msg) with no named state) into a
// (state, event) -> (state, reply) table the connection handler drives.

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vsmtpd.io/go/vsmtpd/internal/event"
	"vsmtpd.io/go/vsmtpd/internal/mailctx"
	"vsmtpd.io/go/vsmtpd/internal/policy"
	"vsmtpd.io/go/vsmtpd/internal/reply"
)

// State names a point in the SMTP dialogue.
type State int

const (
	StConnect State = iota
	StHelo
	StAuthentication
	StNegotiationTLS
	StMailFrom
	StRcptTo
	StData
	StStop
)

// Signal tells the connection handler to do something beyond sending a
// reply: complete a TLS handshake, run a SASL exchange, or hand a finished
// message off to the queue.
type Signal int

const (
	SigNone Signal = iota
	SigTLSUpgrade
	SigAuthenticate
	SigQueueMessage
)

// Outcome is the result of feeding one Event to the transaction. A zero
// Reply (empty ID) means no reply is sent at all — the only case that
// applies to is KindDataLine, which the wire protocol does not ack
// per-line.
type Outcome struct {
	Reply  reply.ID
	Signal Signal

	// AuthMechanism/AuthInitialResp are set when Signal == SigAuthenticate.
	AuthMechanism   string
	AuthInitialResp string
	HasInitialResp  bool
}

// Transaction drives the FSM for one connection's command stream. It owns
// no I/O; the connection handler feeds it parsed events and acts on the
// returned Outcome.
type Transaction struct {
	State State
	Ctx   *mailctx.MailContext

	Policy policy.Host

	// Config knobs, set once at construction.
	EhloEnabled         bool
	TLSConfigured       bool
	EncryptRequired     bool
	MustBeAuthenticated bool
	MaxRecipients       int

	// faccept latches once any stage returns policy.Faccept: subsequent
	// stage policy calls for the rest of the transaction/message lifetime
	// are skipped (spec.md §4.4, and the Open Question resolution recorded
	// in DESIGN.md).
	faccept bool
}

// NewTransaction starts a fresh transaction in the Connect state.
func NewTransaction(host policy.Host, conn mailctx.Connection) *Transaction {
	return &Transaction{
		State: StConnect,
		Ctx: &mailctx.MailContext{
			Connection: conn,
			Envelope:   mailctx.Envelope{},
			Body:       mailctx.EmptyBody(),
		},
		Policy:        host,
		MaxRecipients: 100,
	}
}

// runPolicy evaluates the given stage if Faccept hasn't silenced policy for
// the rest of the transaction, per spec.md §4.4: a stage invocation that
// errors is treated as Next with the error left for the caller to log,
// except at Connect where it is Deny.
func (t *Transaction) runPolicy(stage policy.Stage) (policy.Status, error) {
	if t.faccept {
		return policy.Status{Verdict: policy.Next}, nil
	}

	status, err := t.Policy.Run(stage, t.Ctx)
	if err != nil {
		if stage == policy.StageConnect {
			return policy.Status{Verdict: policy.Deny}, err
		}
		return policy.Status{Verdict: policy.Next}, err
	}

	if status.Verdict == policy.Faccept {
		t.faccept = true
	}
	if status.Verdict == policy.Quarantine {
		t.Ctx.Metadata.Skipped = status.Tag
	}
	return status, nil
}

// Connect runs the Connect-stage policy immediately after accept.
func (t *Transaction) Connect() (Outcome, error) {
	status, err := t.runPolicy(policy.StageConnect)
	if status.Verdict == policy.Deny {
		t.State = StStop
		return Outcome{Reply: reply.Denied}, err
	}
	return Outcome{Reply: reply.Greetings}, err
}

// Step feeds one parsed event to the FSM and returns the reply/signal.
func (t *Transaction) Step(ev event.Event) (Outcome, error) {
	// Transitions valid from any state.
	switch ev.Kind {
	case event.KindNoop:
		return Outcome{Reply: reply.Ok}, nil
	case event.KindHelp:
		return Outcome{Reply: reply.Help}, nil
	case event.KindQuit:
		t.State = StStop
		return Outcome{Reply: reply.Closing}, nil
	case event.KindRset:
		t.Ctx.ResetTransaction()
		t.State = StHelo
		return Outcome{Reply: reply.Ok}, nil
	case event.KindVrfy, event.KindExpn:
		return Outcome{Reply: reply.Unimplemented}, nil
	case event.KindHelo:
		t.Ctx.ResetTransaction()
		t.Ctx.Envelope.Helo = ev.Domain
		t.State = StHelo
		_, err := t.runPolicy(policy.StageHelo)
		return Outcome{Reply: reply.Ok}, err
	case event.KindEhlo:
		if !t.EhloEnabled {
			return Outcome{Reply: reply.Unimplemented}, nil
		}
		t.Ctx.ResetTransaction()
		t.Ctx.Envelope.Helo = ev.Domain
		t.State = StHelo
		_, err := t.runPolicy(policy.StageHelo)
		return Outcome{Reply: reply.Ok}, err
	}

	switch t.State {
	case StHelo:
		return t.stepHelo(ev)
	case StMailFrom, StRcptTo:
		return t.stepMailOrRcpt(ev)
	case StData:
		return t.stepData(ev)
	default:
		return Outcome{Reply: reply.BadSequence}, nil
	}
}

func (t *Transaction) stepHelo(ev event.Event) (Outcome, error) {
	switch ev.Kind {
	case event.KindStartTLS:
		if !t.TLSConfigured {
			return Outcome{Reply: reply.TlsNotAvailable}, nil
		}
		t.State = StNegotiationTLS
		return Outcome{Reply: reply.Greetings, Signal: SigTLSUpgrade}, nil

	case event.KindAuth:
		if t.Ctx.Connection.IsAuthenticated {
			return Outcome{Reply: reply.BadSequence}, nil
		}
		t.State = StAuthentication
		return Outcome{
			Signal:          SigAuthenticate,
			AuthMechanism:   ev.Mechanism,
			AuthInitialResp: ev.InitialResp,
			HasInitialResp:  ev.HasInitialResp,
		}, nil

	case event.KindMail:
		if t.EncryptRequired && !t.Ctx.Connection.IsSecured {
			return Outcome{Reply: reply.TlsRequired}, nil
		}
		if t.MustBeAuthenticated && !t.Ctx.Connection.IsAuthenticated {
			return Outcome{Reply: reply.AuthRequired}, nil
		}

		if ev.NullSender {
			t.Ctx.Envelope.NullSender = true
		} else {
			addr, err := mailctx.ParseAddress(ev.ReversePath)
			if err != nil {
				return Outcome{Reply: reply.SyntaxErrorParams}, nil
			}
			t.Ctx.Envelope.MailFrom = addr
		}
		t.Ctx.Metadata = newMetadata(t.Ctx.Connection.Timestamp)
		t.State = StMailFrom

		status, err := t.runPolicy(policy.StageMailFrom)
		if status.Verdict == policy.Deny {
			t.State = StStop
			return Outcome{Reply: reply.Denied}, err
		}
		return Outcome{Reply: reply.Ok}, err

	default:
		return Outcome{Reply: reply.BadSequence}, nil
	}
}

func (t *Transaction) stepMailOrRcpt(ev event.Event) (Outcome, error) {
	if ev.Kind != event.KindRcpt {
		return Outcome{Reply: reply.BadSequence}, nil
	}

	if len(t.Ctx.Envelope.Rcpt) >= t.MaxRecipients {
		return Outcome{Reply: reply.TooManyRecipients}, nil
	}

	addr, err := mailctx.ParseAddress(ev.ForwardPath)
	if err != nil {
		return Outcome{Reply: reply.SyntaxErrorParams}, nil
	}
	t.Ctx.Envelope.AddRecipient(addr)
	t.State = StRcptTo

	status, perr := t.runPolicy(policy.StageRcptTo)
	if status.Verdict == policy.Deny {
		t.State = StStop
		return Outcome{Reply: reply.Denied}, perr
	}
	return Outcome{Reply: reply.Ok}, perr
}

func (t *Transaction) stepData(ev event.Event) (Outcome, error) {
	switch ev.Kind {
	case event.KindDataLine:
		t.Ctx.Body.Raw = append(t.Ctx.Body.Raw, []byte(ev.DataText+"\n")...)
		return Outcome{}, nil

	case event.KindDataEnd:
		status, err := t.runPolicy(policy.StagePreQueue)
		if status.Verdict == policy.Deny {
			t.State = StStop
			return Outcome{Reply: reply.Denied}, err
		}
		t.State = StHelo
		return Outcome{Reply: reply.Ok, Signal: SigQueueMessage}, err

	default:
		return Outcome{Reply: reply.BadSequence}, nil
	}
}

// EnterData transitions RcptTo -> Data once the DATA command itself is
// accepted by the connection handler (the handler checks recipient/mail-from
// preconditions before calling this, since those aren't policy-governed).
func (t *Transaction) EnterData() {
	t.Ctx.Body = mailctx.RawBody(nil)
	t.State = StData
}

// newMetadata builds fresh MessageMetadata, generating message_id per
// invariant M-ID: MAIL-FROM wall-clock microseconds + connection-start
// wall-clock milliseconds + 36 random alphanumerics + pid, concatenated so
// collisions are effectively impossible within a single spool.
func newMetadata(connStart time.Time) *mailctx.MessageMetadata {
	now := time.Now()
	return &mailctx.MessageMetadata{
		Timestamp: now,
		MessageID: generateMessageID(now, connStart),
	}
}

// random36 yields 36 random alphanumerics, sourced from two concatenated
// UUIDv4s (32 hex digits each, separators stripped) trimmed to length: the
// corpus already pulls in google/uuid for this role (see DESIGN.md) rather
// than hand-rolling a random-alphanumeric generator.
func random36() string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "") +
		strings.ReplaceAll(uuid.NewString(), "-", "")
	return s[:36]
}

func generateMessageID(mailFrom, connStart time.Time) string {
	return strconv.FormatInt(mailFrom.UnixMicro(), 10) +
		strconv.FormatInt(connStart.UnixMilli(), 10) +
		random36() +
		strconv.Itoa(os.Getpid())
}
