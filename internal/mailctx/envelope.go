package mailctx

// TransferMethod selects the transport a recipient will be routed through
// at delivery time. It defaults to Deliver (MX-based relay) and may be
// rewritten by the policy host.
type TransferMethod int

const (
	// TransferDeliver resolves MX records and relays to the remote MTA.
	TransferDeliver TransferMethod = iota
	// TransferForward relays to a fixed target host or IP.
	TransferForward
	// TransferMaildir writes to a local Maildir.
	TransferMaildir
	// TransferMbox appends to a local mbox file.
	TransferMbox
	// TransferNone means no transport has been assigned; delivery treats
	// this like a permanent failure.
	TransferNone
)

func (m TransferMethod) String() string {
	switch m {
	case TransferDeliver:
		return "deliver"
	case TransferForward:
		return "forward"
	case TransferMaildir:
		return "maildir"
	case TransferMbox:
		return "mbox"
	default:
		return "none"
	}
}

// EmailStatusKind is the tag of an EmailStatus.
type EmailStatusKind int

const (
	StatusWaiting EmailStatusKind = iota
	StatusHeldBack
	StatusSent
	StatusFailed
)

// EmailStatus is the per-recipient delivery status, per spec invariant
// P4 (recipient-status monotonicity): Waiting -> HeldBack(1) -> HeldBack(2)
// -> ... -> HeldBack(k<=max) -> {Sent | Failed}. A recipient never moves
// back to an earlier status.
type EmailStatus struct {
	Kind   EmailStatusKind
	Retry  int    // valid when Kind == StatusHeldBack
	Reason string // valid when Kind == StatusFailed
}

func Waiting() EmailStatus { return EmailStatus{Kind: StatusWaiting} }

func HeldBack(n int) EmailStatus { return EmailStatus{Kind: StatusHeldBack, Retry: n} }

func Sent() EmailStatus { return EmailStatus{Kind: StatusSent} }

func Failed(reason string) EmailStatus { return EmailStatus{Kind: StatusFailed, Reason: reason} }

func (s EmailStatus) String() string {
	switch s.Kind {
	case StatusWaiting:
		return "waiting"
	case StatusHeldBack:
		return "held-back"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed: " + s.Reason
	}
	return "unknown"
}

// Terminal reports whether the status will not change any more.
func (s EmailStatus) Terminal() bool {
	return s.Kind == StatusSent || s.Kind == StatusFailed
}

// Recipient is a single RCPT TO entry, together with its delivery routing
// and status.
type Recipient struct {
	Address        Address
	TransferMethod TransferMethod
	// ForwardTarget is the fixed host/IP used when TransferMethod is
	// TransferForward.
	ForwardTarget string
	EmailStatus   EmailStatus
}

// Envelope is the SMTP-level sender, recipient list and HELO identity, as
// distinct from the RFC 5322 headers carried in the body.
type Envelope struct {
	Helo string

	// MailFrom is unset (IsZero) until MAIL FROM is seen. NullSender
	// records the explicit "<>" reverse-path case, which is allowed and
	// used for notification messages and has no valid Address form.
	MailFrom   Address
	NullSender bool

	Rcpt []Recipient
}

// Reset clears the parts of the envelope that MAIL FROM resets: the
// reverse-path and the recipient list. The body lives outside Envelope and
// is cleared by the caller.
func (e *Envelope) Reset() {
	e.MailFrom = Address{}
	e.NullSender = false
	e.Rcpt = nil
}

// AddRecipient appends one recipient with the default transfer method.
func (e *Envelope) AddRecipient(addr Address) {
	e.Rcpt = append(e.Rcpt, Recipient{
		Address:        addr,
		TransferMethod: TransferDeliver,
		EmailStatus:    Waiting(),
	})
}

// HasMailFrom reports whether MAIL FROM has been seen for this envelope.
func (e *Envelope) HasMailFrom() bool {
	return e.NullSender || !e.MailFrom.IsZero()
}

// MailFromString renders the reverse-path the way it appears on the wire
// and in logs: "<>" for the null sender, otherwise the plain address.
func (e *Envelope) MailFromString() string {
	if e.NullSender {
		return "<>"
	}
	return e.MailFrom.Full()
}
