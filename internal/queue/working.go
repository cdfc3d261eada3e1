package queue

// working.go implements the Working stage: the step between a message being
// accepted off the wire and it becoming eligible for delivery. It parses the
// raw DATA bytes into a MailTree (so post-queue policy and the DKIM/DSN
// machinery downstream see structured headers instead of a byte blob),
// runs policy at StagePostQueue, and moves the message on to Deliver or Dead.
//
// Grounded on the teacher's queue.Queue.Put, which did MIME-adjacent work
// (DKIM signing, header rewriting) inline at enqueue time; here that work is
// pulled out into its own stage so a crash between "accepted" and "parsed"
// leaves the message durably in Working rather than losing it mid-Put.

import (
	"fmt"
	"time"

	"vsmtpd.io/go/vsmtpd/internal/mailctx"
	"vsmtpd.io/go/vsmtpd/internal/mimeparse"
	"vsmtpd.io/go/vsmtpd/internal/policy"
	"vsmtpd.io/go/vsmtpd/internal/trace"
)

// HeaderInfo carries the values the working stage stamps onto every
// message's Received/X-VSMTP trailer headers (spec.md §4.8).
type HeaderInfo struct {
	ServerDomain string
	Version      string
}

// RunWorking drains the given ids (typically from
// Store.Notifications(Working, n)) until the channel closes, processing each
// one and moving it to Deliver or Dead. Errors processing a single message
// are logged via its own trace and do not stop the loop.
func RunWorking(store *Store, ph policy.Host, info HeaderInfo, ids <-chan string) {
	for id := range ids {
		processWorking(store, ph, info, id)
	}
}

// LoadWorking processes every message currently sitting in Working, for
// startup recovery (messages that were enqueued but never reached a
// notification, e.g. after a crash).
func LoadWorking(store *Store, ph policy.Host, info HeaderInfo) error {
	ids, err := store.Load(Working)
	if err != nil {
		return err
	}
	for _, id := range ids {
		processWorking(store, ph, info, id)
	}
	return nil
}

func processWorking(store *Store, ph policy.Host, info HeaderInfo, id string) {
	tr := trace.New("Queue.Working", id)
	defer tr.Finish()

	mc, err := store.Get(Working, id)
	if err != nil {
		tr.Errorf("get: %v", err)
		return
	}

	if mc.Body.Kind == mailctx.BodyRaw {
		tree, err := mimeparse.Parse(mc.Body.Raw)
		if err != nil {
			// A message that doesn't parse as MIME is not a reason to lose
			// it: keep the raw bytes and let delivery ship them verbatim,
			// the same tolerance the teacher's queue shows unparseable
			// messages (it only ever touched headers it understood).
			tr.Errorf("mime parse: %v (keeping raw body)", err)
		} else {
			mc.Body = mailctx.ParsedBody(tree)
		}
	}

	status, err := ph.Run(policy.StagePostQueue, mc)
	if err != nil {
		tr.Errorf("post-queue policy: %v", err)
	}

	next := Deliver
	outcome := "accepted"
	if status.Verdict == policy.Deny {
		next = Dead
		outcome = "denied"
		for i := range mc.Envelope.Rcpt {
			mc.Envelope.Rcpt[i].EmailStatus = mailctx.Failed("denied by post-queue policy")
		}
	}

	addDeliveryHeaders(mc, info, outcome)

	// Move already removes the Working copy and publishes id on next's
	// notification channel; a further Remove/notify here would double up
	// both, erroring on every message and re-triggering a redundant pass.
	if err := store.Move(Working, next, mc); err != nil {
		tr.Errorf("move %s -> %s: %v", Working, next, err)
	}
}

// addDeliveryHeaders prepends the Received trailer and X-VSMTP header every
// outgoing message carries before it reaches a transport (spec.md §4.8),
// grounded on the teacher's addReceivedHeader. Unlike MailTree.AddHeader
// (which lower-cases names for its own lookup convention) these preserve
// the literal casing the spec names.
func addDeliveryHeaders(mc *mailctx.MailContext, info HeaderInfo, outcome string) {
	received := fmt.Sprintf("from %s\n\tby %s\n\twith SMTP\n\tid %s;\n\t%s",
		mc.Envelope.Helo, info.ServerDomain, mc.Metadata.MessageID,
		mc.Metadata.Timestamp.Format(time.RFC1123Z))
	vsmtp := fmt.Sprintf("id=%s; version=%s; status=%s",
		mc.Metadata.MessageID, info.Version, outcome)

	if mc.Body.Kind == mailctx.BodyParsed && mc.Body.Tree != nil {
		mc.Body.Tree.Headers = append([]mailctx.Header{
			{Name: "Received", Value: received},
			{Name: "X-VSMTP", Value: vsmtp},
		}, mc.Body.Tree.Headers...)
		return
	}

	prefix := "Received: " + received + "\nX-VSMTP: " + vsmtp + "\n"
	mc.Body = mailctx.RawBody(append([]byte(prefix), mc.Body.Bytes()...))
}
