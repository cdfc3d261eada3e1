// Package transport implements the four ways a recipient can receive a
// message once it leaves the queue: Relay (MX-resolved outgoing SMTP),
// Forward (outgoing SMTP to a fixed host), Maildir and Mbox (local
// delivery). This generalizes the teacher's courier.Courier implementations
// (internal/courier/smtp.go, mda.go, procmail.go) from a from/to/data
// triple into the richer mailctx.Recipient-routed model of spec.md §3.
package transport

import (
	"context"

	"vsmtpd.io/go/vsmtpd/internal/mailctx"
)

// Transport delivers one message to one recipient. Deliver returns an
// error and whether it is permanent (should not be retried) or transient
// (retried on a later sweep of the queue's Deferred stage).
type Transport interface {
	Deliver(ctx context.Context, mc *mailctx.MailContext, rcpt mailctx.Recipient) (err error, permanent bool)
}

// Registry resolves a mailctx.TransferMethod to the Transport that
// implements it; the policy host picks the method per recipient, the
// delivery scheduler looks it up here.
type Registry struct {
	Relay   Transport
	Forward Transport
	Maildir Transport
	Mbox    Transport
}

// For returns the Transport for the given method, or nil if none is
// configured (the scheduler treats that as a permanent failure).
func (r *Registry) For(method mailctx.TransferMethod) Transport {
	switch method {
	case mailctx.TransferDeliver:
		return r.Relay
	case mailctx.TransferForward:
		return r.Forward
	case mailctx.TransferMaildir:
		return r.Maildir
	case mailctx.TransferMbox:
		return r.Mbox
	default:
		return nil
	}
}
