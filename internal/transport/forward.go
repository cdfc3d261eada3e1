package transport

import (
	"context"

	"vsmtpd.io/go/vsmtpd/internal/mailctx"
	"vsmtpd.io/go/vsmtpd/internal/trace"
)

// Forward delivers to a single fixed host, skipping MX resolution. It is
// used when policy rewrites a recipient's TransferMethod to
// TransferForward with an explicit ForwardTarget (e.g. a smarthost or a
// sender-rewriting relay), reusing Relay's connection/STARTTLS machinery.
type Forward struct {
	relay *Relay
}

// NewForward builds a Forward transport sharing base's dial settings.
func NewForward(base *Relay) *Forward {
	return &Forward{relay: base}
}

func (f *Forward) Deliver(ctx context.Context, mc *mailctx.MailContext, rcpt mailctx.Recipient) (error, bool) {
	tr := trace.New("Transport.Forward", rcpt.Address.Full())
	defer tr.Finish()

	if rcpt.ForwardTarget == "" {
		return tr.Errorf("forward recipient %s has no target host", rcpt.Address.Full()), true
	}

	from := mc.Envelope.MailFromString()
	if from == "<>" {
		from = ""
	}

	err, permanent := f.relay.deliverTo(ctx, rcpt.ForwardTarget, from, rcpt.Address.Full(), mc.Body.Bytes())
	if err != nil {
		return tr.Errorf("forwarding to %s: %v", rcpt.ForwardTarget, err), permanent
	}
	return nil, false
}
