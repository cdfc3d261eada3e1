// Package delivery implements the delivery scheduler: the worker that
// drains the queue's Deliver stage, fans a message's recipients out to
// their assigned transports concurrently, and moves the message on to
// Deferred (transient failure, any recipient still retryable), Dead
// (permanent failure or retries exhausted) or removes it outright (every
// recipient was Sent).
//
// This generalizes the teacher's per-item SendLoop/sendOneRcpt
// (internal/queue/queue.go) from an in-process sleep/retry loop over one
// flat queue into a scheduler over the four-stage queue.Store, and replaces
// its ad hoc goroutine-per-recipient fan-out with golang.org/x/sync/errgroup
// for bounded, cancellable concurrency.
package delivery

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"vsmtpd.io/go/vsmtpd/internal/mailctx"
	"vsmtpd.io/go/vsmtpd/internal/queue"
	"vsmtpd.io/go/vsmtpd/internal/trace"
	"vsmtpd.io/go/vsmtpd/internal/transport"
)

// Scheduler drains a queue.Store's Deliver and Deferred stages.
type Scheduler struct {
	Store     *queue.Store
	Transport *transport.Registry

	// MaxAttempts bounds how many times a recipient is retried before the
	// message is moved to Dead for it.
	MaxAttempts int

	// GiveUpAfter is the wall-clock age at which a message still not fully
	// delivered is given up on, regardless of MaxAttempts.
	GiveUpAfter time.Duration

	// MaxConcurrentRecipients bounds the errgroup fan-out per message.
	MaxConcurrentRecipients int

	// RetryBase/RetryMax hold queue.NextRetryDelay's parameters. The
	// Scheduler itself does not read them: RunDeferred retries every
	// Deferred item on each sweep, with no per-item backoff.
	RetryBase, RetryMax float64
}

// Run drains ids (typically queue.Store.Notifications(queue.Deliver, n))
// until ctx is done, delivering each message and re-enqueuing it to
// Deferred or Dead as needed. It is meant to run in its own goroutine.
func (s *Scheduler) Run(ctx context.Context, ids <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ids:
			if !ok {
				return
			}
			s.processOne(ctx, queue.Deliver, id)
		}
	}
}

// RunDeferred sweeps the Deferred stage once, retrying every item in it;
// there is no per-item backoff check. The teacher's SendLoop kept this timing
// inline per item; here it is a single sweep driven by the caller's ticker so
// the four-stage model has one clear re-entry point for deferred mail.
func (s *Scheduler) RunDeferred(ctx context.Context) error {
	ids, err := s.Store.Load(queue.Deferred)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.processOne(ctx, queue.Deferred, id)
	}
	return nil
}

func (s *Scheduler) processOne(ctx context.Context, from queue.Stage, id string) {
	tr := trace.New("Delivery.processOne", id)
	defer tr.Finish()

	mc, err := s.Store.Get(from, id)
	if err != nil {
		tr.Errorf("loading %s/%s: %v", from, id, err)
		return
	}

	if s.GiveUpAfter > 0 && time.Since(mc.Metadata.Timestamp) > s.GiveUpAfter {
		s.finalize(mc, "delivery deadline exceeded")
		_ = s.Store.Move(from, queue.Dead, mc)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency())

	for i := range mc.Envelope.Rcpt {
		i := i
		rcpt := &mc.Envelope.Rcpt[i]
		if rcpt.EmailStatus.Terminal() {
			continue
		}

		g.Go(func() error {
			s.deliverOne(gctx, mc, rcpt)
			return nil
		})
	}
	_ = g.Wait()

	switch nextStage(mc) {
	case queue.Dead:
		_ = s.Store.Move(from, queue.Dead, mc)
	case queue.Deferred:
		mc.Metadata.Retry++
		_ = s.Store.Move(from, queue.Deferred, mc)
	default:
		// Every recipient is Sent: nothing left to do with this file.
		_ = s.Store.Remove(from, id)
	}
}

func (s *Scheduler) deliverOne(ctx context.Context, mc *mailctx.MailContext, rcpt *mailctx.Recipient) {
	tr := trace.New("Delivery.deliverOne", rcpt.Address.Full())
	defer tr.Finish()

	t := s.Transport.For(rcpt.TransferMethod)
	if t == nil {
		rcpt.EmailStatus = mailctx.Failed("no transport configured for " + rcpt.TransferMethod.String())
		return
	}

	err, permanent := t.Deliver(ctx, mc, *rcpt)
	if err == nil {
		rcpt.EmailStatus = mailctx.Sent()
		return
	}

	tr.Errorf("delivery failed: %v", err)

	if permanent {
		rcpt.EmailStatus = mailctx.Failed(err.Error())
		return
	}

	attempts := 0
	if rcpt.EmailStatus.Kind == mailctx.StatusHeldBack {
		attempts = rcpt.EmailStatus.Retry
	}
	attempts++

	if s.MaxAttempts > 0 && attempts >= s.MaxAttempts {
		rcpt.EmailStatus = mailctx.Failed("maximum retry count reached")
		return
	}
	rcpt.EmailStatus = mailctx.HeldBack(attempts)
}

func (s *Scheduler) concurrency() int {
	if s.MaxConcurrentRecipients > 0 {
		return s.MaxConcurrentRecipients
	}
	return 8
}

// nextStage decides where a message goes after one delivery pass: Dead if
// every recipient has a terminal status and at least one Failed, Deferred
// if any recipient is still HeldBack, or "" if every recipient Sent.
func nextStage(mc *mailctx.MailContext) queue.Stage {
	anyHeldBack := false
	anyFailed := false
	for _, r := range mc.Envelope.Rcpt {
		switch r.EmailStatus.Kind {
		case mailctx.StatusHeldBack:
			anyHeldBack = true
		case mailctx.StatusFailed:
			anyFailed = true
		}
	}
	if anyHeldBack {
		return queue.Deferred
	}
	if anyFailed {
		return queue.Dead
	}
	return ""
}

// finalize marks every non-terminal recipient Failed with reason, used when
// a message is given up on outright (deadline exceeded).
func (s *Scheduler) finalize(mc *mailctx.MailContext, reason string) {
	for i := range mc.Envelope.Rcpt {
		if !mc.Envelope.Rcpt[i].EmailStatus.Terminal() {
			mc.Envelope.Rcpt[i].EmailStatus = mailctx.Failed(reason)
		}
	}
}
