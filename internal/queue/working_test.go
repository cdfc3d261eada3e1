package queue

import (
	"strings"
	"testing"
	"time"

	"vsmtpd.io/go/vsmtpd/internal/mailctx"
	"vsmtpd.io/go/vsmtpd/internal/policy"
)

func denyHost() policy.HostFunc {
	return func(stage policy.Stage, ctx *mailctx.MailContext) (policy.Status, error) {
		return policy.Status{Verdict: policy.Deny}, nil
	}
}

func TestProcessWorkingMovesToDeliver(t *testing.T) {
	s := mustOpen(t)
	ctx := testContext("w1")
	if err := s.Enqueue(Working, ctx); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ph := policy.HostFunc(func(stage policy.Stage, ctx *mailctx.MailContext) (policy.Status, error) {
		return policy.Status{Verdict: policy.Next}, nil
	})
	processWorking(s, ph, HeaderInfo{ServerDomain: "mx.example.org", Version: "1.0"}, "w1")

	if _, err := s.Get(Working, "w1"); err == nil {
		t.Errorf("item still present in Working after processWorking")
	}
	got, err := s.Get(Deliver, "w1")
	if err != nil {
		t.Fatalf("item missing from Deliver after processWorking: %v", err)
	}

	body := string(got.Body.Bytes())
	if !strings.Contains(body, "Received: from client.example.org") {
		t.Errorf("body missing Received header: %q", body)
	}
	if !strings.Contains(body, "by mx.example.org") {
		t.Errorf("Received header missing server domain: %q", body)
	}
	if !strings.Contains(body, "X-VSMTP: id=w1; version=1.0; status=accepted") {
		t.Errorf("body missing X-VSMTP header: %q", body)
	}
}

func TestProcessWorkingDeniedGoesToDead(t *testing.T) {
	s := mustOpen(t)
	ctx := testContext("w2")
	if err := s.Enqueue(Working, ctx); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	processWorking(s, denyHost(), HeaderInfo{ServerDomain: "mx.example.org"}, "w2")

	got, err := s.Get(Dead, "w2")
	if err != nil {
		t.Fatalf("denied message should land in Dead: %v", err)
	}
	if got.Envelope.Rcpt[0].EmailStatus.Kind != mailctx.StatusFailed {
		t.Errorf("recipient status = %v, want Failed", got.Envelope.Rcpt[0].EmailStatus)
	}
	if !strings.Contains(string(got.Body.Bytes()), "status=denied") {
		t.Errorf("X-VSMTP status should reflect the denial")
	}
}

func TestAddDeliveryHeadersParsedBody(t *testing.T) {
	mc := &mailctx.MailContext{
		Envelope: mailctx.Envelope{Helo: "client.example.org"},
		Metadata: &mailctx.MessageMetadata{MessageID: "m1", Timestamp: time.Now()},
		Body: mailctx.ParsedBody(&mailctx.MailTree{
			Headers: []mailctx.Header{{Name: "subject", Value: "hi"}},
		}),
	}

	addDeliveryHeaders(mc, HeaderInfo{ServerDomain: "mx.example.org", Version: "2"}, "accepted")

	if len(mc.Body.Tree.Headers) != 3 {
		t.Fatalf("Headers = %v, want 3 entries", mc.Body.Tree.Headers)
	}
	if mc.Body.Tree.Headers[0].Name != "Received" || mc.Body.Tree.Headers[1].Name != "X-VSMTP" {
		t.Errorf("Received/X-VSMTP should be prepended in that order, got %v", mc.Body.Tree.Headers)
	}
	if mc.Body.Tree.Headers[2].Name != "subject" {
		t.Errorf("original header should survive: %v", mc.Body.Tree.Headers)
	}
}
