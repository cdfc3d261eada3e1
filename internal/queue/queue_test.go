package queue

import (
	"testing"
	"time"

	"vsmtpd.io/go/vsmtpd/internal/mailctx"
)

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func testContext(id string) *mailctx.MailContext {
	from, _ := mailctx.ParseAddress("from@example.org")
	to, _ := mailctx.ParseAddress("to@example.org")

	env := mailctx.Envelope{Helo: "client.example.org", MailFrom: from}
	env.AddRecipient(to)

	return &mailctx.MailContext{
		Envelope: env,
		Body:     mailctx.RawBody([]byte("Subject: hi\r\n\r\nbody\r\n")),
		Metadata: &mailctx.MessageMetadata{
			Timestamp: time.Now(),
			MessageID: id,
		},
	}
}

func TestEnqueueGetRemove(t *testing.T) {
	s := mustOpen(t)

	ctx := testContext("msg1")
	if err := s.Enqueue(Working, ctx); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := s.Get(Working, "msg1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Metadata.MessageID != "msg1" {
		t.Errorf("MessageID = %q, want msg1", got.Metadata.MessageID)
	}
	if got.Envelope.MailFromString() != "from@example.org" {
		t.Errorf("MailFrom = %q", got.Envelope.MailFromString())
	}

	if err := s.Remove(Working, "msg1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(Working, "msg1"); err == nil {
		t.Errorf("Get after Remove succeeded, want error")
	}
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	s := mustOpen(t)
	ctx := testContext("dup")

	if err := s.Enqueue(Working, ctx); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := s.Enqueue(Working, ctx); err == nil {
		t.Errorf("second Enqueue with the same ID succeeded, want error")
	}
}

func TestEnqueueRejectsEmptyID(t *testing.T) {
	s := mustOpen(t)
	ctx := testContext("")
	if err := s.Enqueue(Working, ctx); err == nil {
		t.Errorf("Enqueue with empty MessageID succeeded, want error")
	}
}

// TestMove checks the item lands in the destination stage and disappears
// from the source, satisfying invariant P3 (resident in at most one stage).
func TestMove(t *testing.T) {
	s := mustOpen(t)
	ctx := testContext("msg2")

	if err := s.Enqueue(Working, ctx); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Move(Working, Deliver, ctx); err != nil {
		t.Fatalf("Move: %v", err)
	}

	if _, err := s.Get(Working, "msg2"); err == nil {
		t.Errorf("item still present in source stage after Move")
	}
	if _, err := s.Get(Deliver, "msg2"); err != nil {
		t.Errorf("item missing from destination stage after Move: %v", err)
	}
}

func TestLoad(t *testing.T) {
	s := mustOpen(t)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		if err := s.Enqueue(Deferred, testContext(id)); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}

	got, err := s.Load(Deferred)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	seen := map[string]bool{}
	for _, id := range got {
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("Load(Deferred) missing %q, got %v", id, got)
		}
	}
}

func TestNotifications(t *testing.T) {
	s := mustOpen(t)
	ch := s.Notifications(Deliver, 4)

	if err := s.Enqueue(Deliver, testContext("notif")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case id := <-ch:
		if id != "notif" {
			t.Errorf("notified id = %q, want notif", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notification")
	}
}

func TestNotificationsSameChannel(t *testing.T) {
	s := mustOpen(t)
	ch1 := s.Notifications(Working, 1)
	ch2 := s.Notifications(Working, 1)
	if ch1 != ch2 {
		t.Errorf("Notifications returned different channels for the same stage")
	}
}

func TestNextRetryDelay(t *testing.T) {
	for attempt := 0; attempt < 15; attempt++ {
		d := NextRetryDelay(attempt, 60, 3*60*60)
		if d < 0 {
			t.Errorf("attempt %d: negative delay %v", attempt, d)
		}
		if d > 2*3*60*60 {
			t.Errorf("attempt %d: delay %v exceeds 2x max", attempt, d)
		}
	}
}
