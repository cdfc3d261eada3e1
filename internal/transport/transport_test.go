package transport

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"vsmtpd.io/go/vsmtpd/internal/mailctx"
)

func testRecipient(t *testing.T, addr string) mailctx.Recipient {
	t.Helper()
	a, err := mailctx.ParseAddress(addr)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", addr, err)
	}
	return mailctx.Recipient{Address: a}
}

func TestRegistryFor(t *testing.T) {
	relay := &Relay{}
	reg := &Registry{
		Relay:   relay,
		Forward: NewForward(relay),
		Maildir: &Maildir{},
		Mbox:    &Mbox{},
	}

	cases := []struct {
		method mailctx.TransferMethod
		want   Transport
	}{
		{mailctx.TransferDeliver, reg.Relay},
		{mailctx.TransferForward, reg.Forward},
		{mailctx.TransferMaildir, reg.Maildir},
		{mailctx.TransferMbox, reg.Mbox},
		{mailctx.TransferNone, nil},
	}
	for _, c := range cases {
		if got := reg.For(c.method); got != c.want {
			t.Errorf("For(%v) = %v, want %v", c.method, got, c.want)
		}
	}
}

func TestForwardRequiresTarget(t *testing.T) {
	f := NewForward(&Relay{})
	from, _ := mailctx.ParseAddress("from@example.org")
	mc := &mailctx.MailContext{Envelope: mailctx.Envelope{MailFrom: from}}
	rcpt := testRecipient(t, "to@example.org")

	err, permanent := f.Deliver(context.Background(), mc, rcpt)
	if err == nil {
		t.Fatalf("expected an error for a Forward recipient with no target")
	}
	if !permanent {
		t.Errorf("missing forward target should be a permanent failure")
	}
}

func TestMboxDeliver(t *testing.T) {
	dir := t.TempDir()
	m := &Mbox{Dir: dir}

	from, _ := mailctx.ParseAddress("from@example.org")
	mc := &mailctx.MailContext{
		Envelope: mailctx.Envelope{MailFrom: from},
		Body:     mailctx.RawBody([]byte("Subject: hi\r\n\r\nbody\r\n")),
	}
	rcpt := testRecipient(t, "alice@example.org")

	err, permanent := m.Deliver(context.Background(), mc, rcpt)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if permanent {
		t.Errorf("successful delivery must not be marked permanent")
	}

	data, rerr := os.ReadFile(filepath.Join(dir, "alice"))
	if rerr != nil {
		t.Fatalf("reading mbox file: %v", rerr)
	}
	if !strings.HasPrefix(string(data), "From from@example.org ") {
		t.Errorf("mbox file missing From_ line: %q", data)
	}
	if !strings.Contains(string(data), "body") {
		t.Errorf("mbox file missing message body: %q", data)
	}
}

func TestMboxDeliverAppends(t *testing.T) {
	dir := t.TempDir()
	m := &Mbox{Dir: dir}
	rcpt := testRecipient(t, "alice@example.org")
	mc := &mailctx.MailContext{Body: mailctx.RawBody([]byte("msg\r\n"))}

	for i := 0; i < 2; i++ {
		if err, _ := m.Deliver(context.Background(), mc, rcpt); err != nil {
			t.Fatalf("Deliver #%d: %v", i, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "alice"))
	if err != nil {
		t.Fatalf("reading mbox file: %v", err)
	}
	if strings.Count(string(data), "msg") != 2 {
		t.Errorf("expected two messages appended, got: %q", data)
	}
}

func TestMaildirDeliver(t *testing.T) {
	home := t.TempDir()
	me, err := user.Current()
	if err != nil {
		t.Skipf("user.Current unavailable: %v", err)
	}

	md := &Maildir{
		LookupUser: func(name string) (*user.User, error) {
			return &user.User{
				Username: name,
				Uid:      me.Uid,
				Gid:      me.Gid,
				HomeDir:  home,
			}, nil
		},
	}

	mc := &mailctx.MailContext{
		Body:     mailctx.RawBody([]byte("Subject: hi\r\n\r\nbody\r\n")),
		Metadata: &mailctx.MessageMetadata{MessageID: "msg1", Timestamp: time.Now()},
	}
	rcpt := testRecipient(t, "alice@example.org")

	err, permanent := md.Deliver(context.Background(), mc, rcpt)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if permanent {
		t.Errorf("successful delivery must not be marked permanent")
	}

	entries, rerr := os.ReadDir(filepath.Join(home, "Maildir", "new"))
	if rerr != nil {
		t.Fatalf("reading Maildir/new: %v", rerr)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d files in Maildir/new, want 1", len(entries))
	}
	if !strings.Contains(entries[0].Name(), "msg1") {
		t.Errorf("filename %q does not contain the message ID", entries[0].Name())
	}
}

func TestMaildirDeliverUnknownUser(t *testing.T) {
	md := &Maildir{
		LookupUser: func(name string) (*user.User, error) {
			return nil, &user.UnknownUserError{}
		},
	}
	mc := &mailctx.MailContext{Metadata: &mailctx.MessageMetadata{}}
	rcpt := testRecipient(t, "nobody@example.org")

	err, permanent := md.Deliver(context.Background(), mc, rcpt)
	if err == nil {
		t.Fatalf("expected an error for an unknown local user")
	}
	if !permanent {
		t.Errorf("unknown local user should be a permanent failure")
	}
}

func init() {
	// Silence the "declared and not used" concern if strconv ever drops
	// out of the Maildir test above during edits.
	_ = strconv.Itoa
}
