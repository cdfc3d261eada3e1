package event

import (
	"strings"
	"testing"

	"vsmtpd.io/go/vsmtpd/internal/reply"
)

func TestParseCommandBasic(t *testing.T) {
	cases := []struct {
		line string
		kind Kind
	}{
		{"HELO client.example.org", KindHelo},
		{"EHLO client.example.org", KindEhlo},
		{"RSET", KindRset},
		{"VRFY user", KindVrfy},
		{"EXPN list", KindExpn},
		{"HELP", KindHelp},
		{"NOOP", KindNoop},
		{"QUIT", KindQuit},
		{"STARTTLS", KindStartTLS},
		{"DATA", KindData},
	}
	for _, c := range cases {
		ev, err := ParseCommand(c.line)
		if err != nil {
			t.Errorf("ParseCommand(%q): %v", c.line, err)
			continue
		}
		if ev.Kind != c.kind {
			t.Errorf("ParseCommand(%q).Kind = %v, want %v", c.line, ev.Kind, c.kind)
		}
	}
}

func TestParseCommandHeloRequiresDomain(t *testing.T) {
	if _, err := ParseCommand("HELO"); err == nil {
		t.Errorf("HELO without a domain should fail")
	}
	if _, err := ParseCommand("HELO  "); err == nil {
		t.Errorf("HELO with only whitespace should fail")
	}
}

func TestParseCommandLeadingWhitespace(t *testing.T) {
	if _, err := ParseCommand(" HELO example.org"); err == nil {
		t.Errorf("leading whitespace before the verb should be rejected")
	}
}

func TestParseCommandTooLong(t *testing.T) {
	if _, err := ParseCommand("HELO " + strings.Repeat("a", 100)); err == nil {
		t.Errorf("a >88 byte line should be rejected")
	}
}

func TestParseCommandUnknownVerb(t *testing.T) {
	_, err := ParseCommand("BOGUS foo")
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T (%v)", err, err)
	}
	if pe.ID != reply.Unimplemented {
		t.Errorf("ID = %v, want Unimplemented", pe.ID)
	}
}

func TestParseMail(t *testing.T) {
	ev, err := ParseCommand("MAIL FROM:<from@example.org>")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if ev.Kind != KindMail || ev.ReversePath != "from@example.org" || ev.NullSender {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestParseMailNullSender(t *testing.T) {
	ev, err := ParseCommand("MAIL FROM:<>")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if !ev.NullSender || ev.ReversePath != "" {
		t.Errorf("expected null sender, got %+v", ev)
	}
}

func TestParseMailParams(t *testing.T) {
	ev, err := ParseCommand("MAIL FROM:<a@b> BODY=8BITMIME SMTPUTF8")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if ev.BodyType != Body8BitMime || !ev.SMTPUTF8 {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestParseMailDuplicateBody(t *testing.T) {
	_, err := ParseCommand("MAIL FROM:<a@b> BODY=7BIT BODY=8BITMIME")
	if err == nil {
		t.Errorf("duplicate BODY= parameter should be rejected")
	}
}

func TestParseMailBadParam(t *testing.T) {
	_, err := ParseCommand("MAIL FROM:<a@b> UNKNOWN=1")
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.ID != reply.ParameterUnimplemented {
		t.Errorf("ID = %v, want ParameterUnimplemented", pe.ID)
	}
}

func TestParseMailAuthXtext(t *testing.T) {
	ev, err := ParseCommand("MAIL FROM:<a@b> AUTH=a+2Bb")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if ev.AuthIdentity != "a+b" {
		t.Errorf("AuthIdentity = %q, want %q", ev.AuthIdentity, "a+b")
	}
}

func TestParseMailMissingAngleBrackets(t *testing.T) {
	if _, err := ParseCommand("MAIL FROM:a@b"); err == nil {
		t.Errorf("MAIL FROM without angle brackets should be rejected")
	}
}

func TestParseRcpt(t *testing.T) {
	ev, err := ParseCommand("RCPT TO:<to@example.org>")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if ev.Kind != KindRcpt || ev.ForwardPath != "to@example.org" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestParseRcptSourceRoute(t *testing.T) {
	ev, err := ParseCommand("RCPT TO:<@a.org,@b.org:to@example.org>")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if ev.ForwardPath != "to@example.org" {
		t.Errorf("ForwardPath = %q, want source route stripped", ev.ForwardPath)
	}
}

func TestParseRcptEmpty(t *testing.T) {
	if _, err := ParseCommand("RCPT TO:<>"); err == nil {
		t.Errorf("RCPT TO:<> should be rejected, null reverse-path is only valid on MAIL FROM")
	}
}

func TestParseAuth(t *testing.T) {
	ev, err := ParseCommand("AUTH PLAIN dGVzdA==")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if ev.Kind != KindAuth || ev.Mechanism != "PLAIN" || !ev.HasInitialResp || ev.InitialResp != "dGVzdA==" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestParseAuthNoInitialResponse(t *testing.T) {
	ev, err := ParseCommand("AUTH LOGIN")
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if ev.HasInitialResp {
		t.Errorf("unexpected initial response: %+v", ev)
	}
}

func TestParseDataLine(t *testing.T) {
	cases := []struct {
		line     string
		wantKind Kind
		wantText string
	}{
		{".", KindDataEnd, ""},
		{"plain line", KindDataLine, "plain line"},
		{"..dot-stuffed", KindDataLine, ".dot-stuffed"},
		{"", KindDataLine, ""},
	}
	for _, c := range cases {
		ev, err := ParseDataLine(c.line)
		if err != nil {
			t.Errorf("ParseDataLine(%q): %v", c.line, err)
			continue
		}
		if ev.Kind != c.wantKind || ev.DataText != c.wantText {
			t.Errorf("ParseDataLine(%q) = %+v, want kind %v text %q",
				c.line, ev, c.wantKind, c.wantText)
		}
	}
}

func TestParseDataLineTooLong(t *testing.T) {
	if _, err := ParseDataLine(strings.Repeat("a", 1000)); err == nil {
		t.Errorf("a >998 byte data line should be rejected")
	}
}
