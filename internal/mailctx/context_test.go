package mailctx

import (
	"encoding/json"
	"net"
	"testing"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		raw     string
		wantErr bool
	}{
		{"user@domain", false},
		{"u.ser+tag@sub.domain.com", false},
		{"", true},
		{"noat", true},
		{"@domain", true},
		{"user@", true},
		{"us er@domain", true},
		{"user@dom ain", true},
		{"user@dom@ain", true},
	}
	for _, c := range cases {
		a, err := ParseAddress(c.raw)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseAddress(%q) error = %v, wantErr %v", c.raw, err, c.wantErr)
			continue
		}
		if err == nil && a.Full() != c.raw {
			t.Errorf("ParseAddress(%q).Full() = %q", c.raw, a.Full())
		}
	}
}

func TestAddressEqual(t *testing.T) {
	a, _ := ParseAddress("user@Example.COM")
	b, _ := ParseAddress("user@example.com")
	if !a.Equal(b) {
		t.Errorf("expected domain-case-insensitive match")
	}

	c, _ := ParseAddress("User@example.com")
	if a.Equal(c) {
		t.Errorf("local-part must be compared case-sensitively")
	}
}

func TestAddressJSONRoundTrip(t *testing.T) {
	a, err := ParseAddress("user@domain.org")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Address
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.Equal(a) {
		t.Errorf("round-tripped address = %v, want %v", got, a)
	}

	// The zero Address must also round-trip.
	var zero Address
	data, err = json.Marshal(zero)
	if err != nil {
		t.Fatalf("Marshal(zero): %v", err)
	}
	var gotZero Address
	if err := json.Unmarshal(data, &gotZero); err != nil {
		t.Fatalf("Unmarshal(zero): %v", err)
	}
	if !gotZero.IsZero() {
		t.Errorf("round-tripped zero address is not zero: %v", gotZero)
	}
}

func TestConnectionJSONRoundTrip(t *testing.T) {
	c := Connection{
		PeerAddr:        &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1234},
		ServerName:      "mx.example.org",
		IsSecured:       true,
		IsAuthenticated: true,
		Credentials:     &Credentials{User: "u", Domain: "d"},
	}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Connection
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.PeerAddr.Network() != c.PeerAddr.Network() || got.PeerAddr.String() != c.PeerAddr.String() {
		t.Errorf("PeerAddr = %v, want %v", got.PeerAddr, c.PeerAddr)
	}
	if got.ServerName != c.ServerName || !got.IsSecured || !got.IsAuthenticated {
		t.Errorf("round-tripped Connection lost fields: %+v", got)
	}
	if got.Credentials == nil || *got.Credentials != *c.Credentials {
		t.Errorf("Credentials = %v, want %v", got.Credentials, c.Credentials)
	}
}

func TestEnvelopeResetAndRecipients(t *testing.T) {
	from, _ := ParseAddress("from@example.org")
	to, _ := ParseAddress("to@example.org")

	e := Envelope{Helo: "client", MailFrom: from}
	e.AddRecipient(to)

	if !e.HasMailFrom() {
		t.Errorf("expected HasMailFrom after MAIL FROM set")
	}
	if len(e.Rcpt) != 1 || e.Rcpt[0].TransferMethod != TransferDeliver {
		t.Errorf("AddRecipient did not default to TransferDeliver: %+v", e.Rcpt)
	}
	if e.Rcpt[0].EmailStatus.Kind != StatusWaiting {
		t.Errorf("new recipient status = %v, want Waiting", e.Rcpt[0].EmailStatus)
	}

	e.Reset()
	if e.HasMailFrom() || len(e.Rcpt) != 0 {
		t.Errorf("Reset left state behind: %+v", e)
	}
}

func TestEnvelopeNullSender(t *testing.T) {
	e := Envelope{NullSender: true}
	if !e.HasMailFrom() {
		t.Errorf("null sender should count as a seen MAIL FROM")
	}
	if e.MailFromString() != "<>" {
		t.Errorf("MailFromString() = %q, want <>", e.MailFromString())
	}
}

func TestEmailStatusTerminal(t *testing.T) {
	cases := []struct {
		s    EmailStatus
		term bool
	}{
		{Waiting(), false},
		{HeldBack(1), false},
		{Sent(), true},
		{Failed("bounced"), true},
	}
	for _, c := range cases {
		if got := c.s.Terminal(); got != c.term {
			t.Errorf("%v.Terminal() = %v, want %v", c.s, got, c.term)
		}
	}
}

func TestBodyBytes(t *testing.T) {
	if b := EmptyBody().Bytes(); b != nil {
		t.Errorf("EmptyBody().Bytes() = %v, want nil", b)
	}

	raw := RawBody([]byte("hello"))
	if string(raw.Bytes()) != "hello" {
		t.Errorf("RawBody.Bytes() = %q", raw.Bytes())
	}
}

func TestMailContextResetTransaction(t *testing.T) {
	from, _ := ParseAddress("from@example.org")
	to, _ := ParseAddress("to@example.org")
	env := Envelope{Helo: "client", MailFrom: from}
	env.AddRecipient(to)

	mc := &MailContext{
		Envelope: env,
		Body:     RawBody([]byte("data")),
		Metadata: &MessageMetadata{MessageID: "id1"},
	}

	mc.ResetTransaction()

	if mc.Envelope.HasMailFrom() || len(mc.Envelope.Rcpt) != 0 {
		t.Errorf("ResetTransaction left envelope state: %+v", mc.Envelope)
	}
	if mc.Body.Kind != BodyEmpty {
		t.Errorf("ResetTransaction left body: %+v", mc.Body)
	}
	if mc.Metadata != nil {
		t.Errorf("ResetTransaction left metadata: %+v", mc.Metadata)
	}
	// Connection-level facts are untouched by ResetTransaction.
	if mc.Connection.ServerName != "" {
		t.Errorf("ResetTransaction unexpectedly touched Connection")
	}
}
