package policy

import (
	"testing"

	"vsmtpd.io/go/vsmtpd/internal/mailctx"
	"vsmtpd.io/go/vsmtpd/internal/set"
)

func localDomains(domains ...string) *set.String {
	s := &set.String{}
	for _, d := range domains {
		s.Add(d)
	}
	return s
}

func ctxWithRecipient(addr string, authenticated bool) *mailctx.MailContext {
	a, _ := mailctx.ParseAddress(addr)
	env := mailctx.Envelope{}
	env.AddRecipient(a)
	return &mailctx.MailContext{
		Connection: mailctx.Connection{IsAuthenticated: authenticated},
		Envelope:   env,
	}
}

func TestRunRcptToLocalUserExists(t *testing.T) {
	h := NewDefaultHost(localDomains("example.org"), func(addr string) (bool, error) {
		return addr == "user@example.org", nil
	})

	ctx := ctxWithRecipient("user@example.org", false)
	st, err := h.Run(StageRcptTo, ctx)
	if err != nil || st.Verdict != Next {
		t.Errorf("known local user: verdict=%v err=%v, want Next/nil", st.Verdict, err)
	}

	ctx = ctxWithRecipient("nobody@example.org", false)
	st, err = h.Run(StageRcptTo, ctx)
	if err == nil || st.Verdict != Deny {
		t.Errorf("unknown local user: verdict=%v err=%v, want Deny/error", st.Verdict, err)
	}
}

func TestRunRcptToRelayDenied(t *testing.T) {
	h := NewDefaultHost(localDomains("example.org"), func(string) (bool, error) { return true, nil })

	ctx := ctxWithRecipient("user@other.org", false)
	st, err := h.Run(StageRcptTo, ctx)
	if err == nil || st.Verdict != Deny {
		t.Errorf("unauthenticated relay: verdict=%v err=%v, want Deny/error", st.Verdict, err)
	}
}

func TestRunRcptToRelayAllowedWhenAuthenticated(t *testing.T) {
	h := NewDefaultHost(localDomains("example.org"), func(string) (bool, error) { return true, nil })

	ctx := ctxWithRecipient("user@other.org", true)
	st, err := h.Run(StageRcptTo, ctx)
	if err != nil || st.Verdict != Next {
		t.Errorf("authenticated relay: verdict=%v err=%v, want Next/nil", st.Verdict, err)
	}
}

func TestRunMailFromNullSenderAlwaysAllowed(t *testing.T) {
	h := NewDefaultHost(localDomains("example.org"), nil)
	h.DisableSPF = true

	ctx := &mailctx.MailContext{Envelope: mailctx.Envelope{NullSender: true}}
	st, err := h.Run(StageMailFrom, ctx)
	if err != nil || st.Verdict != Next {
		t.Errorf("null sender: verdict=%v err=%v, want Next/nil", st.Verdict, err)
	}
}

func TestRunMailFromAuthenticatedSkipsChecks(t *testing.T) {
	h := NewDefaultHost(localDomains("example.org"), nil)
	// DisableSPF left false on purpose: an authenticated sender must short
	// circuit before any SPF/DNS lookup is attempted.
	from, _ := mailctx.ParseAddress("user@other.org")
	ctx := &mailctx.MailContext{
		Connection: mailctx.Connection{IsAuthenticated: true},
		Envelope:   mailctx.Envelope{MailFrom: from},
	}
	st, err := h.Run(StageMailFrom, ctx)
	if err != nil || st.Verdict != Next {
		t.Errorf("authenticated MAIL FROM: verdict=%v err=%v, want Next/nil", st.Verdict, err)
	}
}

func TestRunMailFromDisabledSPF(t *testing.T) {
	h := NewDefaultHost(localDomains("example.org"), nil)
	h.DisableSPF = true

	from, _ := mailctx.ParseAddress("user@other.org")
	ctx := &mailctx.MailContext{Envelope: mailctx.Envelope{MailFrom: from}}
	st, err := h.Run(StageMailFrom, ctx)
	if err != nil || st.Verdict != Next {
		t.Errorf("DisableSPF MAIL FROM: verdict=%v err=%v, want Next/nil", st.Verdict, err)
	}
}

func TestRunUnhandledStagesPassThrough(t *testing.T) {
	h := NewDefaultHost(localDomains("example.org"), nil)
	for _, stage := range []Stage{StageConnect, StageHelo, StagePreQueue, StagePostQueue} {
		st, err := h.Run(stage, &mailctx.MailContext{})
		if err != nil || st.Verdict != Next {
			t.Errorf("stage %v: verdict=%v err=%v, want Next/nil", stage, st.Verdict, err)
		}
	}
}

func TestStageString(t *testing.T) {
	cases := map[Stage]string{
		StageConnect:   "Connect",
		StageHelo:      "Helo",
		StageMailFrom:  "MailFrom",
		StageRcptTo:    "RcptTo",
		StagePreQueue:  "PreQueue",
		StagePostQueue: "PostQueue",
		Stage(99):      "Unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Stage(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestHostFunc(t *testing.T) {
	called := false
	h := HostFunc(func(stage Stage, ctx *mailctx.MailContext) (Status, error) {
		called = true
		return Status{Verdict: Accept}, nil
	})

	st, err := h.Run(StageConnect, &mailctx.MailContext{})
	if err != nil || st.Verdict != Accept || !called {
		t.Errorf("HostFunc did not delegate correctly: verdict=%v err=%v called=%v", st.Verdict, err, called)
	}
}
