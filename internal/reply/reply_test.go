package reply

import "testing"

func TestDefaultHasEveryID(t *testing.T) {
	table := Default()
	ids := []ID{
		Greetings, Help, Closing, Ok, BadSequence, SyntaxErrorParams,
		Unimplemented, ParameterUnimplemented, TlsNotAvailable, TlsRequired,
		AlreadyUnderTLS, AuthSucceeded, AuthRequired, AuthMechNotSupported,
		AuthClientMustNotStart, AuthMechanismMustBeEncrypted,
		AuthInvalidCredentials, AuthClientCanceled, AuthErrorDecode64,
		ConnectionMaxReached, LineTooLong, TooManyError, Timeout, TooManyRecipients,
		DataStart, Denied, CrossProtocol, QueueError,
	}
	for _, id := range ids {
		if _, ok := table[id]; !ok {
			t.Errorf("Default() table is missing %v", id)
		}
	}
}

func TestExpandDomainSubstitution(t *testing.T) {
	table := Default()
	code, text := table.Expand(Greetings, "mx.example.org")
	if code != 220 {
		t.Errorf("code = %d, want 220", code)
	}
	if text != "mx.example.org Service ready" {
		t.Errorf("text = %q", text)
	}
}

func TestExpandUnknownID(t *testing.T) {
	table := Default()
	code, text := table.Expand(ID("nonexistent"), "mx.example.org")
	if code != 451 {
		t.Errorf("unknown ID code = %d, want 451", code)
	}
	if text == "" {
		t.Errorf("expected a non-empty placeholder message")
	}
}

func TestExpandNoDomainPlaceholder(t *testing.T) {
	table := Default()
	code, text := table.Expand(Ok, "mx.example.org")
	if code != 250 || text != "Ok" {
		t.Errorf("Expand(Ok) = %d %q", code, text)
	}
}
