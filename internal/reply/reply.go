// Package reply implements the named reply-code table: every protocol
// stage in internal/smtpsrv looks up a named identifier here instead of
// embedding literal SMTP text, so the wire wording is centrally
// configurable, as required by spec.md §3/§6.
package reply

import "strings"

// ID names a reply template. The zero value is not a valid ID.
type ID string

const (
	Greetings                    ID = "Greetings"
	Help                         ID = "Help"
	Closing                      ID = "Closing"
	Ok                           ID = "Ok"
	BadSequence                  ID = "BadSequence"
	SyntaxErrorParams            ID = "SyntaxErrorParams"
	Unimplemented                ID = "Unimplemented"
	ParameterUnimplemented       ID = "ParameterUnimplemented"
	TlsNotAvailable              ID = "TlsNotAvailable"
	TlsRequired                  ID = "TlsRequired"
	AlreadyUnderTLS              ID = "AlreadyUnderTLS"
	AuthSucceeded                ID = "AuthSucceeded"
	AuthRequired                 ID = "AuthRequired"
	AuthMechNotSupported         ID = "AuthMechNotSupported"
	AuthClientMustNotStart       ID = "AuthClientMustNotStart"
	AuthMechanismMustBeEncrypted ID = "AuthMechanismMustBeEncrypted"
	AuthInvalidCredentials       ID = "AuthInvalidCredentials"
	AuthClientCanceled           ID = "AuthClientCanceled"
	AuthErrorDecode64            ID = "AuthErrorDecode64"
	ConnectionMaxReached         ID = "ConnectionMaxReached"
	LineTooLong                  ID = "LineTooLong"
	TooManyError                 ID = "TooManyError"
	Timeout                      ID = "Timeout"
	TooManyRecipients            ID = "TooManyRecipients"
	DataStart                    ID = "DataStart"
	Denied                       ID = "Denied"
	CrossProtocol                ID = "CrossProtocol"
	QueueError                   ID = "QueueError"
)

// Template is a single reply-code table entry: the numeric SMTP code and
// the message text, which may contain "{domain}".
type Template struct {
	Code int
	Text string
}

// Table is the full set of named replies, keyed by ID. A conforming
// deployment always has every ID of spec.md §3 present; Table.Expand
// answers a missing ID with a 451 internal-error reply rather than an
// empty one.
type Table map[ID]Template

// Default returns the built-in reply table, matching the plain,
// professional tone of a stock SMTP server (see SPEC_FULL.md §6.3).
func Default() Table {
	return Table{
		Greetings:                    {220, "{domain} Service ready"},
		Help:                         {214, "2.0.0 See https://tools.ietf.org/html/rfc5321"},
		Closing:                      {221, "2.0.0 {domain} closing transmission channel"},
		Ok:                           {250, "Ok"},
		BadSequence:                  {503, "5.5.1 Bad sequence of commands"},
		SyntaxErrorParams:            {501, "5.5.4 Syntax error in parameters or arguments"},
		Unimplemented:                {502, "5.5.1 Command not implemented"},
		ParameterUnimplemented:       {504, "5.5.4 Command parameter not implemented"},
		TlsNotAvailable:              {454, "4.7.0 TLS not available"},
		TlsRequired:                  {530, "5.7.0 Must issue a STARTTLS command first"},
		AlreadyUnderTLS:              {503, "5.5.1 Already under TLS"},
		AuthSucceeded:                {235, "2.7.0 Authentication successful"},
		AuthRequired:                 {530, "5.7.0 Authentication required"},
		AuthMechNotSupported:         {504, "5.5.4 Authentication mechanism not supported"},
		AuthClientMustNotStart:       {501, "5.5.2 Client must not start with this mechanism"},
		AuthMechanismMustBeEncrypted: {538, "5.7.11 Encryption required for this mechanism"},
		AuthInvalidCredentials:       {535, "5.7.8 Authentication credentials invalid"},
		AuthClientCanceled:           {501, "5.0.0 Authentication canceled by client"},
		AuthErrorDecode64:            {501, "5.5.2 Cannot decode base64 response"},
		ConnectionMaxReached:         {421, "4.7.0 Too many connections, try again later"},
		LineTooLong:                  {500, "5.5.2 Line too long"},
		TooManyError:                 {451, "4.5.0 Too many errors from the client"},
		Timeout:                      {451, "4.4.2 Timeout waiting for client"},
		TooManyRecipients:            {452, "4.5.3 Too many recipients"},
		DataStart:                    {354, "Start mail input; end with <CRLF>.<CRLF>"},
		Denied:                       {554, "5.7.1 Transaction denied"},
		CrossProtocol:                {502, "5.7.0 This is an SMTP server, not an HTTP proxy"},
		QueueError:                   {451, "4.3.0 Error queueing message, try again later"},
	}
}

// Expand resolves {domain} and returns the code and text for the given ID.
func (t Table) Expand(id ID, domain string) (int, string) {
	tpl, ok := t[id]
	if !ok {
		// A missing identifier is a deployment bug: a conforming table
		// always carries every ID in spec.md §3.
		return 451, "4.0.0 internal error: unknown reply " + string(id)
	}
	return tpl.Code, strings.ReplaceAll(tpl.Text, "{domain}", domain)
}
