package mailctx

import (
	"bytes"
	"fmt"
	"strings"
)

// Header is a single (lower-cased name, value) pair. Order is preserved as
// parsed, per spec.md §3.
type Header struct {
	Name  string
	Value string
}

// MailTree is the structured view of a message: an ordered header list plus
// a body, which is either a flat Regular text, a Mime sub-tree, or
// Undefined (no body was ever attached, e.g. on a parse failure).
type MailTree struct {
	Headers []Header
	Body    TreeBody
}

// TreeBodyKind tags MailTree.Body and MimeNode.Body.
type TreeBodyKind int

const (
	TreeUndefined TreeBodyKind = iota
	TreeRegular
	TreeMime
)

type TreeBody struct {
	Kind  TreeBodyKind
	Lines []string
	Mime  *MimeNode
}

// MimeBodyKind tags MimeNode.MimeBody.
type MimeBodyKind int

const (
	MimeRegular MimeBodyKind = iota
	MimeMultipart
	MimeEmbedded
)

// MimeNode is one node of the MIME tree: its own headers (at minimum
// Content-Type, with typed parameters) and a typed body.
type MimeNode struct {
	Headers     []Header
	ContentType string
	Params      map[string]string
	MimeBody    MimeBody
}

type MimeBody struct {
	Kind      MimeBodyKind
	Lines     []string   // MimeRegular
	Preamble  string     // MimeMultipart
	Parts     []*MimeNode // MimeMultipart
	Epilogue  string     // MimeMultipart
	Embedded  *MailTree  // MimeEmbedded
}

// HeaderValue returns the first value for the given (case-insensitive)
// header name, and whether it was found.
func (t *MailTree) HeaderValue(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, h := range t.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// AddHeader prepends a header, matching the teacher's envelope.AddHeader
// semantics (new headers go first, e.g. Received trailers).
func (t *MailTree) AddHeader(name, value string) {
	t.Headers = append([]Header{{Name: strings.ToLower(name), Value: value}}, t.Headers...)
}

// Serialize renders the tree back to RFC 5322 wire bytes: headers, a blank
// line, then the body. Header names are written as stored (lower-cased) and
// in their stored order, and every line ends in LF, so the output is not
// byte-identical to a CRLF or mixed-case original.
func (t *MailTree) Serialize() []byte {
	var buf bytes.Buffer
	for _, h := range t.Headers {
		fmt.Fprintf(&buf, "%s: %s\n", h.Name, h.Value)
	}
	buf.WriteByte('\n')

	switch t.Body.Kind {
	case TreeRegular:
		for _, l := range t.Body.Lines {
			buf.WriteString(l)
			buf.WriteByte('\n')
		}
	case TreeMime:
		if t.Body.Mime != nil {
			serializeMimeNode(&buf, t.Body.Mime)
		}
	}

	return buf.Bytes()
}

func serializeMimeNode(buf *bytes.Buffer, n *MimeNode) {
	switch n.MimeBody.Kind {
	case MimeRegular:
		for _, l := range n.MimeBody.Lines {
			buf.WriteString(l)
			buf.WriteByte('\n')
		}
	case MimeMultipart:
		buf.WriteString(n.MimeBody.Preamble)
		for _, p := range n.MimeBody.Parts {
			for _, h := range p.Headers {
				fmt.Fprintf(buf, "%s: %s\n", h.Name, h.Value)
			}
			buf.WriteByte('\n')
			serializeMimeNode(buf, p)
		}
		buf.WriteString(n.MimeBody.Epilogue)
	case MimeEmbedded:
		if n.MimeBody.Embedded != nil {
			buf.Write(n.MimeBody.Embedded.Serialize())
		}
	}
}
