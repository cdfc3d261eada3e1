// Package mimeparse parses a raw RFC 5322 message into the structured
// mailctx.MailTree (component D of SPEC_FULL.md), using
// github.com/emersion/go-message's header and multipart walking instead of
// hand-rolling a parser on top of mime/multipart (see DESIGN.md).
package mimeparse

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"

	"vsmtpd.io/go/vsmtpd/internal/mailctx"
)

// Parse turns raw message bytes into a MailTree. A parse failure is never
// fatal to the pipeline (spec.md §4.6): callers that get an error should
// fall back to an empty tree and keep the raw bytes around.
func Parse(raw []byte) (*mailctx.MailTree, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && ent == nil {
		return nil, err
	}

	tree := &mailctx.MailTree{Headers: headersOf(&ent.Header)}
	tree.Body = readBody(ent)
	return tree, nil
}

func headersOf(h *message.Header) []mailctx.Header {
	var out []mailctx.Header
	fields := h.Fields()
	for fields.Next() {
		out = append(out, mailctx.Header{
			Name:  strings.ToLower(fields.Key()),
			Value: fields.Value(),
		})
	}
	return out
}

func readBody(ent *message.Entity) mailctx.TreeBody {
	if mr := ent.MultipartReader(); mr != nil {
		node := readMimeMultipart(ent, mr)
		return mailctx.TreeBody{Kind: mailctx.TreeMime, Mime: node}
	}

	ctype, params, _ := ent.Header.ContentType()
	if strings.EqualFold(ctype, "message/rfc822") {
		embedded, err := Parse(readAll(ent.Body))
		if err == nil {
			node := &mailctx.MimeNode{
				Headers:     headersOf(&ent.Header),
				ContentType: ctype,
				Params:      params,
				MimeBody:    mailctx.MimeBody{Kind: mailctx.MimeEmbedded, Embedded: embedded},
			}
			return mailctx.TreeBody{Kind: mailctx.TreeMime, Mime: node}
		}
	}

	return mailctx.TreeBody{Kind: mailctx.TreeRegular, Lines: splitLines(ent.Body)}
}

func readMimeMultipart(parent *message.Entity, mr message.MultipartReader) *mailctx.MimeNode {
	ctype, params, _ := parent.Header.ContentType()
	node := &mailctx.MimeNode{
		Headers:     headersOf(&parent.Header),
		ContentType: ctype,
		Params:      params,
		MimeBody:    mailctx.MimeBody{Kind: mailctx.MimeMultipart},
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		node.MimeBody.Parts = append(node.MimeBody.Parts, readMimePart(part))
	}

	return node
}

func readMimePart(ent *message.Entity) *mailctx.MimeNode {
	ctype, params, _ := ent.Header.ContentType()
	node := &mailctx.MimeNode{
		Headers:     headersOf(&ent.Header),
		ContentType: ctype,
		Params:      params,
	}

	if mr := ent.MultipartReader(); mr != nil {
		sub := readMimeMultipart(ent, mr)
		node.MimeBody = sub.MimeBody
		return node
	}

	if strings.EqualFold(ctype, "message/rfc822") {
		embedded, err := Parse(readAll(ent.Body))
		if err == nil {
			node.MimeBody = mailctx.MimeBody{Kind: mailctx.MimeEmbedded, Embedded: embedded}
			return node
		}
	}

	node.MimeBody = mailctx.MimeBody{Kind: mailctx.MimeRegular, Lines: splitLines(ent.Body)}
	return node
}

func splitLines(r io.Reader) []string {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func readAll(r io.Reader) []byte {
	b, _ := io.ReadAll(r)
	return b
}
