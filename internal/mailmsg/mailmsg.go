// SPDX-License-Identifier: GPL-3.0-or-later

// Package mailmsg builds RFC-5322 reply messages. The header fields and
// "Re: " subject prefixing follow the sendReply/sendMailViaSMTPClient
// pair in nam-hle-task-management's email adapter; the actual encoding
// uses emersion/go-message/mail (already pulled in for charset-safe
// header decoding) instead of that example's manual string.Builder, since
// the VendorAPI path needs a correctly MIME-encoded blob, not just a
// DATA-command body.
package mailmsg

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Reply is the input to Build: everything needed to compose a threaded
// plain-text reply, per spec §4.4 step 2.
type Reply struct {
	From            string
	To              string
	OriginalSubject string
	Body            string
	InReplyTo       string
	References      string
}

// subjectPrefix adds "Re: " unless the subject is already a reply,
// mirroring nam-hle's case-insensitive prefix check.
func subjectPrefix(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

// Build renders r into an RFC-5322 byte blob with a plain-text body,
// preserving In-Reply-To/References when present.
func Build(r Reply) ([]byte, error) {
	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Address: r.From}})
	h.SetAddressList("To", []*mail.Address{{Address: r.To}})
	h.SetSubject(subjectPrefix(r.OriginalSubject))
	if r.InReplyTo != "" {
		h.Set("In-Reply-To", angleBracket(r.InReplyTo))
	}
	if r.References != "" {
		h.Set("References", angleBracket(r.References))
	}

	var buf bytes.Buffer
	w, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("mailmsg: creating writer: %w", err)
	}

	body, err := w.CreateSingleInline(mail.InlineHeader{})
	if err != nil {
		return nil, fmt.Errorf("mailmsg: creating body writer: %w", err)
	}
	if _, err := io.WriteString(body, r.Body); err != nil {
		return nil, fmt.Errorf("mailmsg: writing body: %w", err)
	}
	if err := body.Close(); err != nil {
		return nil, fmt.Errorf("mailmsg: closing body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("mailmsg: closing writer: %w", err)
	}

	return buf.Bytes(), nil
}

// angleBracket wraps a message-id in angle brackets if it isn't already,
// the wire form RFC 5322 requires for In-Reply-To/References.
func angleBracket(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") {
		return id
	}
	return "<" + id + ">"
}

// DecodeSubject decodes a raw (possibly RFC-2047 encoded) Subject header
// value, used by the spam rescuer when matching customMailId against
// fetched envelope subjects. Grounded on the teacher's
// mail.MailHeaderInfos, which runs the identical charset.Reader-backed
// decoder over the Subject header.
func DecodeSubject(raw string) (string, error) {
	dec := &mime.WordDecoder{CharsetReader: charset.Reader}
	decoded, err := dec.DecodeHeader(raw)
	if err != nil {
		return raw, fmt.Errorf("mailmsg: decoding subject: %w", err)
	}
	return decoded, nil
}
