package rules

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// StripApproval removes moderator passwords from a post before it reaches
// the list: every approval header, and an approval pseudo-header on the
// first non-blank line of the first text/plain part together with the blank
// line after it. A post without either is returned unchanged.
func StripApproval(raw []byte) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	changed := false
	for _, name := range approvalHeaders {
		if h.Has(name) {
			h.Del(name)
			changed = true
		}
	}

	s := &approvalStripper{}
	if stripped, ok := s.entity(&h, body); ok {
		body = stripped
		changed = true
	}
	if !changed {
		return raw, nil
	}

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// approvalStripper walks the MIME tree depth first and only ever looks at
// the first text/plain part.
type approvalStripper struct {
	seenText bool
}

func (s *approvalStripper) entity(h *textproto.Header, body []byte) ([]byte, bool) {
	if s.seenText {
		return body, false
	}
	mh := message.Header{Header: *h}
	mediaType, params, err := mh.ContentType()
	if err != nil {
		return body, false
	}
	if disposition, _, _ := mh.ContentDisposition(); disposition == "attachment" {
		return body, false
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		return s.multipart(body, params["boundary"])
	case mediaType == "text/plain":
		s.seenText = true
		return stripTextPart(h, body)
	}
	return body, false
}

type rawPart struct {
	header textproto.Header
	body   []byte
}

func (s *approvalStripper) multipart(body []byte, boundary string) ([]byte, bool) {
	if boundary == "" {
		return body, false
	}

	var parts []*rawPart
	changed := false
	mr := textproto.NewMultipartReader(bytes.NewReader(body), boundary)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return body, false
		}
		pb, err := io.ReadAll(p)
		if err != nil {
			return body, false
		}
		part := &rawPart{header: p.Header, body: pb}
		if stripped, ok := s.entity(&part.header, part.body); ok {
			part.body = stripped
			changed = true
		}
		parts = append(parts, part)
	}
	if !changed {
		return body, false
	}

	var buf bytes.Buffer
	mw := textproto.NewMultipartWriter(&buf)
	if err := mw.SetBoundary(boundary); err != nil {
		return body, false
	}
	for _, part := range parts {
		w, err := mw.CreatePart(part.header)
		if err != nil {
			return body, false
		}
		if _, err := w.Write(part.body); err != nil {
			return body, false
		}
	}
	if err := mw.Close(); err != nil {
		return body, false
	}
	return buf.Bytes(), true
}

// stripTextPart edits identity-encoded bodies in place. Encoded bodies are
// decoded, edited and encoded again as UTF-8.
func stripTextPart(h *textproto.Header, body []byte) ([]byte, bool) {
	encoding := strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))
	switch encoding {
	case "", "7bit", "8bit", "binary":
		return removeApprovalLine(body)
	case "quoted-printable", "base64":
	default:
		return body, false
	}

	mh := message.Header{Header: *h}
	entity, err := message.New(mh, bytes.NewReader(body))
	converted := err == nil
	if err != nil && !message.IsUnknownCharset(err) {
		return body, false
	}
	decoded, err := io.ReadAll(entity.Body)
	if err != nil {
		return body, false
	}
	text, ok := removeApprovalLine(decoded)
	if !ok {
		return body, false
	}

	var buf bytes.Buffer
	switch encoding {
	case "quoted-printable":
		qw := quotedprintable.NewWriter(&buf)
		if _, err := qw.Write(text); err != nil {
			return body, false
		}
		if err := qw.Close(); err != nil {
			return body, false
		}
	case "base64":
		encoded := base64.StdEncoding.EncodeToString(text)
		for len(encoded) > 76 {
			buf.WriteString(encoded[:76])
			buf.WriteString("\r\n")
			encoded = encoded[76:]
		}
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}

	if converted {
		if mediaType, params, err := mh.ContentType(); err == nil && params["charset"] != "" {
			params["charset"] = "utf-8"
			mh.SetContentType(mediaType, params)
			*h = mh.Header
		}
	}
	return buf.Bytes(), true
}

// removeApprovalLine drops an approval pseudo-header found on the first
// non-blank line, plus one blank line following it.
func removeApprovalLine(body []byte) ([]byte, bool) {
	offset := 0
	for offset < len(body) {
		line, next := nextLine(body[offset:])
		if len(bytes.TrimSpace(line)) == 0 {
			offset += next
			continue
		}
		if bodyApproval([]string{string(line)}) == "" {
			return body, false
		}
		end := offset + next
		if blank, n := nextLine(body[end:]); n > 0 && len(bytes.TrimSpace(blank)) == 0 {
			end += n
		}
		out := make([]byte, 0, len(body)-(end-offset))
		out = append(out, body[:offset]...)
		return append(out, body[end:]...), true
	}
	return body, false
}

func nextLine(b []byte) ([]byte, int) {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i], i + 1
	}
	return b, len(b)
}
