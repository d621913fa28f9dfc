package rules

import (
	"bytes"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/migadu/listd/helpers"
)

// Message is a parsed post. It is not modified during evaluation.
type Message struct {
	EnvelopeFrom string
	ListAddress  string

	From    []string
	Sender  []string
	ReplyTo []string
	To      []string
	Cc      []string

	Subject   string
	MessageID string
	// Headers are keyed by canonical MIME header name, values decoded where possible.
	Headers map[string][]string
	// Text is the concatenated plain-text body; HTML-only posts are converted.
	Text string
	Size int
	Raw  []byte
}

// ParseMessage parses a raw RFC 5322 message delivered to listAddress.
// Unknown charsets are tolerated; an unparseable header block is an error.
func ParseMessage(envelopeFrom, listAddress string, raw []byte) (*Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &Message{
		EnvelopeFrom: helpers.NormalizeAddress(envelopeFrom),
		ListAddress:  helpers.NormalizeAddress(listAddress),
		Headers:      make(map[string][]string),
		Size:         len(raw),
		Raw:          raw,
	}

	fields := entity.Header.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		msg.Headers[key] = append(msg.Headers[key], helpers.SanitizeUTF8(value))
	}

	mh := mail.Header{Header: entity.Header}
	msg.From = addressList(mh, "From")
	msg.Sender = addressList(mh, "Sender")
	msg.ReplyTo = addressList(mh, "Reply-To")
	msg.To = addressList(mh, "To")
	msg.Cc = addressList(mh, "Cc")

	if subject, err := mh.Subject(); err == nil {
		msg.Subject = helpers.SanitizeUTF8(subject)
	} else {
		msg.Subject = helpers.SanitizeUTF8(mh.Get("Subject"))
	}
	if id, err := mh.MessageID(); err == nil && id != "" {
		msg.MessageID = "<" + id + ">"
	} else {
		msg.MessageID = strings.TrimSpace(mh.Get("Message-Id"))
	}

	if text, err := helpers.ExtractPlaintext(entity); err == nil {
		msg.Text = text
	}
	return msg, nil
}

func addressList(mh mail.Header, key string) []string {
	addrs, err := mh.AddressList(key)
	if err != nil {
		return helpers.ParseAddressList(mh.Get(key))
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, helpers.NormalizeAddress(a.Address))
	}
	return out
}

// Header returns the first value of a header, or "".
func (m *Message) Header(key string) string {
	if values := m.Headers[textproto.CanonicalMIMEHeaderKey(key)]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// HeaderValues returns every value of a header.
func (m *Message) HeaderValues(key string) []string {
	return m.Headers[textproto.CanonicalMIMEHeaderKey(key)]
}

// Senders lists every address that could be the poster: From, Sender,
// Reply-To and the envelope sender, deduplicated in that order.
func (m *Message) Senders() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(addrs ...string) {
		for _, a := range addrs {
			if a == "" || seen[a] {
				continue
			}
			seen[a] = true
			out = append(out, a)
		}
	}
	add(m.From...)
	add(m.Sender...)
	add(m.ReplyTo...)
	add(m.EnvelopeFrom)
	return out
}

// PrimarySender is the address used for membership lookups.
func (m *Message) PrimarySender() string {
	if senders := m.Senders(); len(senders) > 0 {
		return senders[0]
	}
	return ""
}

// Recipients returns To and Cc addresses.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	return out
}

// TextLines returns the body split into lines.
func (m *Message) TextLines() []string {
	if m.Text == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(m.Text, "\r\n", "\n"), "\n")
}
