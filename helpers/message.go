package helpers

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
)

// maxTextPartSize bounds how much of a single body part is read into memory
// for rule evaluation.
const maxTextPartSize = 1 << 20

// ExtractPlaintext walks the MIME tree and returns the concatenated
// text/plain parts. When a message only carries HTML, the HTML is converted
// to text. Attachments are skipped.
func ExtractPlaintext(msg *message.Entity) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("nil message entity")
	}

	var plain, html []string
	err := msg.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				return nil
			}
			return err
		}

		mediaType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		if disposition, _, _ := part.Header.ContentDisposition(); disposition == "attachment" {
			return nil
		}

		switch mediaType {
		case "", "text/plain":
			body, err := readPart(part)
			if err != nil {
				return err
			}
			plain = append(plain, body)
		case "text/html":
			body, err := readPart(part)
			if err != nil {
				return err
			}
			html = append(html, body)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if len(plain) > 0 {
		return strings.Join(plain, "\n"), nil
	}
	if len(html) > 0 {
		return html2text.HTML2Text(strings.Join(html, "\n")), nil
	}
	return "", nil
}

func readPart(part *message.Entity) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part.Body, maxTextPartSize))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("failed to read body part: %w", err)
	}
	return SanitizeUTF8(string(data)), nil
}
