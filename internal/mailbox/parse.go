package mailbox

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// ParseMessage builds a Message from raw RFC 5322 bytes. The text body
// prefers an inline text/plain part; when only HTML is available the
// markup is stripped to text. The returned Message has an empty ID; the
// caller fills it from the envelope or a transport fallback.
func ParseMessage(raw []byte) (Message, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return Message{}, fmt.Errorf("parse message: %w", err)
	}
	defer reader.Close()

	var msg Message
	if addrs, err := reader.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.From = addrs[0].Address
	}
	if subject, err := reader.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if date, err := reader.Header.Date(); err == nil {
		msg.Date = date
	}
	if id := reader.Header.Get("Message-ID"); id != "" {
		msg.ID = id
	}

	var plain, htmlBody strings.Builder
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed part should not discard what we already have.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, err := h.ContentType()
			if err != nil {
				continue
			}
			switch contentType {
			case "text/plain":
				io.Copy(&plain, part.Body)
			case "text/html":
				io.Copy(&htmlBody, part.Body)
			}
		}
	}

	if plain.Len() > 0 {
		msg.Text = strings.TrimSpace(plain.String())
	} else if htmlBody.Len() > 0 {
		msg.Text = htmlToText(htmlBody.String())
	}
	return msg, nil
}

// htmlToText strips markup from an HTML body, dropping script and style
// content and collapsing runs of whitespace.
func htmlToText(src string) string {
	var out strings.Builder
	inTag := false
	skipUntil := "" // closing tag whose content is discarded

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '<':
			inTag = true
			rest := strings.ToLower(src[i:])
			if skipUntil == "" {
				if strings.HasPrefix(rest, "<script") {
					skipUntil = "</script"
				} else if strings.HasPrefix(rest, "<style") {
					skipUntil = "</style"
				}
			} else if strings.HasPrefix(rest, skipUntil) {
				skipUntil = ""
			}
			// Block-level boundaries become line breaks.
			if strings.HasPrefix(rest, "<br") || strings.HasPrefix(rest, "<p") ||
				strings.HasPrefix(rest, "</p") || strings.HasPrefix(rest, "<div") ||
				strings.HasPrefix(rest, "</div") || strings.HasPrefix(rest, "<tr") ||
				strings.HasPrefix(rest, "<li") {
				out.WriteByte('\n')
			}
		case c == '>':
			inTag = false
		case !inTag && skipUntil == "":
			out.WriteByte(c)
		}
	}

	text := html.UnescapeString(out.String())
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// cutoffDate returns the oldest receipt date accepted by a seed fetch.
func cutoffDate(processDays int) time.Time {
	return time.Now().AddDate(0, 0, -processDays)
}
