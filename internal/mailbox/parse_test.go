package mailbox

import (
	"strings"
	"testing"
)

func TestParseMessagePlainText(t *testing.T) {
	raw := strings.Join([]string{
		"From: Alice <alice@example.com>",
		"To: bob@example.com",
		"Subject: weekly sync",
		"Date: Mon, 24 Aug 2026 10:30:00 +0000",
		"Message-ID: <abc123@example.com>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Can you send the report by Friday?",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.From != "alice@example.com" {
		t.Errorf("From = %q", msg.From)
	}
	if msg.Subject != "weekly sync" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.ID != "<abc123@example.com>" {
		t.Errorf("ID = %q", msg.ID)
	}
	if msg.Date.IsZero() {
		t.Error("Date not parsed")
	}
	if msg.Text != "Can you send the report by Friday?" {
		t.Errorf("Text = %q", msg.Text)
	}
}

func TestParseMessagePrefersPlainOverHTML(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"Subject: alt",
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=BOUNDARY",
		"",
		"--BOUNDARY",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain body",
		"--BOUNDARY",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html body</p>",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Text != "plain body" {
		t.Errorf("Text = %q, want the plain part", msg.Text)
	}
}

func TestParseMessageHTMLOnly(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"Subject: html",
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><body><p>First line</p><div>Second &amp; third</div></body></html>",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Text != "First line\nSecond & third" {
		t.Errorf("Text = %q", msg.Text)
	}
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "drops script and style",
			in:   "<style>p{color:red}</style><script>alert(1)</script><p>hello</p>",
			want: "hello",
		},
		{
			name: "line breaks at block tags",
			in:   "one<br>two<div>three</div>",
			want: "one\ntwo\nthree",
		},
		{
			name: "entities and whitespace collapse",
			in:   "<p>a &lt; b   and\t c</p>",
			want: "a < b and c",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := htmlToText(tc.in); got != tc.want {
				t.Errorf("htmlToText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestIMAPMarkRoundTrip(t *testing.T) {
	mark := formatIMAPMark(169123, 4217)
	validity, lastUID, ok := parseIMAPMark(mark)
	if !ok {
		t.Fatalf("parseIMAPMark(%q) not ok", mark)
	}
	if validity != 169123 || uint32(lastUID) != 4217 {
		t.Fatalf("round trip = %d:%d", validity, lastUID)
	}
}

func TestParseIMAPMarkRejectsGarbage(t *testing.T) {
	for _, mark := range []string{"", "123", "abc:def", "1:", ":2", "1:2:3"} {
		if _, _, ok := parseIMAPMark(mark); ok {
			t.Errorf("parseIMAPMark(%q) accepted", mark)
		}
	}
}
