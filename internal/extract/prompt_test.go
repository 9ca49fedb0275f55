package extract

import (
	"strings"
	"testing"
)

func TestParseResult(t *testing.T) {
	text := `{"is_task": true, "title": "Fix login bug", "description": "Users cannot log in", "priority": "urgent", "due_date": "2026-09-05", "tags": ["bug", "auth"], "confidence": 0.92}`

	res, err := parseResult(text)
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if !res.Actionable || res.Title != "Fix login bug" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Priority != PriorityUrgent {
		t.Fatalf("priority = %s, want urgent", res.Priority)
	}
	if res.DueDate != "2026-09-05" {
		t.Fatalf("due date = %s", res.DueDate)
	}
	if len(res.Tags) != 2 {
		t.Fatalf("tags = %v", res.Tags)
	}
}

func TestParseResultMarkdownFence(t *testing.T) {
	text := "```json\n{\"is_task\": false, \"confidence\": 0.2}\n```"
	res, err := parseResult(text)
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if res.Actionable {
		t.Fatal("expected not actionable")
	}
}

func TestParseResultInvalidJSON(t *testing.T) {
	if _, err := parseResult("the email asks you to fix a bug"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNormalizePriority(t *testing.T) {
	cases := map[string]Priority{
		"low":     PriorityLow,
		"HIGH":    PriorityHigh,
		"Urgent":  PriorityUrgent,
		"medium":  PriorityMedium,
		"unknown": PriorityMedium,
		"":        PriorityMedium,
	}
	for in, want := range cases {
		if got := normalizePriority(in); got != want {
			t.Errorf("normalizePriority(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestBuildInputTruncates(t *testing.T) {
	body := strings.Repeat("x", maxBodyChars+500)
	input := buildInput("a@b.com", "subject", body)
	if len(input) > maxBodyChars+100 {
		t.Fatalf("input not truncated: %d bytes", len(input))
	}
	if !strings.Contains(input, "Subject: subject") {
		t.Fatal("subject missing from input")
	}
}
