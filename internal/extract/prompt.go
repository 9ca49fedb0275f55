package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// systemPrompt instructs the model to be conservative: only direct
// human-to-human work requests count, never automated notifications or
// marketing.
const systemPrompt = `You are a task extraction specialist. Analyze the email and decide whether it contains a GENUINE HUMAN-TO-HUMAN TASK REQUEST.

Only extract tasks that are direct requests from one person to another: clear work assignments, project tasks with deliverables, or action items from collaborative discussions.

Never extract tasks from security alerts, automated system messages, account notifications, newsletters, marketing or promotional content. Reject anything sent by an automated address (noreply@, notifications@, security@ and similar) or with generic templated content.

Score confidence from 0 to 1: 0.9+ for a clear personal task request, below 0.5 when the message is unlikely to be a genuine task. Be conservative.

Respond with a single JSON object and nothing else:
{"is_task": bool, "title": string, "description": string, "priority": "low"|"medium"|"high"|"urgent", "due_date": "YYYY-MM-DD" or "", "tags": [string], "confidence": number}`

const maxBodyChars = 8000

// buildInput renders the message the way the extractor sees it.
func buildInput(from, subject, body string) string {
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}
	return fmt.Sprintf("From: %s\nSubject: %s\n\n%s", from, subject, body)
}

type resultPayload struct {
	IsTask      bool     `json:"is_task"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	DueDate     string   `json:"due_date"`
	Tags        []string `json:"tags"`
	Confidence  float64  `json:"confidence"`
}

// parseResult decodes the model's JSON reply. Models occasionally wrap
// the object in a markdown fence despite instructions; strip it before
// decoding.
func parseResult(text string) (Result, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	var payload resultPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return Result{}, fmt.Errorf("decode model reply: %w", err)
	}

	return Result{
		Actionable:  payload.IsTask,
		Title:       payload.Title,
		Description: payload.Description,
		Priority:    normalizePriority(payload.Priority),
		DueDate:     payload.DueDate,
		Tags:        payload.Tags,
		Confidence:  payload.Confidence,
	}, nil
}

func normalizePriority(p string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(p))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityUrgent:
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}
