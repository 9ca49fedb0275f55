// Package sink writes extraction results into the external task store.
// The write is idempotent: the fingerprint travels with the task, and a
// retried call finds the existing record instead of creating a second
// one.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/twiede/mailtask/internal/extract"
	"github.com/twiede/mailtask/internal/mailbox"
)

// ErrUnavailable reports that the task store could not be reached or is
// overloaded. The caller records the failure and retries the whole
// message later.
var ErrUnavailable = errors.New("task store unavailable")

// TaskSink converts an extraction result into a record in the external
// task store, keyed by the fingerprint as an idempotency token.
type TaskSink interface {
	// Upsert is safe to call twice with the same fingerprint and
	// produces exactly one task. It returns a reference to the task.
	Upsert(ctx context.Context, fingerprint string, res extract.Result, msg mailbox.Message) (string, error)
}

// NotionSink creates task pages in a Notion database. The database
// carries a Fingerprint rich-text property used as the idempotency
// probe.
type NotionSink struct {
	apiKey     string
	databaseID string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// NewNotion creates a sink for the given database. baseURL defaults to
// the public Notion API.
func NewNotion(apiKey, databaseID, baseURL string, logger *slog.Logger) *NotionSink {
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	return &NotionSink{
		apiKey:     apiKey,
		databaseID: databaseID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: "2022-06-28",
		httpClient: &http.Client{Timeout: 20 * time.Second},
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   3 * time.Second,
		logger:     logger,
	}
}

// Upsert looks the fingerprint up first and creates the page only when
// absent, so a retry after a crash between write and dedup-commit never
// duplicates the task.
func (s *NotionSink) Upsert(ctx context.Context, fingerprint string, res extract.Result, msg mailbox.Message) (string, error) {
	pageID, err := s.findByFingerprint(ctx, fingerprint)
	if err != nil {
		return "", err
	}
	if pageID != "" {
		s.logger.Debug("task already exists", "fingerprint", fingerprint, "page_id", pageID)
		return pageID, nil
	}
	return s.createPage(ctx, fingerprint, res, msg)
}

func (s *NotionSink) findByFingerprint(ctx context.Context, fingerprint string) (string, error) {
	query := map[string]any{
		"filter": map[string]any{
			"property":  "Fingerprint",
			"rich_text": map[string]any{"equals": fingerprint},
		},
		"page_size": 1,
	}

	respBody, err := s.do(ctx, "/v1/databases/"+s.databaseID+"/query", query)
	if err != nil {
		return "", err
	}

	var resp struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decode query response: %w", err)
	}
	if len(resp.Results) == 0 {
		return "", nil
	}
	return resp.Results[0].ID, nil
}

func (s *NotionSink) createPage(ctx context.Context, fingerprint string, res extract.Result, msg mailbox.Message) (string, error) {
	properties := map[string]any{
		"Name": map[string]any{
			"title": []any{textBlock(res.Title)},
		},
		"Status": map[string]any{
			"select": map[string]any{"name": "To Do"},
		},
		"Priority": map[string]any{
			"select": map[string]any{"name": priorityName(res.Priority)},
		},
		"Source": map[string]any{
			"select": map[string]any{"name": "Email"},
		},
		"Created": map[string]any{
			"date": map[string]any{"start": time.Now().UTC().Format(time.RFC3339)},
		},
		"Fingerprint": map[string]any{
			"rich_text": []any{textBlock(fingerprint)},
		},
	}
	if res.DueDate != "" {
		properties["Due Date"] = map[string]any{
			"date": map[string]any{"start": res.DueDate},
		}
	}
	if len(res.Tags) > 0 {
		options := make([]any, 0, len(res.Tags))
		for _, tag := range res.Tags {
			options = append(options, map[string]any{"name": tag})
		}
		properties["Tags"] = map[string]any{"multi_select": options}
	}

	var children []any
	if res.Description != "" {
		children = append(children, map[string]any{
			"object": "block",
			"type":   "paragraph",
			"paragraph": map[string]any{
				"rich_text": []any{textBlock(res.Description)},
			},
		})
	}
	children = append(children, map[string]any{
		"object": "block",
		"type":   "paragraph",
		"paragraph": map[string]any{
			"rich_text": []any{textBlock(fmt.Sprintf("From %s: %s", msg.From, msg.Subject))},
		},
	})

	payload := map[string]any{
		"parent":     map[string]any{"database_id": s.databaseID},
		"properties": properties,
		"children":   children,
	}

	respBody, err := s.do(ctx, "/v1/pages", payload)
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}

	s.logger.Info("task created", "fingerprint", fingerprint, "page_id", resp.ID, "title", res.Title)
	return resp.ID, nil
}

// do issues one Notion POST with capped exponential backoff on rate
// limits and server errors, honoring Retry-After. Exhausted retries and
// network failures surface as ErrUnavailable.
func (s *NotionSink) do(ctx context.Context, path string, payload any) ([]byte, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode notion request: %w", err)
	}
	url := s.baseURL + path

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("build notion request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Notion-Version", s.apiVersion)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < s.maxRetries {
				if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if attempt < s.maxRetries {
				if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}

		message := strings.TrimSpace(string(respBody))
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Message != "" {
			message = parsed.Message
			if parsed.Code != "" {
				message = parsed.Code + ": " + message
			}
		}
		return nil, fmt.Errorf("notion write failed: status=%d %s", resp.StatusCode, extract.Truncate(message, 300))
	}
}

func (s *NotionSink) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if header := strings.TrimSpace(retryAfterHeader); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > s.maxDelay {
				return s.maxDelay
			}
			return delay
		}
	}
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func textBlock(content string) map[string]any {
	return map[string]any{
		"type": "text",
		"text": map[string]any{"content": content},
	}
}

func priorityName(p extract.Priority) string {
	switch p {
	case extract.PriorityLow:
		return "Low"
	case extract.PriorityHigh:
		return "High"
	case extract.PriorityUrgent:
		return "Urgent"
	default:
		return "Medium"
	}
}
