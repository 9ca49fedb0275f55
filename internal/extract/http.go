package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// postJSON issues one JSON POST on behalf of a provider and classifies
// the outcome. Network errors and context timeouts are transient;
// status codes decide the rest.
func postJSON(ctx context.Context, client *http.Client, providerName, url string, headers map[string]string, payload any) ([]byte, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Provider: providerName, Kind: KindPermanent, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &ProviderError{Provider: providerName, Kind: KindPermanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: providerName, Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: providerName, Kind: KindTransient, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return respBody, nil
	}

	kind := KindPermanent
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 ||
		resp.StatusCode == http.StatusRequestTimeout {
		kind = KindTransient
	}
	return nil, &ProviderError{
		Provider: providerName,
		Kind:     kind,
		Err:      fmt.Errorf("status %d: %s", resp.StatusCode, Truncate(string(respBody), 300)),
	}
}

// Truncate caps a response body for inclusion in an error message.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
