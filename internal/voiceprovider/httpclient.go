package voiceprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"voice-platform/internal/apperr"
)

const defaultHTTPTimeout = 15 * time.Second

// restClient is the small JSON-over-HTTPS client shared by Retell and Vapi.
type restClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newRESTClient(baseURL, apiKey string, hc *http.Client) restClient {
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return restClient{baseURL: baseURL, apiKey: apiKey, http: hc}
}

// postJSON sends body to path and decodes a 2xx response into out.
// Network errors and 5xx responses are transient; 4xx responses are not.
func (c restClient) postJSON(ctx context.Context, op, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transient(op, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 500:
		return apperr.Transient(op, fmt.Errorf("status %d: %s", resp.StatusCode, apperr.Truncate(respBody, 256)))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w: status %d", op, apperr.ErrConfiguration, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, apperr.Truncate(respBody, 256))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
