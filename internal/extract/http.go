package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"inboxflow/internal/domain"
)

// Request is the JSON document sent to remote and command extractors.
type Request struct {
	Body     string `json:"body"`
	Sender   string `json:"sender"`
	TenantID string `json:"tenant_id"`
}

// HTTP posts the message to a remote extraction service and decodes the
// extracted fields from its JSON response.
type HTTP struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func NewHTTP(url string, timeout time.Duration) HTTP {
	return HTTP{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (h HTTP) Extract(ctx context.Context, body, sender, tenantID string) (domain.ExtractedFields, error) {
	payload, err := json.Marshal(Request{Body: body, Sender: sender, TenantID: tenantID})
	if err != nil {
		return domain.ExtractedFields{}, fmt.Errorf("encode extraction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return domain.ExtractedFields{}, fmt.Errorf("create extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.ExtractedFields{}, fmt.Errorf("extraction request failed: %w: %w", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ExtractedFields{}, fmt.Errorf("read extraction response: %w: %w", domain.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.ExtractedFields{}, fmt.Errorf("extraction HTTP %d: %w", resp.StatusCode, domain.ErrUnavailable)
	case resp.StatusCode >= 400:
		return domain.ExtractedFields{}, fmt.Errorf("extraction HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	var f domain.ExtractedFields
	if err := json.Unmarshal(respBody, &f); err != nil {
		return domain.ExtractedFields{}, fmt.Errorf("invalid extraction response: %w", err)
	}
	return f, nil
}
