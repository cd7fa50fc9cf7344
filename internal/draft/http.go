package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 60 * time.Second

// HTTPDrafter calls an external drafting service.
type HTTPDrafter struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewHTTPDrafter(url, apiKey string) *HTTPDrafter {
	return &HTTPDrafter{
		URL:    url,
		APIKey: apiKey,
		Client: &http.Client{Timeout: defaultTimeout},
	}
}

func (d *HTTPDrafter) Draft(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal draft request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.APIKey)
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("drafter call: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Result{}, err
	}
	if res.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("drafter status %d: %s", res.StatusCode, string(body))
	}
	var out Result
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("decode draft result: %w", err)
	}
	return out, nil
}
