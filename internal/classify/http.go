package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"caseline/internal/domain"
)

const defaultTimeout = 30 * time.Second

// HTTPClassifier calls an external inference service.
type HTTPClassifier struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewHTTPClassifier(url, apiKey string) *HTTPClassifier {
	return &HTTPClassifier{
		URL:    url,
		APIKey: apiKey,
		Client: &http.Client{Timeout: defaultTimeout},
	}
}

type classifyRequest struct {
	Message domain.Message `json:"message"`
	Context CaseContext    `json:"context"`
}

func (c *HTTPClassifier) Classify(ctx context.Context, message domain.Message, cc CaseContext) (Verdict, error) {
	payload, err := json.Marshal(classifyRequest{Message: message, Context: cc})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("classifier call: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Verdict{}, err
	}
	if res.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("classifier status %d: %s", res.StatusCode, string(body))
	}
	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return v, nil
}
