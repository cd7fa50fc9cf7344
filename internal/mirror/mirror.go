// Package mirror pushes case status changes to an external project tracker.
// The push is one-way and strictly best-effort: failures are logged and
// swallowed so the pipeline never blocks on the tracker.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"caseline/internal/config"
)

const defaultTimeout = 5 * time.Second

type Mirror struct {
	Config *config.Config
	Client *http.Client
	Logger *log.Logger
}

type statusPush struct {
	CaseID    string `json:"case_id"`
	Status    string `json:"status"`
	Substatus string `json:"substatus,omitempty"`
	TS        string `json:"ts"`
}

func (m Mirror) enabled() bool {
	if m.Config == nil || m.Config.Mirror.URL == "" {
		return false
	}
	if m.Config.Mirror.Enabled != nil && !*m.Config.Mirror.Enabled {
		return false
	}
	return true
}

// PushStatus reports a case status change. Never returns an error.
func (m Mirror) PushStatus(ctx context.Context, caseID, status, substatus string) {
	if !m.enabled() {
		return
	}
	logger := m.Logger
	if logger == nil {
		logger = log.Default()
	}
	payload, err := json.Marshal(statusPush{
		CaseID:    caseID,
		Status:    status,
		Substatus: substatus,
		TS:        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Printf("mirror: marshal push for case %s: %v", caseID, err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Config.Mirror.URL, bytes.NewReader(payload))
	if err != nil {
		logger.Printf("mirror: build request for case %s: %v", caseID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		logger.Printf("mirror: push for case %s failed: %v", caseID, err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		logger.Printf("mirror: push for case %s returned status %d", caseID, res.StatusCode)
	}
}
