// Package transport is the outbound delivery boundary: email, portal
// submission, and escalation notifications. Delivery is fire-and-forget with
// best-effort confirmation; the executor owns exactly-once semantics.
package transport

import (
	"context"
	"log"
)

// Content is the material to deliver.
type Content struct {
	Subject  string `json:"subject,omitempty"`
	BodyText string `json:"body_text"`
	BodyHTML string `json:"body_html,omitempty"`
	// PortalURL targets portal submissions.
	PortalURL string `json:"portal_url,omitempty"`
}

// DeliveryResult is the transport's best-effort confirmation.
type DeliveryResult struct {
	Delivered bool   `json:"delivered"`
	Reference string `json:"reference,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Sender delivers content for a case over a channel.
type Sender interface {
	Send(ctx context.Context, caseID, channel string, content Content) (DeliveryResult, error)
}

// LogSender records deliveries to the process log without sending anything.
// Used in development and as the default until a real transport is wired.
type LogSender struct {
	Logger *log.Logger
}

func (s LogSender) Send(ctx context.Context, caseID, channel string, content Content) (DeliveryResult, error) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("transport: case=%s channel=%s subject=%q bytes=%d", caseID, channel, content.Subject, len(content.BodyText))
	return DeliveryResult{Delivered: true, Detail: "logged only"}, nil
}
