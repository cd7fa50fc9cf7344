package server

import (
	"caseline/internal/domain"
	"caseline/internal/reconcile"
)

type CreateCaseRequest struct {
	ID         string   `json:"id,omitempty"`
	Agency     string   `json:"agency"`
	Subject    string   `json:"subject"`
	Mode       string   `json:"mode,omitempty"`
	PortalURL  string   `json:"portal_url,omitempty"`
	ScopeItems []string `json:"scope_items,omitempty"`
}

type CancelCaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

type IngestMessageRequest struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// IngestResponse returns the stored message together with the run it
// triggered, so callers can poll run status without a second round trip.
type IngestResponse struct {
	Message domain.Message `json:"message"`
	Run     domain.Run     `json:"run"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"APPROVE,DISMISS,WITHDRAW,ADJUST"`
	Note     string `json:"note,omitempty"`
}

// DecisionResponse reports the proposal after the decision was recorded and
// whether the suspended run was resumed in the same request.
type DecisionResponse struct {
	Proposal domain.Proposal `json:"proposal"`
	Resumed  bool            `json:"resumed"`
}

type ResolveRequest struct {
	Note string `json:"note,omitempty"`
}

type CredentialRequest struct {
	Status     string  `json:"status" enum:"active,locked,inactive"`
	VerifiedAt *string `json:"verified_at,omitempty" format:"date-time"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type StatusResponse struct {
	CaseCounts      map[string]int `json:"case_counts"`
	OpenEscalations int            `json:"open_escalations"`
	OpenDeadLetters int            `json:"open_dead_letters"`
	LatestEventID   int64          `json:"latest_event_id"`
}

// SweepResponse summarizes one maintenance pass over the suspended state.
type SweepResponse struct {
	Expired   int `json:"expired"`
	Resumed   int `json:"resumed"`
	FollowUps int `json:"followups_started"`
}

type ReconcileResponse struct {
	Report reconcile.Report `json:"report"`
}

type caseList struct {
	Items []domain.Case `json:"items"`
}

type runList struct {
	Items []domain.Run `json:"items"`
}

type proposalList struct {
	Items []domain.Proposal `json:"items"`
}

type executionList struct {
	Items []domain.Execution `json:"items"`
}

type messageList struct {
	Items []domain.Message `json:"items"`
}

type escalationList struct {
	Items []domain.Escalation `json:"items"`
}

type deadLetterList struct {
	Items []domain.DeadLetterEntry `json:"items"`
}

type lessonList struct {
	Items []domain.Lesson `json:"items"`
}

type guardEventList struct {
	Items []domain.GuardEvent `json:"items"`
}

type eventList struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}
