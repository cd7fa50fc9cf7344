// Package draft adapts the external drafting model. The pipeline treats it
// as a collaborator: action plan in, subject/body out.
package draft

import (
	"context"

	"caseline/internal/domain"
)

// Request is the drafter input for one proposal.
type Request struct {
	Action                string              `json:"action"`
	CaseID                string              `json:"case_id"`
	Agency                string              `json:"agency"`
	CaseSubject           string              `json:"case_subject"`
	Constraints           []domain.Constraint `json:"constraints,omitempty"`
	ScopeItems            []domain.ScopeItem  `json:"scope_items,omitempty"`
	FeeAmount             *float64            `json:"fee_amount,omitempty"`
	AdjustmentInstruction string              `json:"adjustment_instruction,omitempty"`
}

// Result is the drafted content.
type Result struct {
	Subject        string   `json:"subject"`
	BodyText       string   `json:"body_text"`
	BodyHTML       string   `json:"body_html,omitempty"`
	LessonsApplied []string `json:"lessons_applied,omitempty"`
}

// Drafter turns an action plan into correspondence text.
type Drafter interface {
	Draft(ctx context.Context, req Request) (Result, error)
}
