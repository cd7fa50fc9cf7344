package draft

import (
	"context"
	"fmt"
	"strings"

	"caseline/internal/domain"
)

// Template is the offline drafter: canned correspondence per action, used
// when no drafting endpoint is configured.
type Template struct {
	Signature string
}

func (t Template) Draft(ctx context.Context, req Request) (Result, error) {
	var body strings.Builder
	switch req.Action {
	case domain.ActionSendFollowUp:
		fmt.Fprintf(&body, "I am writing to follow up on our public records request regarding %s. Could you share the current status and an estimated completion date?", req.CaseSubject)
	case domain.ActionAnswerClarification:
		fmt.Fprintf(&body, "Thank you for your note. To clarify, our request regarding %s seeks the records described in the original submission; please let us know if a narrower description would help.", req.CaseSubject)
	case domain.ActionNegotiateFee:
		if req.FeeAmount != nil {
			fmt.Fprintf(&body, "We received your fee estimate of $%.2f for our request regarding %s. We would like to discuss narrowing the request or receiving records electronically to reduce the cost.", *req.FeeAmount, req.CaseSubject)
		} else {
			fmt.Fprintf(&body, "We received your fee notice for our request regarding %s and would like to discuss options for reducing the cost.", req.CaseSubject)
		}
	case domain.ActionAppealDenial:
		fmt.Fprintf(&body, "We are writing to appeal the denial of our public records request regarding %s and respectfully ask that the determination be reviewed.", req.CaseSubject)
	case domain.ActionRedirectAgency:
		fmt.Fprintf(&body, "Thank you for letting us know this office does not maintain the records regarding %s. Could you direct us to the custodian agency, or forward the request on our behalf?", req.CaseSubject)
	case domain.ActionPortalSubmit:
		fmt.Fprintf(&body, "Resubmitting our public records request regarding %s through the agency portal as instructed.", req.CaseSubject)
	case domain.ActionEscalate:
		fmt.Fprintf(&body, "The request regarding %s needs attention from a coordinator before it can proceed.", req.CaseSubject)
	default:
		return Result{}, fmt.Errorf("no draft template for action %s", req.Action)
	}
	if req.AdjustmentInstruction != "" {
		fmt.Fprintf(&body, "\n\n%s", req.AdjustmentInstruction)
	}
	if sig := strings.TrimSpace(t.Signature); sig != "" {
		fmt.Fprintf(&body, "\n\n%s", sig)
	}
	return Result{
		Subject:  "Re: " + req.CaseSubject,
		BodyText: body.String(),
	}, nil
}
