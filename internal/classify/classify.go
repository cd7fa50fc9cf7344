package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"caseline/internal/domain"
)

// Intents the classifier may return.
const (
	IntentAcknowledgment       = "acknowledgment"
	IntentRecordsReleased      = "records_released"
	IntentPartialRelease       = "partial_release"
	IntentNoRecords            = "no_records"
	IntentFeeRequest           = "fee_request"
	IntentDenial               = "denial"
	IntentClarificationRequest = "clarification_request"
	IntentWrongAgency          = "wrong_agency"
	IntentPortalRedirect       = "portal_redirect"
	IntentExtensionNotice      = "extension_notice"
	IntentUnknown              = "unknown"
)

// IntentSpec declares the hard properties of an intent that the verdict must
// agree with.
type IntentSpec struct {
	NoResponseNeeded bool
	Blocking         bool
	Fee              bool
	Portal           bool
}

var intents = map[string]IntentSpec{
	IntentAcknowledgment:       {NoResponseNeeded: true},
	IntentRecordsReleased:      {NoResponseNeeded: true},
	IntentExtensionNotice:      {NoResponseNeeded: true},
	IntentPartialRelease:       {Blocking: true},
	IntentNoRecords:            {Blocking: true},
	IntentFeeRequest:           {Blocking: true, Fee: true},
	IntentDenial:               {Blocking: true},
	IntentClarificationRequest: {Blocking: true},
	IntentWrongAgency:          {Blocking: true},
	IntentPortalRedirect:       {Blocking: true, Portal: true},
	IntentUnknown:              {},
}

// Spec looks up an intent's declared properties.
func Spec(intent string) (IntentSpec, bool) {
	s, ok := intents[intent]
	return s, ok
}

// Verdict is the normalized classifier output.
type Verdict struct {
	Intent           string   `json:"intent"`
	Confidence       float64  `json:"confidence"`
	Sentiment        string   `json:"sentiment,omitempty"`
	FeeAmount        *float64 `json:"fee_amount,omitempty"`
	Deadline         *string  `json:"deadline,omitempty"`
	PortalURL        string   `json:"portal_url,omitempty"`
	RequiresResponse bool     `json:"requires_response"`
	DenialSubtype    string   `json:"denial_subtype,omitempty"`
}

// CaseContext is the slice of case state the classifier sees.
type CaseContext struct {
	CaseID      string              `json:"case_id"`
	Agency      string              `json:"agency"`
	Subject     string              `json:"subject"`
	Constraints []domain.Constraint `json:"constraints,omitempty"`
	ScopeItems  []domain.ScopeItem  `json:"scope_items,omitempty"`
}

// Classifier turns a message plus case context into a structured verdict.
type Classifier interface {
	Classify(ctx context.Context, message domain.Message, cc CaseContext) (Verdict, error)
}

// ValidationError means the classifier output violates an intent invariant.
// The run fails; the verdict is never silently coerced.
type ValidationError struct {
	Intent string
	Rule   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("classifier verdict for intent %s violates invariant: %s", e.Intent, e.Rule)
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// Validate enforces the post-hoc verdict invariants against the source text.
func Validate(v Verdict, sourceText string) error {
	spec, ok := intents[v.Intent]
	if !ok {
		return ValidationError{Intent: v.Intent, Rule: "unknown intent"}
	}
	if spec.NoResponseNeeded && v.RequiresResponse {
		return ValidationError{Intent: v.Intent, Rule: "no-response intent must carry requires_response=false"}
	}
	if spec.Blocking && !v.RequiresResponse {
		return ValidationError{Intent: v.Intent, Rule: "blocking intent must carry requires_response=true"}
	}
	if spec.Fee && v.FeeAmount == nil {
		return ValidationError{Intent: v.Intent, Rule: "fee intent must carry a numeric fee amount"}
	}
	if spec.Portal && strings.TrimSpace(v.PortalURL) == "" && urlPattern.MatchString(sourceText) {
		return ValidationError{Intent: v.Intent, Rule: "portal intent must carry the portal url present in the source text"}
	}
	return nil
}
