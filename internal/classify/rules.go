package classify

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"caseline/internal/domain"
)

// RuleBased is the offline classifier: keyword heuristics over the message
// body. It is the default when no model endpoint is configured, and the
// verdicts it emits satisfy the same invariants the validator enforces.
type RuleBased struct{}

var feePattern = regexp.MustCompile(`\$\s*([0-9]+(?:\.[0-9]{1,2})?)`)

func (RuleBased) Classify(ctx context.Context, m domain.Message, cc CaseContext) (Verdict, error) {
	text := strings.ToLower(m.Subject + "\n" + m.Body)

	switch {
	case containsAny(text, "no responsive records", "no records were located", "no records exist"):
		return Verdict{Intent: IntentNoRecords, Confidence: 0.7, RequiresResponse: true}, nil

	case feePattern.MatchString(text) && containsAny(text, "fee", "cost", "invoice", "payment"):
		var amount *float64
		if match := feePattern.FindStringSubmatch(text); len(match) == 2 {
			if v, err := strconv.ParseFloat(match[1], 64); err == nil {
				amount = &v
			}
		}
		return Verdict{Intent: IntentFeeRequest, Confidence: 0.7, FeeAmount: amount, RequiresResponse: true}, nil

	case containsAny(text, "denied", "denial", "exempt from disclosure", "withheld in full"):
		return Verdict{Intent: IntentDenial, Confidence: 0.6, RequiresResponse: true}, nil

	case containsAny(text, "portal", "submit your request at", "online request system"):
		v := Verdict{Intent: IntentPortalRedirect, Confidence: 0.6, RequiresResponse: true}
		if url := urlPattern.FindString(m.Body); url != "" {
			v.PortalURL = url
		}
		return v, nil

	case containsAny(text, "wrong agency", "not the custodian", "not maintained by this office"):
		return Verdict{Intent: IntentWrongAgency, Confidence: 0.6, RequiresResponse: true}, nil

	case containsAny(text, "clarify", "clarification", "please specify", "narrow your request"):
		return Verdict{Intent: IntentClarificationRequest, Confidence: 0.6, RequiresResponse: true}, nil

	case containsAny(text, "extension", "additional time", "extended deadline"):
		return Verdict{Intent: IntentExtensionNotice, Confidence: 0.6}, nil

	case containsAny(text, "partial", "some of the records", "remaining records"):
		return Verdict{Intent: IntentPartialRelease, Confidence: 0.5, RequiresResponse: true}, nil

	case containsAny(text, "enclosed", "records are attached", "responsive records are provided"):
		return Verdict{Intent: IntentRecordsReleased, Confidence: 0.6}, nil

	case containsAny(text, "received your request", "acknowledg", "has been assigned"):
		return Verdict{Intent: IntentAcknowledgment, Confidence: 0.6}, nil
	}
	return Verdict{Intent: IntentUnknown, Confidence: 0.2}, nil
}

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
