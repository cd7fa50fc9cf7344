package domain

// Actions the pipeline can propose.
const (
	ActionNone                = "none"
	ActionSendFollowUp        = "send_followup"
	ActionAnswerClarification = "answer_clarification"
	ActionNegotiateFee        = "negotiate_fee"
	ActionAppealDenial        = "appeal_denial"
	ActionRedirectAgency      = "redirect_agency"
	ActionPortalSubmit        = "portal_submit"
	ActionEscalate            = "escalate"
)

// Transport channels.
const (
	ChannelEmail      = "email"
	ChannelPortal     = "portal"
	ChannelEscalation = "escalation"
)

var knownActions = map[string]bool{
	ActionNone:                true,
	ActionSendFollowUp:        true,
	ActionAnswerClarification: true,
	ActionNegotiateFee:        true,
	ActionAppealDenial:        true,
	ActionRedirectAgency:      true,
	ActionPortalSubmit:        true,
	ActionEscalate:            true,
}

// KnownAction reports whether a is a recognized action name.
func KnownAction(a string) bool { return knownActions[a] }

// ActionNeedsContent reports whether the action carries drafted text.
// Escalations carry a short notification body; only "none" has nothing to say.
func ActionNeedsContent(a string) bool { return a != ActionNone }

// ActionChannel maps an action to the transport channel it uses.
func ActionChannel(a string) string {
	switch a {
	case ActionPortalSubmit:
		return ChannelPortal
	case ActionEscalate:
		return ChannelEscalation
	default:
		return ChannelEmail
	}
}

// ActionGuarded reports whether the action must pass the guard layer before
// executing. Portal submission drives browser automation against an external
// account and is the expensive, fragile path.
func ActionGuarded(a string) bool { return a == ActionPortalSubmit }
