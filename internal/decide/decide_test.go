package decide_test

import (
	"errors"
	"testing"

	"caseline/internal/classify"
	"caseline/internal/config"
	"caseline/internal/decide"
	"caseline/internal/domain"
)

func plan(t *testing.T, in decide.Input) decide.Plan {
	t.Helper()
	p, err := decide.Decide(config.Default(), in)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	return p
}

func TestCompleteIntentsEndTheCase(t *testing.T) {
	for _, intent := range []string{classify.IntentAcknowledgment, classify.IntentRecordsReleased, classify.IntentExtensionNotice} {
		p := plan(t, decide.Input{Verdict: classify.Verdict{Intent: intent}, Mode: "supervised"})
		if !p.IsComplete || p.Action != domain.ActionNone {
			t.Fatalf("%s: plan = %+v, want complete none", intent, p)
		}
	}
}

func TestSupervisedModeGatesAutoRoutes(t *testing.T) {
	// The clarification route is auto in the table, but supervised mode
	// still puts a human in front of every outbound action.
	p := plan(t, decide.Input{
		Verdict: classify.Verdict{Intent: classify.IntentClarificationRequest, RequiresResponse: true},
		Mode:    "supervised",
	})
	if p.Action != domain.ActionAnswerClarification {
		t.Fatalf("action = %q", p.Action)
	}
	if p.CanAutoExecute || !p.RequiresHuman {
		t.Fatalf("plan = %+v, want gated", p)
	}
}

func TestAutonomousModeKeepsAutoRoutes(t *testing.T) {
	p := plan(t, decide.Input{
		Verdict: classify.Verdict{Intent: classify.IntentClarificationRequest, RequiresResponse: true},
		Mode:    "autonomous",
	})
	if !p.CanAutoExecute || p.RequiresHuman {
		t.Fatalf("plan = %+v, want auto", p)
	}
}

func TestDismissalStreakEscalates(t *testing.T) {
	history := []decide.Outcome{
		{Action: domain.ActionSendFollowUp, Status: domain.ProposalDismissed},
		{Action: domain.ActionSendFollowUp, Status: domain.ProposalSuperseded},
		{Action: domain.ActionNegotiateFee, Status: domain.ProposalDismissed},
		{Action: domain.ActionSendFollowUp, Status: domain.ProposalDismissed},
	}
	p := plan(t, decide.Input{
		Verdict: classify.Verdict{Intent: classify.IntentDenial, RequiresResponse: true},
		Mode:    "supervised",
		History: history,
	})
	if p.Action != domain.ActionEscalate {
		t.Fatalf("action = %q, want escalate", p.Action)
	}
}

func TestApprovedProposalBreaksStreak(t *testing.T) {
	history := []decide.Outcome{
		{Action: domain.ActionSendFollowUp, Status: domain.ProposalDismissed},
		{Action: domain.ActionSendFollowUp, Status: domain.ProposalExecuted},
		{Action: domain.ActionSendFollowUp, Status: domain.ProposalDismissed},
		{Action: domain.ActionSendFollowUp, Status: domain.ProposalDismissed},
	}
	p := plan(t, decide.Input{
		Verdict: classify.Verdict{Intent: classify.IntentDenial, RequiresResponse: true},
		Mode:    "supervised",
		History: history,
	})
	if p.Action != domain.ActionAppealDenial {
		t.Fatalf("action = %q, want appeal_denial", p.Action)
	}
}

func TestJustDismissedActionIsNotReproposed(t *testing.T) {
	p := plan(t, decide.Input{
		Verdict: classify.Verdict{Intent: classify.IntentDenial, RequiresResponse: true},
		Mode:    "supervised",
		History: []decide.Outcome{{Action: domain.ActionAppealDenial, Status: domain.ProposalDismissed}},
	})
	if p.Action != domain.ActionEscalate {
		t.Fatalf("action = %q, want escalate", p.Action)
	}
}

func TestLessonForbidsRouteAction(t *testing.T) {
	p := plan(t, decide.Input{
		Verdict: classify.Verdict{Intent: classify.IntentDenial, RequiresResponse: true},
		Mode:    "supervised",
		Lessons: []domain.Lesson{{
			PatternIntent: classify.IntentDenial,
			Action:        domain.ActionAppealDenial,
			Stance:        "forbid",
		}},
	})
	if p.Action != domain.ActionEscalate {
		t.Fatalf("action = %q, want escalate", p.Action)
	}
}

func TestLessonPrefersAlternateAction(t *testing.T) {
	p := plan(t, decide.Input{
		Verdict: classify.Verdict{Intent: classify.IntentWrongAgency, RequiresResponse: true},
		Mode:    "supervised",
		Lessons: []domain.Lesson{{
			PatternIntent: classify.IntentWrongAgency,
			Action:        domain.ActionEscalate,
			Stance:        "prefer",
		}},
	})
	if p.Action != domain.ActionEscalate {
		t.Fatalf("action = %q, want lesson-preferred escalate", p.Action)
	}
}

func TestLessonConstraintMustMatch(t *testing.T) {
	lesson := domain.Lesson{
		PatternIntent:     classify.IntentWrongAgency,
		PatternConstraint: "wrong_agency",
		Action:            domain.ActionEscalate,
		Stance:            "prefer",
	}
	p := plan(t, decide.Input{
		Verdict: classify.Verdict{Intent: classify.IntentWrongAgency, RequiresResponse: true},
		Mode:    "supervised",
		Lessons: []domain.Lesson{lesson},
	})
	if p.Action != domain.ActionRedirectAgency {
		t.Fatalf("action = %q, lesson should not match without constraint", p.Action)
	}
	p = plan(t, decide.Input{
		Verdict:     classify.Verdict{Intent: classify.IntentWrongAgency, RequiresResponse: true},
		Mode:        "supervised",
		Constraints: []domain.Constraint{{Kind: "wrong_agency"}},
		Lessons:     []domain.Lesson{lesson},
	})
	if p.Action != domain.ActionEscalate {
		t.Fatalf("action = %q, lesson should match with constraint", p.Action)
	}
}

func TestFollowUpTriggerNudgesUnknown(t *testing.T) {
	p := plan(t, decide.Input{
		Verdict:     classify.Verdict{Intent: classify.IntentUnknown},
		Mode:        "supervised",
		TriggerKind: domain.TriggerFollowUp,
	})
	if p.Action != domain.ActionSendFollowUp {
		t.Fatalf("action = %q, want send_followup", p.Action)
	}
}

func TestUnroutedIntentFailsTheRun(t *testing.T) {
	_, err := decide.Decide(config.Default(), decide.Input{
		Verdict: classify.Verdict{Intent: "never_configured"},
	})
	var rerr decide.RoutingError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want RoutingError", err)
	}
}

func TestConsecutiveDismissalsOf(t *testing.T) {
	history := []decide.Outcome{
		{Action: domain.ActionSendFollowUp, Status: domain.ProposalDismissed},
		{Action: domain.ActionSendFollowUp, Status: domain.ProposalSuperseded},
		{Action: domain.ActionSendFollowUp, Status: domain.ProposalDismissed},
		{Action: domain.ActionNegotiateFee, Status: domain.ProposalDismissed},
	}
	if got := decide.ConsecutiveDismissalsOf(history, domain.ActionSendFollowUp); got != 2 {
		t.Fatalf("streak = %d, want 2", got)
	}
}
