// Package decide is the deterministic routing core: classification verdict in,
// one action plan out. It is a pure function of its inputs; the lesson store
// and proposal history arrive as data so the table stays testable.
package decide

import (
	"fmt"

	"caseline/internal/classify"
	"caseline/internal/config"
	"caseline/internal/domain"
)

// RoutingError means the engine produced or encountered an action the
// pipeline does not recognize. Fatal for the run.
type RoutingError struct {
	Intent string
	Action string
}

func (e RoutingError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("no route to unrecognized action %s (intent %s)", e.Action, e.Intent)
	}
	return fmt.Sprintf("no route for intent %s", e.Intent)
}

// Outcome is one historical (action, proposal status) pair, newest first.
type Outcome struct {
	Action string
	Status string
}

// Input carries everything the decision depends on.
type Input struct {
	Verdict     classify.Verdict
	Constraints []domain.Constraint
	Mode        string
	TriggerKind string
	History     []Outcome
	Lessons     []domain.Lesson
}

// Plan is the decided next step for a case.
type Plan struct {
	Action         string `json:"action"`
	CanAutoExecute bool   `json:"can_auto_execute"`
	RequiresHuman  bool   `json:"requires_human"`
	IsComplete     bool   `json:"is_complete"`
	Research       string `json:"research,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Decide maps a verdict plus case history onto one action plan.
func Decide(cfg *config.Config, in Input) (Plan, error) {
	route, ok := cfg.Routes[in.Verdict.Intent]
	if !ok {
		return Plan{}, RoutingError{Intent: in.Verdict.Intent}
	}
	if !domain.KnownAction(route.Action) {
		return Plan{}, RoutingError{Intent: in.Verdict.Intent, Action: route.Action}
	}

	// Dismissal streak across any action types forces escalation before
	// anything else is considered.
	if streak := dismissalStreak(in.History); streak >= cfg.Decide.EscalateAfterDismissals {
		return escalation(fmt.Sprintf("%d consecutive dismissals", streak)), nil
	}

	if route.Complete {
		return Plan{Action: domain.ActionNone, IsComplete: true, Reason: "no response warranted"}, nil
	}

	action := route.Action
	reason := "route for intent " + in.Verdict.Intent

	// Lessons bias or forbid the table's candidate.
	for _, l := range in.Lessons {
		if !lessonMatches(l, in.Verdict.Intent, in.Constraints) {
			continue
		}
		switch {
		case l.Stance == "forbid" && l.Action == action:
			return escalation(fmt.Sprintf("lesson forbids %s for intent %s", action, in.Verdict.Intent)), nil
		case l.Stance == "prefer" && l.Action != action && domain.KnownAction(l.Action):
			action = l.Action
			reason = "lesson prefers " + l.Action
		}
	}

	// Never repropose the action a human just dismissed.
	if len(in.History) > 0 {
		last := in.History[0]
		if last.Action == action && last.Status == domain.ProposalDismissed {
			return escalation(fmt.Sprintf("%s was dismissed on the previous proposal", action)), nil
		}
	}

	// A follow-up trigger on an otherwise unreadable response nudges rather
	// than escalates.
	if in.TriggerKind == domain.TriggerFollowUp && in.Verdict.Intent == classify.IntentUnknown {
		action = domain.ActionSendFollowUp
		reason = "scheduled follow-up"
	}

	plan := Plan{
		Action:   action,
		Research: route.Research,
		Reason:   reason,
	}
	plan.RequiresHuman = route.RequiresHuman
	plan.CanAutoExecute = route.Auto && !route.RequiresHuman
	// Supervised mode gates every outbound action regardless of the table.
	if in.Mode != "autonomous" && action != domain.ActionNone {
		plan.RequiresHuman = true
		plan.CanAutoExecute = false
	}
	return plan, nil
}

func escalation(reason string) Plan {
	return Plan{
		Action:         domain.ActionEscalate,
		CanAutoExecute: true,
		Reason:         reason,
	}
}

// dismissalStreak counts consecutive dismissed proposals from the newest
// entry backwards. Pending and superseded proposals break the streak only if
// a human actually approved something in between.
func dismissalStreak(history []Outcome) int {
	streak := 0
	for _, h := range history {
		switch h.Status {
		case domain.ProposalDismissed:
			streak++
		case domain.ProposalSuperseded:
			continue
		default:
			return streak
		}
	}
	return streak
}

func lessonMatches(l domain.Lesson, intent string, constraints []domain.Constraint) bool {
	if l.PatternIntent != intent {
		return false
	}
	if l.PatternConstraint == "" {
		return true
	}
	for _, c := range constraints {
		if c.Kind == l.PatternConstraint {
			return true
		}
	}
	return false
}

// ConsecutiveDismissalsOf counts how many of the newest history entries are
// dismissals of the same action; used to decide when a lesson should be
// recorded.
func ConsecutiveDismissalsOf(history []Outcome, action string) int {
	streak := 0
	for _, h := range history {
		if h.Status == domain.ProposalSuperseded {
			continue
		}
		if h.Status == domain.ProposalDismissed && h.Action == action {
			streak++
			continue
		}
		return streak
	}
	return streak
}
