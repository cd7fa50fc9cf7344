// Package executor performs the side effect of an approved proposal exactly
// once. The execution_key uniqueness constraint is the dedup: a retried run
// that reaches this stage again finds the existing row and returns it instead
// of re-sending.
package executor

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/guard"
	"caseline/internal/repo"
	"caseline/internal/transport"
)

type Executor struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Guard  guard.Guard
	Sender transport.Sender
	Now    func() time.Time
}

// Outcome reports what the executor did with one proposal.
type Outcome struct {
	Execution domain.Execution
	// Replayed means a previous attempt already owned this side effect and
	// its stored result was returned without contacting the transport.
	Replayed bool
	// Skipped means a guard policy blocked the attempt before any send.
	Skipped bool
	Verdict guard.Verdict
}

func (x Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// Key derives the deterministic execution key for a proposal's side effect.
// Same case, action, and content always map to the same key.
func Key(caseID, action, subject, bodyText string) string {
	sum := sha256.Sum256([]byte(subject + "\x00" + bodyText))
	fingerprint := hex.EncodeToString(sum[:])
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(caseID+"|"+action+"|"+fingerprint)).String()
}

// Execute carries out the side effect of an approved proposal. The flow is
// three phases: claim the execution row, deliver outside any transaction,
// record the terminal outcome. A crash between claim and record leaves a
// QUEUED row that the reconciler surfaces for a human.
func (x Executor) Execute(ctx context.Context, p domain.Proposal, actorID string) (Outcome, error) {
	channel := domain.ActionChannel(p.Action)

	var warnings []string
	if domain.ActionGuarded(p.Action) {
		verdict, err := x.Guard.Preflight(ctx, p.CaseID, channel)
		if err != nil {
			return Outcome{}, err
		}
		if !verdict.Allow {
			if err := x.recordSkip(ctx, p, channel, verdict, actorID); err != nil {
				return Outcome{}, err
			}
			return Outcome{Skipped: true, Verdict: verdict}, nil
		}
		warnings = verdict.Flags
	}

	exec, replayed, err := x.claim(ctx, p, channel, warnings, actorID)
	if err != nil {
		return Outcome{}, err
	}
	if replayed {
		return Outcome{Execution: exec, Replayed: true}, nil
	}

	content := transport.Content{Subject: p.Subject, BodyText: p.BodyText, BodyHTML: p.BodyHTML}
	if p.Action == domain.ActionPortalSubmit {
		c, err := x.Repo.GetCase(ctx, p.CaseID)
		if err != nil {
			return Outcome{}, err
		}
		if c.PortalURL != nil {
			content.PortalURL = *c.PortalURL
		}
	}
	// One delivery attempt only. Retrying a send that may have landed is
	// worse than surfacing the failure.
	result, sendErr := x.Sender.Send(ctx, p.CaseID, channel, content)

	exec, err = x.finish(ctx, p, exec, channel, result, sendErr, actorID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Execution: exec}, nil
}

func (x Executor) claim(ctx context.Context, p domain.Proposal, channel string, warnings []string, actorID string) (domain.Execution, bool, error) {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, false, err
	}
	defer tx.Rollback()

	now := x.now().UTC().Format(time.RFC3339)
	exec := domain.Execution{
		ID:           uuid.NewString(),
		ExecutionKey: Key(p.CaseID, p.Action, p.Subject, p.BodyText),
		ProposalID:   p.ID,
		CaseID:       p.CaseID,
		Action:       p.Action,
		Status:       domain.ExecutionQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	exec, created, err := x.Repo.InsertExecution(ctx, tx, exec)
	if err != nil {
		return domain.Execution{}, false, err
	}
	if !created {
		// Someone already owns this side effect.
		return exec, true, tx.Commit()
	}
	if domain.ActionGuarded(p.Action) {
		err := x.Repo.AppendGuardEvent(ctx, tx, domain.GuardEvent{
			CaseID: p.CaseID, Channel: channel, Outcome: domain.GuardAttempt, CreatedAt: now,
		})
		if err != nil {
			return domain.Execution{}, false, err
		}
	}
	// Non-blocking preflight warnings (a stale credential) still get an
	// audit trail even though the send proceeds.
	for _, w := range warnings {
		err := x.Repo.AppendGuardEvent(ctx, tx, domain.GuardEvent{
			CaseID: p.CaseID, Channel: channel, Outcome: domain.GuardFlagged, Reason: w, CreatedAt: now,
		})
		if err != nil {
			return domain.Execution{}, false, err
		}
	}
	payload := events.EventPayload{"action": p.Action, "proposal_id": p.ID}
	if len(warnings) > 0 {
		payload["warnings"] = warnings
	}
	if err := x.Events.Append(ctx, tx, "execution.queued", p.CaseID, "execution", exec.ID, actorID, payload); err != nil {
		return domain.Execution{}, false, err
	}
	return exec, false, tx.Commit()
}

func (x Executor) finish(ctx context.Context, p domain.Proposal, exec domain.Execution, channel string, result transport.DeliveryResult, sendErr error, actorID string) (domain.Execution, error) {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, err
	}
	defer tx.Rollback()

	now := x.now().UTC().Format(time.RFC3339)
	status := domain.ExecutionCompleted
	errText := ""
	resultJSON := ""
	if sendErr != nil {
		status = domain.ExecutionFailed
		errText = sendErr.Error()
	} else if !result.Delivered {
		status = domain.ExecutionFailed
		errText = result.Detail
		if errText == "" {
			errText = "delivery not confirmed"
		}
	}
	if sendErr == nil {
		b, merr := json.Marshal(result)
		if merr != nil {
			return exec, merr
		}
		resultJSON = string(b)
	}
	flipped, err := x.Repo.FinishExecution(ctx, tx, exec.ID, status, resultJSON, errText, now)
	if err != nil {
		return exec, err
	}
	if !flipped {
		return exec, fmt.Errorf("execution %s no longer queued", exec.ID)
	}
	exec.Status = status
	exec.ResultJSON = resultJSON
	exec.Error = errText
	exec.UpdatedAt = now

	if domain.ActionGuarded(p.Action) {
		outcome := domain.GuardSuccess
		if status == domain.ExecutionFailed {
			outcome = domain.GuardFailure
		}
		err := x.Repo.AppendGuardEvent(ctx, tx, domain.GuardEvent{
			CaseID: p.CaseID, Channel: channel, Outcome: outcome, Reason: errText, CreatedAt: now,
		})
		if err != nil {
			return exec, err
		}
	}
	if status == domain.ExecutionCompleted {
		// Only an approved proposal may become executed. Auto-execution
		// approves at gate time; human approval flips the status on resume.
		if _, err := x.Repo.TransitionProposal(ctx, tx, p.ID, domain.ProposalExecuted, now,
			domain.ProposalApproved); err != nil {
			return exec, err
		}
	}
	evtType := "execution.completed"
	if status == domain.ExecutionFailed {
		evtType = "execution.failed"
	}
	if err := x.Events.Append(ctx, tx, evtType, p.CaseID, "execution", exec.ID, actorID, events.EventPayload{
		"action": p.Action, "error": errText,
	}); err != nil {
		return exec, err
	}
	return exec, tx.Commit()
}

func (x Executor) recordSkip(ctx context.Context, p domain.Proposal, channel string, v guard.Verdict, actorID string) error {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := x.now().UTC().Format(time.RFC3339)
	err = x.Repo.AppendGuardEvent(ctx, tx, domain.GuardEvent{
		CaseID: p.CaseID, Channel: channel, Outcome: domain.GuardSkip, Reason: v.Reason, CreatedAt: now,
	})
	if err != nil {
		return err
	}
	if v.Escalate {
		err := x.Repo.InsertEscalation(ctx, tx, domain.Escalation{
			ID:        uuid.NewString(),
			CaseID:    p.CaseID,
			Reason:    v.Reason,
			Detail:    fmt.Sprintf("guard skipped %s on %s", p.Action, channel),
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
	}
	if err := x.Events.Append(ctx, tx, "execution.skipped", p.CaseID, "proposal", p.ID, actorID, events.EventPayload{
		"action": p.Action, "reason": v.Reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
