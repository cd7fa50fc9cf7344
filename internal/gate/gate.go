// Package gate owns the human-approval boundary: proposals pause here until
// a decision arrives or the approval window lapses. Suspension is durable, a
// run that paused before a restart resumes from the wait token table.
package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/repo"
	"caseline/internal/waitpoint"
)

// ErrStale means a resumed run found its proposal already moved on: decided
// through another path, superseded by a newer run, or expired. The resume
// must stop without side effects.
var ErrStale = errors.New("stale resume")

// ErrAlreadyDecided means a second decision arrived for the same proposal.
var ErrAlreadyDecided = errors.New("proposal already decided")

type Gate struct {
	DB     *sql.DB
	Repo   repo.Repo
	Waits  waitpoint.Store
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Key derives the deterministic proposal key for one pipeline pass. The same
// trigger replayed through the pipeline lands on the same key, so a crashed
// run that retries finds its earlier proposal instead of minting a twin.
// Attempt distinguishes a post-adjustment redraft from the original.
func Key(caseID, trigger, messageID, action string, attempt int) string {
	raw := caseID + "|" + trigger + "|" + messageID + "|" + action + "|" + strconv.Itoa(attempt)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(raw)).String()
}

// Decision is the payload recorded on the wait token when a human decides.
type Decision struct {
	Decision  string `json:"decision"`
	Note      string `json:"note,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// Suspend parks a proposal behind a wait token and flips the owning run to
// waiting, all inside the caller's transaction. The second return is false
// when the run was superseded before it could pause; the caller must abandon
// the pass.
func (g Gate) Suspend(ctx context.Context, tx *sql.Tx, p domain.Proposal, runID string) (domain.WaitToken, bool, error) {
	timeout := time.Duration(g.Config.Gate.ApprovalWindowDays) * 24 * time.Hour
	token, err := g.Waits.Create(ctx, tx, p.ProposalKey, timeout)
	if err != nil {
		return domain.WaitToken{}, false, err
	}
	now := g.now().UTC().Format(time.RFC3339)
	if err := g.Repo.SetProposalWaitToken(ctx, tx, p.ID, token.Token, now); err != nil {
		return domain.WaitToken{}, false, err
	}
	suspended, err := g.Repo.MarkRunWaiting(ctx, tx, runID, now)
	if err != nil {
		return domain.WaitToken{}, false, err
	}
	if !suspended {
		return domain.WaitToken{}, false, nil
	}
	if err := g.Events.Append(ctx, tx, "proposal.suspended", p.CaseID, "proposal", p.ID, "system", events.EventPayload{
		"action": p.Action, "wait_token": token.Token, "expires_at": token.ExpiresAt,
	}); err != nil {
		return domain.WaitToken{}, false, err
	}
	return token, true, nil
}

// SubmitDecision records a human decision on a pending proposal and resolves
// its wait token. The proposal flips to DECISION_RECEIVED; applying the
// decision is the resumed run's job, not the decider's.
func (g Gate) SubmitDecision(ctx context.Context, proposalID, decision, note, decidedBy string) (domain.Proposal, error) {
	switch decision {
	case domain.DecisionApprove, domain.DecisionDismiss, domain.DecisionWithdraw, domain.DecisionAdjust:
	default:
		return domain.Proposal{}, fmt.Errorf("unknown decision %s", decision)
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, err := g.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.WaitToken == nil {
		return domain.Proposal{}, fmt.Errorf("proposal %s is not awaiting a decision", proposalID)
	}
	now := g.now().UTC().Format(time.RFC3339)
	flipped, err := g.Repo.TransitionProposal(ctx, tx, p.ID, domain.ProposalDecisionReceived, now, domain.ProposalPendingApproval)
	if err != nil {
		return domain.Proposal{}, err
	}
	if !flipped {
		return domain.Proposal{}, ErrAlreadyDecided
	}
	if err := g.Repo.SetProposalDecision(ctx, tx, p.ID, decision, note, decidedBy, now); err != nil {
		return domain.Proposal{}, err
	}
	resolved, err := g.Waits.Resolve(ctx, tx, *p.WaitToken, Decision{Decision: decision, Note: note, DecidedBy: decidedBy})
	if err != nil {
		return domain.Proposal{}, err
	}
	if !resolved {
		// The token expired between the read and the write.
		return domain.Proposal{}, ErrAlreadyDecided
	}
	if err := g.Events.Append(ctx, tx, "proposal.decided", p.CaseID, "proposal", p.ID, decidedBy, events.EventPayload{
		"decision": decision, "note": note,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	p.Status = domain.ProposalDecisionReceived
	p.HumanDecision = &decision
	p.DecisionNote = note
	p.DecidedBy = decidedBy
	p.UpdatedAt = now
	return p, nil
}

// ValidateResume re-reads the proposal inside the resuming transaction and
// checks that the decision the run is about to apply still belongs to it.
// Any mismatch is a stale resume and the run must exit without acting.
func (g Gate) ValidateResume(ctx context.Context, tx *sql.Tx, proposalID, token string) (domain.Proposal, error) {
	p, err := g.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Status != domain.ProposalDecisionReceived {
		return domain.Proposal{}, fmt.Errorf("%w: proposal %s is %s", ErrStale, proposalID, p.Status)
	}
	if p.WaitToken == nil || *p.WaitToken != token {
		return domain.Proposal{}, fmt.Errorf("%w: proposal %s carries a different wait token", ErrStale, proposalID)
	}
	return p, nil
}
