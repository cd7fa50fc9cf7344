package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"caseline/internal/domain"
)

const proposalColumns = `id,proposal_key,case_id,run_id,action,COALESCE(subject,''),COALESCE(body_text,''),COALESCE(body_html,''),risk_flags_json,status,wait_token,human_decision,COALESCE(decision_note,''),COALESCE(decided_by,''),created_at,updated_at`

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var riskFlags, waitToken, humanDecision sql.NullString
	err := scan(&p.ID, &p.ProposalKey, &p.CaseID, &p.RunID, &p.Action, &p.Subject, &p.BodyText, &p.BodyHTML,
		&riskFlags, &p.Status, &waitToken, &humanDecision, &p.DecisionNote, &p.DecidedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if riskFlags.Valid && riskFlags.String != "" {
		if err := json.Unmarshal([]byte(riskFlags.String), &p.RiskFlags); err != nil {
			return p, fmt.Errorf("decode risk flags: %w", err)
		}
	}
	if waitToken.Valid {
		p.WaitToken = &waitToken.String
	}
	if humanDecision.Valid {
		p.HumanDecision = &humanDecision.String
	}
	return p, nil
}

// InsertProposal inserts a proposal guarded by the proposal_key uniqueness
// constraint. When the key already exists the existing row is returned with
// created=false, which is how a retried run avoids duplicating its proposal.
func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) (domain.Proposal, bool, error) {
	var riskFlags any
	if len(p.RiskFlags) > 0 {
		b, err := json.Marshal(p.RiskFlags)
		if err != nil {
			return p, false, err
		}
		riskFlags = string(b)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO proposals(id,proposal_key,case_id,run_id,action,subject,body_text,body_html,risk_flags_json,status,wait_token,human_decision,decision_note,decided_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(proposal_key) DO NOTHING`,
		p.ID, p.ProposalKey, p.CaseID, p.RunID, p.Action, nullable(p.Subject), nullable(p.BodyText), nullable(p.BodyHTML),
		riskFlags, p.Status, nullableStringPtr(p.WaitToken), nullableStringPtr(p.HumanDecision),
		nullable(p.DecisionNote), nullable(p.DecidedBy), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return p, false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return p, true, nil
	}
	existing, err := r.GetProposalByKeyTx(ctx, tx, p.ProposalKey)
	return existing, false, err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalByKeyTx(ctx context.Context, tx *sql.Tx, key string) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE proposal_key=?`, key)
	return scanProposal(row.Scan)
}

// TransitionProposal is the compare-and-swap primitive of the gate: the
// status flips to `to` only if the current status is one of `from`. A false
// return means someone else already moved the proposal.
func (r Repo) TransitionProposal(ctx context.Context, tx *sql.Tx, id, to, now string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires at least one from-status")
	}
	args := []any{to, now, id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE proposals SET status=?, updated_at=? WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) SetProposalWaitToken(ctx context.Context, tx *sql.Tx, id, token, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE proposals SET wait_token=?, updated_at=? WHERE id=?`, token, now, id)
	return err
}

func (r Repo) SetProposalDecision(ctx context.Context, tx *sql.Tx, id, decision, note, decidedBy, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE proposals SET human_decision=?, decision_note=?, decided_by=?, updated_at=? WHERE id=?`,
		decision, nullable(note), nullable(decidedBy), now, id)
	return err
}

type ProposalFilters struct {
	CaseID string
	Status string
	Limit  int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProposalOutcome is the (action, outcome) pair the decision engine inspects.
type ProposalOutcome struct {
	Action string
	Status string
}

// RecentProposalOutcomes returns the newest-first (action, status) history
// for a case, capped at limit.
func (r Repo) RecentProposalOutcomes(ctx context.Context, caseID string, limit int) ([]ProposalOutcome, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT action,status FROM proposals WHERE case_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, caseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ProposalOutcome
	for rows.Next() {
		var o ProposalOutcome
		if err := rows.Scan(&o.Action, &o.Status); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// CountPendingProposals counts proposals still awaiting a decision.
func (r Repo) CountPendingProposals(ctx context.Context, caseID string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM proposals WHERE case_id=? AND status IN (?,?)`,
		caseID, domain.ProposalPendingApproval, domain.ProposalDecisionReceived)
	var n int
	err := row.Scan(&n)
	return n, err
}

// GetProposalByWaitToken finds the proposal holding a wait token.
func (r Repo) GetProposalByWaitToken(ctx context.Context, token string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE wait_token=?`, token)
	return scanProposal(row.Scan)
}
