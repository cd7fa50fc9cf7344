package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const messageColumns = `id,case_id,direction,COALESCE(subject,''),COALESCE(body,''),processed_by_run,received_at`

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var processedBy sql.NullString
	err := scan(&m.ID, &m.CaseID, &m.Direction, &m.Subject, &m.Body, &processedBy, &m.ReceivedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if processedBy.Valid {
		m.ProcessedByRun = &processedBy.String
	}
	return m, err
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,case_id,direction,subject,body,processed_by_run,received_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.CaseID, m.Direction, nullable(m.Subject), nullable(m.Body), nullableStringPtr(m.ProcessedByRun), m.ReceivedAt)
	return err
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id)
	return scanMessage(row.Scan)
}

// MarkMessageProcessed stamps the message with the run that consumed it.
// Conditional on the marker being empty so two runs cannot both claim it.
func (r Repo) MarkMessageProcessed(ctx context.Context, tx *sql.Tx, id, runID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET processed_by_run=? WHERE id=? AND processed_by_run IS NULL`, runID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearMessageProcessed removes the processed marker, but only if the marker
// still points at the expected run. The reconciler uses this after verifying
// that run failed or produced nothing.
func (r Repo) ClearMessageProcessed(ctx context.Context, tx *sql.Tx, id, expectRunID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET processed_by_run=NULL WHERE id=? AND processed_by_run=?`, id, expectRunID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListMessages(ctx context.Context, caseID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE case_id=? ORDER BY received_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListClaimedMessages returns inbound messages holding a processed marker.
// The reconciler walks these to find markers owned by dead runs.
func (r Repo) ListClaimedMessages(ctx context.Context) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE direction='inbound' AND processed_by_run IS NOT NULL ORDER BY received_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListUnprocessedMessages returns inbound messages not yet consumed by a run.
func (r Repo) ListUnprocessedMessages(ctx context.Context, caseID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE case_id=? AND direction='inbound' AND processed_by_run IS NULL ORDER BY received_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertFollowUp(ctx context.Context, tx *sql.Tx, f domain.FollowUp) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO followups(id,case_id,due_at,status,created_at) VALUES (?,?,?,?,?)`,
		f.ID, f.CaseID, f.DueAt, f.Status, f.CreatedAt)
	return err
}

// ClaimDueFollowUp marks a scheduled follow-up fired, conditionally.
func (r Repo) ClaimDueFollowUp(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE followups SET status=? WHERE id=? AND status=?`,
		domain.FollowUpFired, id, domain.FollowUpScheduled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CancelFollowUps(ctx context.Context, tx *sql.Tx, caseID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE followups SET status=? WHERE case_id=? AND status=?`,
		domain.FollowUpCancelled, caseID, domain.FollowUpScheduled)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListDueFollowUps returns scheduled follow-ups whose due time has passed.
func (r Repo) ListDueFollowUps(ctx context.Context, now string) ([]domain.FollowUp, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,due_at,status,created_at FROM followups WHERE status=? AND due_at<=? ORDER BY due_at ASC, id ASC`,
		domain.FollowUpScheduled, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FollowUp
	for rows.Next() {
		var f domain.FollowUp
		if err := rows.Scan(&f.ID, &f.CaseID, &f.DueAt, &f.Status, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// ListScheduledFollowUps returns every follow-up still in scheduled state.
func (r Repo) ListScheduledFollowUps(ctx context.Context) ([]domain.FollowUp, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,due_at,status,created_at FROM followups WHERE status=? ORDER BY due_at ASC, id ASC`,
		domain.FollowUpScheduled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FollowUp
	for rows.Next() {
		var f domain.FollowUp
		if err := rows.Scan(&f.ID, &f.CaseID, &f.DueAt, &f.Status, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) ListFollowUps(ctx context.Context, caseID string) ([]domain.FollowUp, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,due_at,status,created_at FROM followups WHERE case_id=? ORDER BY due_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FollowUp
	for rows.Next() {
		var f domain.FollowUp
		if err := rows.Scan(&f.ID, &f.CaseID, &f.DueAt, &f.Status, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
