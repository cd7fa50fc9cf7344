package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const executionColumns = `id,execution_key,proposal_id,case_id,action,status,COALESCE(result_json,''),COALESCE(error,''),created_at,updated_at`

func scanExecution(scan func(dest ...any) error) (domain.Execution, error) {
	var e domain.Execution
	err := scan(&e.ID, &e.ExecutionKey, &e.ProposalID, &e.CaseID, &e.Action, &e.Status, &e.ResultJSON, &e.Error, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// InsertExecution attempts the idempotent insert guarded by execution_key.
// created=false means a previous attempt already claimed this side effect;
// the caller must return the existing row's result instead of re-sending.
func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.Execution) (domain.Execution, bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO executions(id,execution_key,proposal_id,case_id,action,status,result_json,error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(execution_key) DO NOTHING`,
		e.ID, e.ExecutionKey, e.ProposalID, e.CaseID, e.Action, e.Status, nullable(e.ResultJSON), nullable(e.Error), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return e, false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return e, true, nil
	}
	existing, err := r.GetExecutionByKeyTx(ctx, tx, e.ExecutionKey)
	return existing, false, err
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

func (r Repo) GetExecutionByKey(ctx context.Context, key string) (domain.Execution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE execution_key=?`, key)
	return scanExecution(row.Scan)
}

func (r Repo) GetExecutionByKeyTx(ctx context.Context, tx *sql.Tx, key string) (domain.Execution, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE execution_key=?`, key)
	return scanExecution(row.Scan)
}

// FinishExecution records the terminal outcome of an execution, conditional
// on it still being queued.
func (r Repo) FinishExecution(ctx context.Context, tx *sql.Tx, id, status, resultJSON, errText, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status=?, result_json=?, error=?, updated_at=? WHERE id=? AND status=?`,
		status, nullable(resultJSON), nullable(errText), now, id, domain.ExecutionQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListExecutions(ctx context.Context, caseID string) ([]domain.Execution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE case_id=? ORDER BY created_at DESC, id DESC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListQueuedExecutionsBefore returns executions still queued whose claim is
// older than the cutoff, the signature of a crash between claim and record.
func (r Repo) ListQueuedExecutionsBefore(ctx context.Context, cutoff string) ([]domain.Execution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE status=? AND created_at<? ORDER BY created_at ASC`,
		domain.ExecutionQueued, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountCompletedExecutions counts completed side effects for a case.
func (r Repo) CountCompletedExecutions(ctx context.Context, caseID string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM executions WHERE case_id=? AND status=?`, caseID, domain.ExecutionCompleted)
	var n int
	err := row.Scan(&n)
	return n, err
}
