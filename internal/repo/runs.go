package repo

import (
	"context"
	"database/sql"
	"strings"

	"caseline/internal/domain"
)

const runColumns = `id,case_id,trigger_kind,message_id,status,COALESCE(error,''),started_at,ended_at,heartbeat_at,created_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var r domain.Run
	var messageID, startedAt, endedAt, heartbeatAt sql.NullString
	err := scan(&r.ID, &r.CaseID, &r.TriggerKind, &messageID, &r.Status, &r.Error, &startedAt, &endedAt, &heartbeatAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if messageID.Valid {
		r.MessageID = &messageID.String
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.String
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.String
	}
	if heartbeatAt.Valid {
		r.HeartbeatAt = &heartbeatAt.String
	}
	return r, err
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,case_id,trigger_kind,message_id,status,error,started_at,ended_at,heartbeat_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.CaseID, run.TriggerKind, nullableStringPtr(run.MessageID), run.Status, nullable(run.Error),
		nullableStringPtr(run.StartedAt), nullableStringPtr(run.EndedAt), nullableStringPtr(run.HeartbeatAt), run.CreatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// SupersedeActiveRuns cancels every active run for the case except the given
// one. This is the single-writer invariant: before a new run claims a case,
// all prior active runs are flipped to cancelled so a stale run that later
// wakes cannot pass its re-validation checks.
func (r Repo) SupersedeActiveRuns(ctx context.Context, tx *sql.Tx, caseID, exceptRunID, reason, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, error=?, ended_at=?
WHERE case_id=? AND id<>? AND status IN (?,?,?,?)`,
		domain.RunCancelled, reason, now,
		caseID, exceptRunID,
		domain.RunCreated, domain.RunQueued, domain.RunRunning, domain.RunWaiting)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClaimRun conditionally moves a pre-created run to running. It succeeds only
// if the run is still created or queued; a false return means another worker
// claimed or superseded it first.
func (r Repo) ClaimRun(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, started_at=?, heartbeat_at=? WHERE id=? AND status IN (?,?)`,
		domain.RunRunning, now, now, id, domain.RunCreated, domain.RunQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRunWaiting suspends a running run. Conditional on the run still being
// running so a superseded run cannot re-enter waiting.
func (r Repo) MarkRunWaiting(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, heartbeat_at=? WHERE id=? AND status=?`,
		domain.RunWaiting, now, id, domain.RunRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResumeRun moves a waiting run back to running, conditionally.
func (r Repo) ResumeRun(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, heartbeat_at=? WHERE id=? AND status=?`,
		domain.RunRunning, now, id, domain.RunWaiting)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishRun records a terminal status with an end timestamp. It refuses to
// overwrite a run that is already terminal.
func (r Repo) FinishRun(ctx context.Context, tx *sql.Tx, id, status, errText, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, error=?, ended_at=? WHERE id=? AND status IN (?,?,?,?)`,
		status, nullable(errText), now, id,
		domain.RunCreated, domain.RunQueued, domain.RunRunning, domain.RunWaiting)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) HeartbeatRun(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE runs SET heartbeat_at=? WHERE id=? AND status IN (?,?)`,
		now, id, domain.RunRunning, domain.RunWaiting)
	return err
}

type RunFilters struct {
	CaseID string
	Status string
	Limit  int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
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
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// CountActiveRuns counts runs in a non-terminal status for a case.
func (r Repo) CountActiveRuns(ctx context.Context, caseID string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM runs WHERE case_id=? AND status IN (?,?,?,?)`,
		caseID, domain.RunCreated, domain.RunQueued, domain.RunRunning, domain.RunWaiting)
	var n int
	err := row.Scan(&n)
	return n, err
}
