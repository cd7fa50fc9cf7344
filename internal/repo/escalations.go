package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

func (r Repo) InsertEscalation(ctx context.Context, tx *sql.Tx, e domain.Escalation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escalations(id,case_id,reason,detail,created_at) VALUES (?,?,?,?,?)`,
		e.ID, e.CaseID, e.Reason, nullable(e.Detail), e.CreatedAt)
	return err
}

func (r Repo) GetEscalation(ctx context.Context, id string) (domain.Escalation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,case_id,reason,COALESCE(detail,''),resolved_at,COALESCE(resolved_by,''),created_at FROM escalations WHERE id=?`, id)
	return scanEscalation(row.Scan)
}

func scanEscalation(scan func(dest ...any) error) (domain.Escalation, error) {
	var e domain.Escalation
	var resolvedAt sql.NullString
	err := scan(&e.ID, &e.CaseID, &e.Reason, &e.Detail, &resolvedAt, &e.ResolvedBy, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.String
	}
	return e, err
}

// ResolveEscalation marks an escalation handled. Only an explicit human or
// administrative action calls this.
func (r Repo) ResolveEscalation(ctx context.Context, tx *sql.Tx, id, resolvedBy, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE escalations SET resolved_at=?, resolved_by=? WHERE id=? AND resolved_at IS NULL`, now, resolvedBy, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListEscalations(ctx context.Context, caseID string, openOnly bool) ([]domain.Escalation, error) {
	query := `SELECT id,case_id,reason,COALESCE(detail,''),resolved_at,COALESCE(resolved_by,''),created_at FROM escalations`
	var clauses []string
	var args []any
	if caseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, caseID)
	}
	if openOnly {
		clauses = append(clauses, "resolved_at IS NULL")
	}
	if len(clauses) > 0 {
		query += " WHERE " + clauses[0]
		for _, c := range clauses[1:] {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountOpenEscalations counts unresolved escalations for a case.
func (r Repo) CountOpenEscalations(ctx context.Context, caseID string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM escalations WHERE case_id=? AND resolved_at IS NULL`, caseID)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (r Repo) InsertDeadLetter(ctx context.Context, tx *sql.Tx, d domain.DeadLetterEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dead_letters(id,case_id,run_id,stage,reason,detail,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.CaseID, nullable(d.RunID), d.Stage, d.Reason, nullable(d.Detail), d.CreatedAt)
	return err
}

// ResolveDeadLetter marks a dead letter handled by a human.
func (r Repo) ResolveDeadLetter(ctx context.Context, tx *sql.Tx, id, resolvedBy, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE dead_letters SET resolved_at=?, resolved_by=? WHERE id=? AND resolved_at IS NULL`, now, resolvedBy, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListDeadLetters(ctx context.Context, openOnly bool) ([]domain.DeadLetterEntry, error) {
	query := `SELECT id,case_id,COALESCE(run_id,''),stage,reason,COALESCE(detail,''),resolved_at,COALESCE(resolved_by,''),created_at FROM dead_letters`
	if openOnly {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY created_at DESC, id DESC"
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeadLetterEntry
	for rows.Next() {
		var d domain.DeadLetterEntry
		var resolvedAt sql.NullString
		if err := rows.Scan(&d.ID, &d.CaseID, &d.RunID, &d.Stage, &d.Reason, &d.Detail, &resolvedAt, &d.ResolvedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			d.ResolvedAt = &resolvedAt.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
