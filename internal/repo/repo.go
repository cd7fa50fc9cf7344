package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"caseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const caseColumns = `id,agency,subject,status,COALESCE(substatus,''),COALESCE(pause_reason,''),mode,portal_url,created_at,updated_at`

func scanCase(scan func(dest ...any) error) (domain.Case, error) {
	var c domain.Case
	var portal sql.NullString
	err := scan(&c.ID, &c.Agency, &c.Subject, &c.Status, &c.Substatus, &c.PauseReason, &c.Mode, &portal, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if portal.Valid {
		c.PortalURL = &portal.String
	}
	return c, err
}

func (r Repo) InsertCase(ctx context.Context, c domain.Case) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cases(id,agency,subject,status,substatus,pause_reason,mode,portal_url,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Agency, c.Subject, c.Status, nullable(c.Substatus), nullable(c.PauseReason), c.Mode, nullableStringPtr(c.PortalURL), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

type CaseFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetCaseStatus updates case status plus the human-readable substatus inside
// the caller's transaction.
func (r Repo) SetCaseStatus(ctx context.Context, tx *sql.Tx, id, status, substatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, substatus=?, updated_at=? WHERE id=?`,
		status, nullable(substatus), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetCasePause(ctx context.Context, tx *sql.Tx, id, reason, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE cases SET pause_reason=?, updated_at=? WHERE id=?`, nullable(reason), now, id)
	return err
}

func (r Repo) SetCasePortalURL(ctx context.Context, tx *sql.Tx, id string, url *string, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE cases SET portal_url=?, updated_at=? WHERE id=?`, nullableStringPtr(url), now, id)
	return err
}

func (r Repo) CountCasesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM cases GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
