package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

func (r Repo) AppendGuardEvent(ctx context.Context, tx *sql.Tx, g domain.GuardEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO guard_events(case_id,channel,outcome,reason,created_at) VALUES (?,?,?,?,?)`,
		g.CaseID, g.Channel, g.Outcome, nullable(g.Reason), g.CreatedAt)
	return err
}

// CountGuardEvents counts events for a case/channel with the given outcome
// since a cutoff timestamp. An empty cutoff counts all-time.
func (r Repo) CountGuardEvents(ctx context.Context, caseID, channel, outcome, since string) (int, error) {
	query := `SELECT count(*) FROM guard_events WHERE case_id=? AND channel=? AND outcome=?`
	args := []any{caseID, channel, outcome}
	if since != "" {
		query += ` AND created_at>=?`
		args = append(args, since)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// LastGuardSuccess returns the timestamp of the most recent success for a
// case/channel, or ErrNotFound.
func (r Repo) LastGuardSuccess(ctx context.Context, caseID, channel string) (string, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT created_at FROM guard_events WHERE case_id=? AND channel=? AND outcome=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		caseID, channel, domain.GuardSuccess)
	var ts string
	err := row.Scan(&ts)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return ts, err
}

func (r Repo) ListGuardEvents(ctx context.Context, caseID string, limit int) ([]domain.GuardEvent, error) {
	query := `SELECT id,case_id,channel,outcome,COALESCE(reason,''),created_at FROM guard_events WHERE case_id=? ORDER BY created_at DESC, id DESC`
	args := []any{caseID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GuardEvent
	for rows.Next() {
		var g domain.GuardEvent
		if err := rows.Scan(&g.ID, &g.CaseID, &g.Channel, &g.Outcome, &g.Reason, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) UpsertCredential(ctx context.Context, c domain.Credential) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO credentials(channel,status,verified_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(channel) DO UPDATE SET status=excluded.status, verified_at=excluded.verified_at, updated_at=excluded.updated_at`,
		c.Channel, c.Status, nullableStringPtr(c.VerifiedAt), c.UpdatedAt)
	return err
}

func (r Repo) GetCredential(ctx context.Context, channel string) (domain.Credential, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT channel,status,verified_at,updated_at FROM credentials WHERE channel=?`, channel)
	var c domain.Credential
	var verifiedAt sql.NullString
	err := row.Scan(&c.Channel, &c.Status, &verifiedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if verifiedAt.Valid {
		c.VerifiedAt = &verifiedAt.String
	}
	return c, err
}
