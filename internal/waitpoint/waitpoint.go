// Package waitpoint is the durable suspension substrate: a token table that
// survives process restarts. A run suspends by persisting a token and exiting;
// whoever records the human decision resolves the token, and a poll/expire
// sweep drives resumption and timeouts.
package waitpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
)

var ErrNotFound = errors.New("wait token not found")

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Create allocates a token for the idempotency key, or returns the existing
// open token when the key was already registered. Retried suspensions must
// not mint duplicate tokens.
func (s Store) Create(ctx context.Context, tx *sql.Tx, idempotencyKey string, timeout time.Duration) (domain.WaitToken, error) {
	now := s.now().UTC()
	t := domain.WaitToken{
		Token:          uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		Status:         domain.TokenOpen,
		ExpiresAt:      now.Add(timeout).Format(time.RFC3339),
		CreatedAt:      now.Format(time.RFC3339),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO wait_tokens(token,idempotency_key,status,expires_at,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(idempotency_key) DO NOTHING`,
		t.Token, t.IdempotencyKey, t.Status, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return t, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return t, nil
	}
	return s.getByKeyTx(ctx, tx, idempotencyKey)
}

func (s Store) Get(ctx context.Context, token string) (domain.WaitToken, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT token,idempotency_key,status,output_json,expires_at,created_at,resolved_at FROM wait_tokens WHERE token=?`, token)
	return scanToken(row.Scan)
}

func (s Store) getByKeyTx(ctx context.Context, tx *sql.Tx, key string) (domain.WaitToken, error) {
	row := tx.QueryRowContext(ctx, `SELECT token,idempotency_key,status,output_json,expires_at,created_at,resolved_at FROM wait_tokens WHERE idempotency_key=?`, key)
	return scanToken(row.Scan)
}

func scanToken(scan func(dest ...any) error) (domain.WaitToken, error) {
	var t domain.WaitToken
	var output, resolvedAt sql.NullString
	err := scan(&t.Token, &t.IdempotencyKey, &t.Status, &output, &t.ExpiresAt, &t.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if output.Valid {
		t.OutputJSON = output.String
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.String
	}
	return t, err
}

// Resolve completes an open token with an output payload. A false return
// means the token was already resolved or expired; the caller must treat
// that as a duplicate decision, not apply it again.
func (s Store) Resolve(ctx context.Context, tx *sql.Tx, token string, output any) (bool, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return false, fmt.Errorf("marshal token output: %w", err)
	}
	now := s.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE wait_tokens SET status=?, output_json=?, resolved_at=? WHERE token=? AND status=?`,
		domain.TokenResolved, string(data), now, token, domain.TokenOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Expire flips a single open token past its deadline to expired.
func (s Store) Expire(ctx context.Context, tx *sql.Tx, token string) (bool, error) {
	now := s.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE wait_tokens SET status=?, resolved_at=? WHERE token=? AND status=? AND expires_at<=?`,
		domain.TokenExpired, now, token, domain.TokenOpen, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListExpired returns open tokens whose deadline has passed.
func (s Store) ListExpired(ctx context.Context) ([]domain.WaitToken, error) {
	now := s.now().UTC().Format(time.RFC3339)
	rows, err := s.DB.QueryContext(ctx, `SELECT token,idempotency_key,status,output_json,expires_at,created_at,resolved_at FROM wait_tokens WHERE status=? AND expires_at<=? ORDER BY expires_at ASC`,
		domain.TokenOpen, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WaitToken
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListResolved returns resolved tokens whose decisions have not yet been
// consumed by a resume.
func (s Store) ListResolved(ctx context.Context) ([]domain.WaitToken, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT token,idempotency_key,status,output_json,expires_at,created_at,resolved_at FROM wait_tokens WHERE status=? ORDER BY resolved_at ASC`,
		domain.TokenResolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WaitToken
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
