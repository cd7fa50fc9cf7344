package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

// AddConstraint records a negotiation fact. Re-adding an existing kind is a
// no-op; constraints accumulate, they are never replaced.
func (r Repo) AddConstraint(ctx context.Context, tx *sql.Tx, c domain.Constraint) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO case_constraints(id,case_id,kind,note,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.CaseID, c.Kind, nullable(c.Note), c.CreatedAt)
	return err
}

func (r Repo) ListConstraints(ctx context.Context, caseID string) ([]domain.Constraint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,kind,COALESCE(note,''),created_at FROM case_constraints WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Constraint
	for rows.Next() {
		var c domain.Constraint
		if err := rows.Scan(&c.ID, &c.CaseID, &c.Kind, &c.Note, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertScopeItem(ctx context.Context, tx *sql.Tx, s domain.ScopeItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scope_items(id,case_id,description,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.CaseID, s.Description, s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) SetScopeItemStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scope_items SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListScopeItems(ctx context.Context, caseID string) ([]domain.ScopeItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,description,status,created_at,updated_at FROM scope_items WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScopeItem
	for rows.Next() {
		var s domain.ScopeItem
		if err := rows.Scan(&s.ID, &s.CaseID, &s.Description, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// InsertLesson appends a lesson version. The uniqueness constraint spans
// (pattern, action, version) so a repeated insight becomes a new version
// instead of overwriting the old row.
func (r Repo) InsertLesson(ctx context.Context, tx *sql.Tx, l domain.Lesson) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO lessons(id,pattern_intent,pattern_constraint,action,stance,source,version,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		l.ID, l.PatternIntent, l.PatternConstraint, l.Action, l.Stance, nullable(l.Source), l.Version, l.CreatedAt)
	return err
}

// NextLessonVersion returns 1 + the highest version for a pattern/action.
func (r Repo) NextLessonVersion(ctx context.Context, tx *sql.Tx, intent, constraint, action string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM lessons WHERE pattern_intent=? AND pattern_constraint=? AND action=?`,
		intent, constraint, action)
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v + 1, nil
}

// ListLessonsForIntent returns the latest-version lessons matching an intent.
func (r Repo) ListLessonsForIntent(ctx context.Context, intent string) ([]domain.Lesson, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT l.id,l.pattern_intent,l.pattern_constraint,l.action,l.stance,COALESCE(l.source,''),l.version,l.created_at
FROM lessons l
WHERE l.pattern_intent=? AND l.version = (
  SELECT MAX(v.version) FROM lessons v
  WHERE v.pattern_intent=l.pattern_intent AND v.pattern_constraint=l.pattern_constraint AND v.action=l.action
)
ORDER BY l.created_at ASC, l.id ASC`, intent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lesson
	for rows.Next() {
		var l domain.Lesson
		if err := rows.Scan(&l.ID, &l.PatternIntent, &l.PatternConstraint, &l.Action, &l.Stance, &l.Source, &l.Version, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) ListLessons(ctx context.Context) ([]domain.Lesson, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,pattern_intent,pattern_constraint,action,stance,COALESCE(source,''),version,created_at FROM lessons ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lesson
	for rows.Next() {
		var l domain.Lesson
		if err := rows.Scan(&l.ID, &l.PatternIntent, &l.PatternConstraint, &l.Action, &l.Stance, &l.Source, &l.Version, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
