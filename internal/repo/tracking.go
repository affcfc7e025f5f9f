package repo

import (
	"context"
	"database/sql"

	"tempoline/internal/domain"
)

// --- collaborators ---

func (r Repo) EnsureCollaborator(ctx context.Context, tx *sql.Tx, id, orgID, name, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO collaborators(id,org_id,name,created_at) VALUES (?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		id, orgID, name, now)
	return err
}

func (r Repo) GetCollaborator(ctx context.Context, id string) (domain.Collaborator, error) {
	var c domain.Collaborator
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,created_at FROM collaborators WHERE id=?`, id).
		Scan(&c.ID, &c.OrgID, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCollaborators(ctx context.Context, orgID string) ([]domain.Collaborator, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,created_at FROM collaborators WHERE org_id=? ORDER BY created_at DESC, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Collaborator
	for rows.Next() {
		var c domain.Collaborator
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- assignments ---

const assignmentColumns = `id,task_id,collaborator_id,start_date,end_date,closed,created_at,updated_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var start, end sql.NullString
	var closed int
	err := scan(&a.ID, &a.TaskID, &a.CollaboratorID, &start, &end, &closed, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Closed = closed != 0
	if a.StartDate, err = parseTime(start); err != nil {
		return a, err
	}
	if a.EndDate, err = parseTime(end); err != nil {
		return a, err
	}
	return a, nil
}

func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.CollaboratorID, timeArg(a.StartDate), timeArg(a.EndDate), boolArg(a.Closed), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET start_date=?, end_date=?, closed=?, updated_at=? WHERE id=?`,
		timeArg(a.StartDate), timeArg(a.EndDate), boolArg(a.Closed), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	return r.GetAssignmentTx(ctx, nil, id)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

func (r Repo) ListAssignmentsByTaskTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Assignment, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountAssignmentsByTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT count(*) FROM assignments WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

func (r Repo) DeleteAssignmentTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- trackers ---

const trackerColumns = `id,collaborator_id,assignment_id,reason,start_at,end_at,created_at,updated_at`

func scanTracker(scan func(dest ...any) error) (domain.Tracker, error) {
	var t domain.Tracker
	var assignmentID, reason, start, end sql.NullString
	err := scan(&t.ID, &t.CollaboratorID, &assignmentID, &reason, &start, &end, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if assignmentID.Valid {
		t.AssignmentID = &assignmentID.String
	}
	if reason.Valid {
		t.Reason = &reason.String
	}
	startAt, err := parseTime(start)
	if err != nil {
		return t, err
	}
	if startAt != nil {
		t.Start = *startAt
	}
	if t.End, err = parseTime(end); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTrackerTx(ctx context.Context, tx *sql.Tx, t domain.Tracker) error {
	start := t.Start
	_, err := tx.ExecContext(ctx, `INSERT INTO trackers(`+trackerColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.CollaboratorID, nullableStringPtr(t.AssignmentID), nullableStringPtr(t.Reason),
		timeArg(&start), timeArg(t.End), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTrackerTx(ctx context.Context, tx *sql.Tx, t domain.Tracker) error {
	start := t.Start
	res, err := tx.ExecContext(ctx, `UPDATE trackers SET assignment_id=?, reason=?, start_at=?, end_at=?, updated_at=? WHERE id=?`,
		nullableStringPtr(t.AssignmentID), nullableStringPtr(t.Reason), timeArg(&start), timeArg(t.End), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTracker(ctx context.Context, id string) (domain.Tracker, error) {
	return r.GetTrackerTx(ctx, nil, id)
}

func (r Repo) GetTrackerTx(ctx context.Context, tx *sql.Tx, id string) (domain.Tracker, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+trackerColumns+` FROM trackers WHERE id=?`, id)
	return scanTracker(row.Scan)
}

func (r Repo) DeleteTrackerTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM trackers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTrackersByAssignmentTx(ctx context.Context, tx *sql.Tx, assignmentID string) ([]domain.Tracker, error) {
	return r.listTrackers(ctx, tx, `SELECT `+trackerColumns+` FROM trackers WHERE assignment_id=? ORDER BY start_at, id`, assignmentID)
}

func (r Repo) ListTrackersByCollaboratorTx(ctx context.Context, tx *sql.Tx, collaboratorID string) ([]domain.Tracker, error) {
	return r.listTrackers(ctx, tx, `SELECT `+trackerColumns+` FROM trackers WHERE collaborator_id=? ORDER BY start_at, id`, collaboratorID)
}

func (r Repo) listTrackers(ctx context.Context, tx *sql.Tx, query string, arg any) ([]domain.Tracker, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tracker
	for rows.Next() {
		t, err := scanTracker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// GetOpenTrackerTx returns the collaborator's currently running tracker, if any.
func (r Repo) GetOpenTrackerTx(ctx context.Context, tx *sql.Tx, collaboratorID string) (domain.Tracker, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+trackerColumns+` FROM trackers WHERE collaborator_id=? AND end_at IS NULL LIMIT 1`, collaboratorID)
	return scanTracker(row.Scan)
}
