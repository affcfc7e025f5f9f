package repo

import (
	"context"
	"database/sql"
	"sort"

	"tempoline/internal/domain"
)

const taskColumns = `id,value_chain_id,name,deadline,available_date,start_date,end_date,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var deadline, available, start, end sql.NullString
	err := scan(&t.ID, &t.ValueChainID, &t.Name, &deadline, &available, &start, &end, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.Deadline, err = parseTime(deadline); err != nil {
		return t, err
	}
	if t.AvailableDate, err = parseTime(available); err != nil {
		return t, err
	}
	if t.StartDate, err = parseTime(start); err != nil {
		return t, err
	}
	if t.EndDate, err = parseTime(end); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ValueChainID, t.Name, timeArg(t.Deadline),
		timeArg(t.AvailableDate), timeArg(t.StartDate), timeArg(t.EndDate), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET value_chain_id=?, name=?, deadline=?, available_date=?, start_date=?, end_date=?, updated_at=? WHERE id=?`,
		t.ValueChainID, t.Name, timeArg(t.Deadline), timeArg(t.AvailableDate), timeArg(t.StartDate), timeArg(t.EndDate), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	if t.Predecessors, err = r.ListPredecessorsTx(ctx, tx, id); err != nil {
		return t, err
	}
	if t.Successors, err = r.ListSuccessorsTx(ctx, tx, id); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) ListTasksByChainTx(ctx context.Context, tx *sql.Tx, chainID string) ([]domain.Task, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE value_chain_id=? ORDER BY id`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- dependency edges ---

func (r Repo) AddEdgeTx(ctx context.Context, tx *sql.Tx, predecessorID, successorID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_edges(predecessor_id,successor_id) VALUES (?,?)`, predecessorID, successorID)
	return err
}

func (r Repo) RemoveEdgeTx(ctx context.Context, tx *sql.Tx, predecessorID, successorID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_edges WHERE predecessor_id=? AND successor_id=?`, predecessorID, successorID)
	return err
}

func (r Repo) ListPredecessorsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return r.listEdgeIDs(ctx, tx, `SELECT predecessor_id FROM task_edges WHERE successor_id=?`, taskID)
}

func (r Repo) ListSuccessorsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return r.listEdgeIDs(ctx, tx, `SELECT successor_id FROM task_edges WHERE predecessor_id=?`, taskID)
}

func (r Repo) listEdgeIDs(ctx context.Context, tx *sql.Tx, query, taskID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, rows.Err()
}

// DeleteEdgesForTaskTx removes every edge touching the task.
func (r Repo) DeleteEdgesForTaskTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_edges WHERE predecessor_id=? OR successor_id=?`, taskID, taskID)
	return err
}

// PruneExternalEdgesTx deletes edges with exactly one endpoint inside the
// value chain. Returns ids of successor tasks whose predecessor set changed,
// so the caller can recompute their availability.
func (r Repo) PruneExternalEdgesTx(ctx context.Context, tx *sql.Tx, chainID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT e.predecessor_id, e.successor_id
FROM task_edges e
JOIN tasks p ON p.id = e.predecessor_id
JOIN tasks s ON s.id = e.successor_id
WHERE (p.value_chain_id=? AND s.value_chain_id<>?) OR (p.value_chain_id<>? AND s.value_chain_id=?)`,
		chainID, chainID, chainID, chainID)
	if err != nil {
		return nil, err
	}
	type edge struct{ pred, succ string }
	var pruned []edge
	affected := map[string]bool{}
	for rows.Next() {
		var e edge
		if err := rows.Scan(&e.pred, &e.succ); err != nil {
			rows.Close()
			return nil, err
		}
		pruned = append(pruned, e)
		affected[e.succ] = true
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for _, e := range pruned {
		if err := r.RemoveEdgeTx(ctx, tx, e.pred, e.succ); err != nil {
			return nil, err
		}
	}
	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// --- batched reads for bulk recalculation ---

// ListTaskIDsBatch pages through an org's tasks by id, returning at most limit
// ids strictly greater than cursor.
func (r Repo) ListTaskIDsBatch(ctx context.Context, orgID, cursor string, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT t.id FROM tasks t
JOIN value_chains v ON v.id = t.value_chain_id
JOIN products p ON p.id = v.product_id
WHERE p.org_id=? AND t.id>? ORDER BY t.id LIMIT ?`, orgID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListChainIDsBatch pages through value chains, optionally scoped to a product
// subtree (the product itself or its sub-products).
func (r Repo) ListChainIDsBatch(ctx context.Context, orgID, productID, cursor string, limit int) ([]string, error) {
	query := `
SELECT v.id FROM value_chains v
JOIN products p ON p.id = v.product_id
WHERE p.org_id=? AND v.id>?`
	args := []any{orgID, cursor}
	if productID != "" {
		query += ` AND (p.id=? OR p.parent_id=?)`
		args = append(args, productID, productID)
	}
	query += ` ORDER BY v.id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListProductIDsBatch pages through an org's products; rootOnly selects
// products without a parent, otherwise only sub-products are returned.
func (r Repo) ListProductIDsBatch(ctx context.Context, orgID string, rootOnly bool, cursor string, limit int) ([]string, error) {
	cond := `parent_id IS NOT NULL`
	if rootOnly {
		cond = `parent_id IS NULL`
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM products WHERE org_id=? AND `+cond+` AND id>? ORDER BY id LIMIT ?`,
		orgID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
