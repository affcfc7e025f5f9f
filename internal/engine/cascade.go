package engine

import (
	"context"
	"database/sql"
	"time"

	"tempoline/internal/domain"
	"tempoline/internal/engine/dates"
)

// The cascade walks a detected change upward through the hierarchy and
// sideways along successor edges until a level reports no change. Each level
// is recomputed through a snapshot/diff pair so unchanged levels are neither
// rewritten nor propagated past, and no node is visited twice in one run.

// cascadeTaskTx propagates a task-level diff: the graph phase first (successor
// availability), then the owning value chain.
func (e Engine) cascadeTaskTx(ctx context.Context, tx *sql.Tx, task domain.Task, d dates.Diff) error {
	if !d.Changed() {
		return nil
	}
	mode := d.Mode()
	if d.EndChanged {
		if err := e.propagateToSuccessorsTx(ctx, tx, task); err != nil {
			return err
		}
		// Same-chain successors may have gained or lost availability, so the
		// chain recheck has to cover all three fields.
		mode = dates.ModeFull
	}
	return e.cascadeChainTx(ctx, tx, task.ValueChainID, mode)
}

// propagateToSuccessorsTx recomputes availability on every direct successor of
// a task whose end date moved. Successors living in a different value chain
// pull their own chain (and its product chain) into the run.
func (e Engine) propagateToSuccessorsTx(ctx context.Context, tx *sql.Tx, task domain.Task) error {
	successors, err := e.Repo.ListSuccessorsTx(ctx, tx, task.ID)
	if err != nil {
		return err
	}
	for _, succID := range successors {
		changed, succ, err := e.refreshTaskAvailabilityTx(ctx, tx, succID)
		if err != nil {
			return err
		}
		if changed && succ.ValueChainID != task.ValueChainID {
			if err := e.cascadeChainTx(ctx, tx, succ.ValueChainID, dates.ModeAvailable); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshTaskAvailabilityTx re-applies the predecessor rule to one task and
// persists it when the result moved.
func (e Engine) refreshTaskAvailabilityTx(ctx context.Context, tx *sql.Tx, taskID string) (bool, domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return false, t, err
	}
	preds, err := e.loadTaskItemsTx(ctx, tx, t.Predecessors)
	if err != nil {
		return false, t, err
	}
	next := dates.AvailableFromPredecessors(preds, t.AvailableDate)
	if len(t.Predecessors) == 0 && next == nil {
		// A task left without predecessors becomes available immediately, the
		// same as one created without any.
		now := e.nowUTC()
		next = &now
	}
	if dates.Equal(t.AvailableDate, next) {
		return false, t, nil
	}
	t.AvailableDate = next
	t.UpdatedAt = e.nowUTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return false, t, err
	}
	return true, t, nil
}

// refreshAvailabilityTx re-applies the predecessor rule to each listed task
// and cascades the chains of those that changed. Used after edge pruning.
func (e Engine) refreshAvailabilityTx(ctx context.Context, tx *sql.Tx, taskIDs []string) error {
	for _, id := range taskIDs {
		changed, t, err := e.refreshTaskAvailabilityTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if changed {
			if err := e.cascadeChainTx(ctx, tx, t.ValueChainID, dates.ModeAvailable); err != nil {
				return err
			}
		}
	}
	return nil
}

// cascadeChainTx recomputes a value chain from its tasks and, when something
// moved, continues into the owning product. A clean diff is the fixed point.
func (e Engine) cascadeChainTx(ctx context.Context, tx *sql.Tx, chainID string, mode dates.Mode) error {
	if mode == dates.ModeNone {
		return nil
	}
	v, err := e.Repo.GetValueChainTx(ctx, tx, chainID)
	if err != nil {
		return err
	}
	tasks, err := e.Repo.ListTasksByChainTx(ctx, tx, chainID)
	if err != nil {
		return err
	}
	items := make([]dates.Item, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, dates.Item{Available: t.AvailableDate, Start: t.StartDate, End: t.EndDate})
	}
	snap := dates.Capture(v.AvailableDate, v.StartDate, v.EndDate, v.ProductID)
	v.AvailableDate, v.StartDate, v.EndDate = applyMode(mode, snap, items)
	d := snap.Diff(v.AvailableDate, v.StartDate, v.EndDate, v.ProductID)
	if !d.Changed() {
		return nil
	}
	v.UpdatedAt = e.nowUTC().Format(time.RFC3339)
	if err := e.Repo.UpdateValueChainTx(ctx, tx, v); err != nil {
		return err
	}
	return e.cascadeProductTx(ctx, tx, v.ProductID, d.Mode())
}

// cascadeProductTx recomputes a product from its chains plus, for root
// products, its sub-products, then climbs to the parent if anything moved.
func (e Engine) cascadeProductTx(ctx context.Context, tx *sql.Tx, productID string, mode dates.Mode) error {
	if mode == dates.ModeNone {
		return nil
	}
	p, err := e.Repo.GetProductTx(ctx, tx, productID)
	if err != nil {
		return err
	}
	chains, err := e.Repo.ListValueChainsTx(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	items := make([]dates.Item, 0, len(chains))
	for _, c := range chains {
		items = append(items, dates.Item{Available: c.AvailableDate, Start: c.StartDate, End: c.EndDate})
	}
	if p.IsRoot() {
		subs, err := e.Repo.ListSubProductsTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		for _, s := range subs {
			items = append(items, dates.Item{Available: s.AvailableDate, Start: s.StartDate, End: s.EndDate})
		}
	}
	parentID := ""
	if p.ParentID != nil {
		parentID = *p.ParentID
	}
	snap := dates.Capture(p.AvailableDate, p.StartDate, p.EndDate, parentID)
	p.AvailableDate, p.StartDate, p.EndDate = applyMode(mode, snap, items)
	d := snap.Diff(p.AvailableDate, p.StartDate, p.EndDate, parentID)
	if !d.Changed() {
		return nil
	}
	p.UpdatedAt = e.nowUTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProductTx(ctx, tx, p); err != nil {
		return err
	}
	if p.ParentID != nil {
		return e.cascadeProductTx(ctx, tx, *p.ParentID, d.Mode())
	}
	return nil
}

// applyMode recomputes only the fields the mode asks for, keeping the rest of
// the snapshot untouched.
func applyMode(mode dates.Mode, cur dates.Snapshot, items []dates.Item) (available, start, end *time.Time) {
	available, start, end = cur.Available, cur.Start, cur.End
	switch mode {
	case dates.ModeFull:
		available, start, end = dates.Aggregate(items)
	case dates.ModeAvailable:
		available = dates.AggregateAvailable(items)
	case dates.ModeStart:
		start = dates.AggregateStart(items)
	case dates.ModeEnd:
		end = dates.AggregateEnd(items)
	}
	return available, start, end
}

// loadTaskItemsTx loads the referenced tasks as aggregation items.
func (e Engine) loadTaskItemsTx(ctx context.Context, tx *sql.Tx, ids []string) ([]dates.Item, error) {
	items := make([]dates.Item, 0, len(ids))
	for _, id := range ids {
		t, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		items = append(items, dates.Item{Available: t.AvailableDate, Start: t.StartDate, End: t.EndDate})
	}
	return items, nil
}
