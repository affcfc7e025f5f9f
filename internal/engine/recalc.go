package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tempoline/internal/engine/dates"
	"tempoline/internal/events"
)

// RecalcOptions scopes a bulk recalculation run. ProductID empty means the
// whole org; BatchSize zero falls back to the configured default.
type RecalcOptions struct {
	OrgID     string
	ProductID string
	BatchSize int
	ActorID   string
}

// RecalcStats reports how much a run touched. A second run over an unchanged
// tree reports zero updates.
type RecalcStats struct {
	Tasks              int `json:"tasks"`
	TasksUpdated       int `json:"tasks_updated"`
	ValueChains        int `json:"value_chains"`
	ValueChainsUpdated int `json:"value_chains_updated"`
	Products           int `json:"products"`
	ProductsUpdated    int `json:"products_updated"`
}

// Recalculate rebuilds every derived date bottom-up: task dates from
// assignments, task availability from predecessors, then chains, sub-products
// and root products. Each pass walks the tree in id-ordered batches, one
// transaction per batch, so a large org never holds a single long write lock.
func (e Engine) Recalculate(ctx context.Context, opts RecalcOptions) (RecalcStats, error) {
	var stats RecalcStats
	if e.Config == nil {
		return stats, errors.New("config not loaded")
	}
	if opts.OrgID == "" {
		opts.OrgID = e.orgID()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = e.Config.Recalc.BatchSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 2000
	}

	if err := e.forEachTaskBatch(ctx, opts, func(ctx context.Context, tx *sql.Tx, taskID string) error {
		stats.Tasks++
		changed, err := e.recalcTaskDatesTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if changed {
			stats.TasksUpdated++
		}
		return nil
	}); err != nil {
		return stats, err
	}

	if err := e.forEachTaskBatch(ctx, opts, func(ctx context.Context, tx *sql.Tx, taskID string) error {
		changed, _, err := e.refreshTaskAvailabilityTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if changed {
			stats.TasksUpdated++
		}
		return nil
	}); err != nil {
		return stats, err
	}

	if err := e.forEachChainBatch(ctx, opts, func(ctx context.Context, tx *sql.Tx, chainID string) error {
		stats.ValueChains++
		changed, err := e.recalcChainTx(ctx, tx, chainID)
		if err != nil {
			return err
		}
		if changed {
			stats.ValueChainsUpdated++
		}
		return nil
	}); err != nil {
		return stats, err
	}

	// Sub-products before roots: a root aggregates its sub-products' results.
	for _, rootOnly := range []bool{false, true} {
		if err := e.forEachProductBatch(ctx, opts, rootOnly, func(ctx context.Context, tx *sql.Tx, productID string) error {
			stats.Products++
			changed, err := e.recalcProductTx(ctx, tx, productID)
			if err != nil {
				return err
			}
			if changed {
				stats.ProductsUpdated++
			}
			return nil
		}); err != nil {
			return stats, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.RecalcCompleted, opts.OrgID, opts.OrgID, opts.ActorID, events.EventPayload{
		"tasks_updated":        stats.TasksUpdated,
		"value_chains_updated": stats.ValueChainsUpdated,
		"products_updated":     stats.ProductsUpdated,
	}); err != nil {
		return stats, err
	}
	return stats, tx.Commit()
}

// --- per-node recompute, no cascade: later passes cover the upper levels ---

// recalcTaskDatesTx re-derives start and end from the task's assignments.
// Tasks without assignments keep whatever dates were set on them directly.
func (e Engine) recalcTaskDatesTx(ctx context.Context, tx *sql.Tx, taskID string) (bool, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	assignments, err := e.Repo.ListAssignmentsByTaskTx(ctx, tx, t.ID)
	if err != nil {
		return false, err
	}
	if len(assignments) == 0 {
		return false, nil
	}
	var start, end *time.Time
	allClosed := true
	for _, a := range assignments {
		if a.StartDate != nil && (start == nil || a.StartDate.Before(*start)) {
			v := *a.StartDate
			start = &v
		}
		if !a.Closed || a.EndDate == nil {
			allClosed = false
			continue
		}
		if end == nil || a.EndDate.After(*end) {
			v := *a.EndDate
			end = &v
		}
	}
	if !allClosed {
		end = nil
	}
	if dates.Equal(t.StartDate, start) && dates.Equal(t.EndDate, end) {
		return false, nil
	}
	t.StartDate, t.EndDate = start, end
	t.UpdatedAt = e.nowUTC().Format(time.RFC3339)
	return true, e.Repo.UpdateTaskTx(ctx, tx, t)
}

func (e Engine) recalcChainTx(ctx context.Context, tx *sql.Tx, chainID string) (bool, error) {
	v, err := e.Repo.GetValueChainTx(ctx, tx, chainID)
	if err != nil {
		return false, err
	}
	tasks, err := e.Repo.ListTasksByChainTx(ctx, tx, chainID)
	if err != nil {
		return false, err
	}
	items := make([]dates.Item, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, dates.Item{Available: t.AvailableDate, Start: t.StartDate, End: t.EndDate})
	}
	available, start, end := dates.Aggregate(items)
	if dates.Equal(v.AvailableDate, available) && dates.Equal(v.StartDate, start) && dates.Equal(v.EndDate, end) {
		return false, nil
	}
	v.AvailableDate, v.StartDate, v.EndDate = available, start, end
	v.UpdatedAt = e.nowUTC().Format(time.RFC3339)
	return true, e.Repo.UpdateValueChainTx(ctx, tx, v)
}

func (e Engine) recalcProductTx(ctx context.Context, tx *sql.Tx, productID string) (bool, error) {
	p, err := e.Repo.GetProductTx(ctx, tx, productID)
	if err != nil {
		return false, err
	}
	chains, err := e.Repo.ListValueChainsTx(ctx, tx, p.ID)
	if err != nil {
		return false, err
	}
	items := make([]dates.Item, 0, len(chains))
	for _, c := range chains {
		items = append(items, dates.Item{Available: c.AvailableDate, Start: c.StartDate, End: c.EndDate})
	}
	if p.IsRoot() {
		subs, err := e.Repo.ListSubProductsTx(ctx, tx, p.ID)
		if err != nil {
			return false, err
		}
		for _, s := range subs {
			items = append(items, dates.Item{Available: s.AvailableDate, Start: s.StartDate, End: s.EndDate})
		}
	}
	available, start, end := dates.Aggregate(items)
	if dates.Equal(p.AvailableDate, available) && dates.Equal(p.StartDate, start) && dates.Equal(p.EndDate, end) {
		return false, nil
	}
	p.AvailableDate, p.StartDate, p.EndDate = available, start, end
	p.UpdatedAt = e.nowUTC().Format(time.RFC3339)
	return true, e.Repo.UpdateProductTx(ctx, tx, p)
}

// --- batch drivers ---

type batchFn func(ctx context.Context, tx *sql.Tx, id string) error

func (e Engine) runBatch(ctx context.Context, ids []string, fn batchFn) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if err := fn(ctx, tx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e Engine) forEachTaskBatch(ctx context.Context, opts RecalcOptions, fn batchFn) error {
	if opts.ProductID != "" {
		// Scoped runs walk the product's chains and take their tasks wholesale;
		// a chain's task count stays well under any sane batch size.
		return e.forEachChainBatch(ctx, opts, func(ctx context.Context, tx *sql.Tx, chainID string) error {
			tasks, err := e.Repo.ListTasksByChainTx(ctx, tx, chainID)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				if err := fn(ctx, tx, t.ID); err != nil {
					return err
				}
			}
			return nil
		})
	}
	cursor := ""
	for {
		ids, err := e.Repo.ListTaskIDsBatch(ctx, opts.OrgID, cursor, opts.BatchSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := e.runBatch(ctx, ids, fn); err != nil {
			return err
		}
		cursor = ids[len(ids)-1]
	}
}

func (e Engine) forEachChainBatch(ctx context.Context, opts RecalcOptions, fn batchFn) error {
	cursor := ""
	for {
		ids, err := e.Repo.ListChainIDsBatch(ctx, opts.OrgID, opts.ProductID, cursor, opts.BatchSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := e.runBatch(ctx, ids, fn); err != nil {
			return err
		}
		cursor = ids[len(ids)-1]
	}
}

func (e Engine) forEachProductBatch(ctx context.Context, opts RecalcOptions, rootOnly bool, fn batchFn) error {
	if opts.ProductID != "" {
		p, err := e.Repo.GetProduct(ctx, opts.ProductID)
		if err != nil {
			return err
		}
		var ids []string
		if rootOnly == p.IsRoot() {
			ids = append(ids, p.ID)
		}
		if p.IsRoot() && !rootOnly {
			subs, err := e.Repo.ListSubProductsTx(ctx, nil, p.ID)
			if err != nil {
				return err
			}
			for _, s := range subs {
				ids = append(ids, s.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		return e.runBatch(ctx, ids, fn)
	}
	cursor := ""
	for {
		ids, err := e.Repo.ListProductIDsBatch(ctx, opts.OrgID, rootOnly, cursor, opts.BatchSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := e.runBatch(ctx, ids, fn); err != nil {
			return err
		}
		cursor = ids[len(ids)-1]
	}
}
