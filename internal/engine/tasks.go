package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tempoline/internal/domain"
	"tempoline/internal/engine/dates"
	"tempoline/internal/events"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	ValueChainID   string
	Name           string
	Deadline       *time.Time
	PredecessorIDs []string
	SuccessorIDs   []string
	AvailableDate  *time.Time
	StartDate      *time.Time
	EndDate        *time.Time
	ActorID        string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Task{}, errors.New("name is required")
	}
	if opts.ValueChainID == "" {
		return domain.Task{}, errors.New("value chain is required")
	}
	id := newID(opts.ID)
	if err := detectCycle(id, opts.PredecessorIDs, opts.SuccessorIDs); err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetValueChainTx(ctx, tx, opts.ValueChainID); err != nil {
		return domain.Task{}, err
	}
	preds, succs, err := e.resolveEdgesTx(ctx, tx, opts.PredecessorIDs, opts.SuccessorIDs)
	if err != nil {
		return domain.Task{}, err
	}
	if err := validateNewEdges(preds, succs, opts.AvailableDate, opts.EndDate); err != nil {
		return domain.Task{}, err
	}

	now := e.nowUTC()
	nowStr := now.Format(time.RFC3339)
	t := domain.Task{
		ID:           id,
		ValueChainID: opts.ValueChainID,
		Name:         opts.Name,
		Deadline:     opts.Deadline,
		StartDate:    opts.StartDate,
		EndDate:      opts.EndDate,
		CreatedAt:    nowStr,
		UpdatedAt:    nowStr,
	}
	if len(preds) == 0 {
		// A task without predecessors is available immediately unless the
		// caller fixed an explicit date.
		if opts.AvailableDate != nil {
			t.AvailableDate = opts.AvailableDate
		} else {
			t.AvailableDate = &now
		}
	} else {
		t.AvailableDate = dates.AvailableFromPredecessors(taskItems(preds), nil)
	}

	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	for _, p := range preds {
		if err := e.Repo.AddEdgeTx(ctx, tx, p.ID, t.ID); err != nil {
			return domain.Task{}, err
		}
	}
	for _, s := range succs {
		if err := e.Repo.AddEdgeTx(ctx, tx, t.ID, s.ID); err != nil {
			return domain.Task{}, err
		}
	}
	t.Predecessors = ids(preds)
	t.Successors = ids(succs)

	// A brand-new task contributes fresh dates to its chain, and its own end
	// date (if fixed at creation) feeds its successors.
	d := dates.Diff{
		AvailableChanged: t.AvailableDate != nil,
		StartChanged:     t.StartDate != nil,
		EndChanged:       true,
	}
	if err := e.cascadeTaskTx(ctx, tx, t, d); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, e.orgID(), t.ID, opts.ActorID, events.EventPayload{"name": t.Name}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions encapsulates allowed updates.
type TaskUpdateOptions struct {
	ID                 string
	Name               *string
	Deadline           *time.Time
	ClearDeadline      bool
	AddPredecessors    []string
	RemovePredecessors []string
	AddSuccessors      []string
	RemoveSuccessors   []string
	AvailableDate      *time.Time
	StartDate          *time.Time
	EndDate            *time.Time
	ClearEndDate       bool
	ActorID            string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return t, err
	}
	snap := dates.Capture(t.AvailableDate, t.StartDate, t.EndDate, t.ValueChainID)
	origSuccs := t.Successors

	if opts.Name != nil {
		if *opts.Name == "" {
			return t, errors.New("name is required")
		}
		t.Name = *opts.Name
	}
	if opts.ClearDeadline {
		t.Deadline = nil
	} else if opts.Deadline != nil {
		t.Deadline = opts.Deadline
	}

	newPreds := applyEdgeEdits(t.Predecessors, opts.AddPredecessors, opts.RemovePredecessors)
	newSuccs := applyEdgeEdits(t.Successors, opts.AddSuccessors, opts.RemoveSuccessors)
	if err := detectCycle(t.ID, newPreds, newSuccs); err != nil {
		return t, err
	}
	addedPreds, _, err := e.resolveEdgesTx(ctx, tx, opts.AddPredecessors, nil)
	if err != nil {
		return t, err
	}
	_, addedSuccs, err := e.resolveEdgesTx(ctx, tx, nil, opts.AddSuccessors)
	if err != nil {
		return t, err
	}
	for _, p := range addedPreds {
		// A started task cannot gain a predecessor that is still open or that
		// ended after the task began.
		if t.StartDate != nil && (p.EndDate == nil || p.EndDate.After(*t.StartDate)) {
			return t, validationf(KindPredecessorNotCompleted, "predecessor %s has not ended before task %s started", p.ID, t.ID)
		}
	}

	if opts.AvailableDate != nil {
		t.AvailableDate = opts.AvailableDate
	}
	if opts.StartDate != nil {
		t.StartDate = opts.StartDate
	}
	if opts.ClearEndDate {
		t.EndDate = nil
	} else if opts.EndDate != nil {
		t.EndDate = opts.EndDate
	}
	for _, s := range addedSuccs {
		if s.StartDate != nil && (t.EndDate == nil || t.EndDate.After(*s.StartDate)) {
			return t, validationf(KindSuccessorAlreadyStarted, "successor %s already started", s.ID)
		}
	}

	// Manual end edits must keep the graph consistent: no predecessor ending
	// later, no successor starting earlier.
	if t.EndDate != nil {
		predItems, err := e.loadTasksTx(ctx, tx, newPreds)
		if err != nil {
			return t, err
		}
		for _, p := range predItems {
			if p.EndDate == nil || p.EndDate.After(*t.EndDate) {
				return t, validationf(KindPredecessorNotCompleted, "predecessor %s ends after task %s", p.ID, t.ID)
			}
		}
		succItems, err := e.loadTasksTx(ctx, tx, newSuccs)
		if err != nil {
			return t, err
		}
		for _, s := range succItems {
			if s.StartDate != nil && s.StartDate.Before(*t.EndDate) {
				return t, validationf(KindSuccessorAlreadyStarted, "successor %s starts before task %s ends", s.ID, t.ID)
			}
		}
	} else if opts.ClearEndDate {
		// Reopening would leave a started successor behind an open predecessor.
		succItems, err := e.loadTasksTx(ctx, tx, newSuccs)
		if err != nil {
			return t, err
		}
		for _, s := range succItems {
			if s.StartDate != nil {
				return t, validationf(KindSuccessorAlreadyStarted, "successor %s already started; task %s cannot reopen", s.ID, t.ID)
			}
		}
	}

	for _, id := range opts.RemovePredecessors {
		if err := e.Repo.RemoveEdgeTx(ctx, tx, id, t.ID); err != nil {
			return t, err
		}
	}
	for _, id := range opts.RemoveSuccessors {
		if err := e.Repo.RemoveEdgeTx(ctx, tx, t.ID, id); err != nil {
			return t, err
		}
	}
	for _, p := range addedPreds {
		if err := e.Repo.AddEdgeTx(ctx, tx, p.ID, t.ID); err != nil {
			return t, err
		}
	}
	for _, s := range addedSuccs {
		if err := e.Repo.AddEdgeTx(ctx, tx, t.ID, s.ID); err != nil {
			return t, err
		}
	}
	t.Predecessors = newPreds
	t.Successors = newSuccs

	// Re-apply the availability rule against the final predecessor set.
	predItems, err := e.loadTaskItemsTx(ctx, tx, newPreds)
	if err != nil {
		return t, err
	}
	t.AvailableDate = dates.AvailableFromPredecessors(predItems, t.AvailableDate)
	if len(newPreds) == 0 && t.AvailableDate == nil {
		now := e.nowUTC()
		t.AvailableDate = &now
	}

	t.UpdatedAt = e.nowUTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}

	// Successor edge edits move the far endpoint's predecessor set, so those
	// tasks re-derive their availability too.
	touched := ids(addedSuccs)
	for _, id := range opts.RemoveSuccessors {
		for _, prev := range origSuccs {
			if prev == id {
				touched = append(touched, id)
				break
			}
		}
	}
	if err := e.refreshAvailabilityTx(ctx, tx, touched); err != nil {
		return t, err
	}

	d := snap.Diff(t.AvailableDate, t.StartDate, t.EndDate, t.ValueChainID)
	if d.EndChanged && t.EndDate != nil {
		if err := e.closeTaskAssignmentsTx(ctx, tx, t); err != nil {
			return t, err
		}
	}
	if err := e.cascadeTaskTx(ctx, tx, t, d); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskUpdated, e.orgID(), t.ID, opts.ActorID, events.EventPayload{"name": t.Name}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// DeleteTask splices the task out of the graph: its predecessors are rewired
// to its successors so the chain stays connected. Removal is forbidden while
// assignments exist.
func (e Engine) DeleteTask(ctx context.Context, taskID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	n, err := e.Repo.CountAssignmentsByTaskTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return validationf(KindTaskHasAssignments, "task %s has %d assignments", t.ID, n)
	}
	for _, p := range t.Predecessors {
		for _, s := range t.Successors {
			if p == s {
				continue
			}
			if err := e.Repo.AddEdgeTx(ctx, tx, p, s); err != nil {
				return err
			}
		}
	}
	if err := e.Repo.DeleteEdgesForTaskTx(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := e.Repo.DeleteTaskTx(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := e.refreshAvailabilityTx(ctx, tx, t.Successors); err != nil {
		return err
	}
	if err := e.cascadeChainTx(ctx, tx, t.ValueChainID, dates.ModeFull); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TaskDeleted, e.orgID(), t.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// closeTaskAssignmentsTx force-closes every open assignment on a task that
// just received an end date.
func (e Engine) closeTaskAssignmentsTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	assignments, err := e.Repo.ListAssignmentsByTaskTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	now := e.nowUTC().Format(time.RFC3339)
	for _, a := range assignments {
		if a.Closed {
			continue
		}
		a.Closed = true
		if a.EndDate == nil {
			a.EndDate = t.EndDate
		}
		a.UpdatedAt = now
		if err := e.Repo.UpdateAssignmentTx(ctx, tx, a); err != nil {
			return err
		}
	}
	return nil
}

// --- task graph helpers ---

// detectCycle rejects self-edges and tasks appearing on both sides of the
// dependency relation. The check is deliberately local: it does not walk the
// transitive closure of the graph.
func detectCycle(taskID string, predecessors, successors []string) error {
	predSet := make(map[string]bool, len(predecessors))
	for _, id := range predecessors {
		if id == taskID {
			return validationf(KindCircularDependency, "task %s cannot depend on itself", taskID)
		}
		predSet[id] = true
	}
	for _, id := range successors {
		if id == taskID {
			return validationf(KindCircularDependency, "task %s cannot depend on itself", taskID)
		}
		if predSet[id] {
			return validationf(KindCircularDependency, "task %s is both predecessor and successor", id)
		}
	}
	return nil
}

// resolveEdgesTx loads the referenced tasks, surfacing missing ids as
// not-found rather than validation failures.
func (e Engine) resolveEdgesTx(ctx context.Context, tx *sql.Tx, predecessorIDs, successorIDs []string) ([]domain.Task, []domain.Task, error) {
	preds, err := e.loadTasksTx(ctx, tx, predecessorIDs)
	if err != nil {
		return nil, nil, err
	}
	succs, err := e.loadTasksTx(ctx, tx, successorIDs)
	if err != nil {
		return nil, nil, err
	}
	return preds, succs, nil
}

// validateNewEdges checks a candidate edge set for a task being created.
func validateNewEdges(preds, succs []domain.Task, intendedAvailable, intendedEnd *time.Time) error {
	if intendedAvailable != nil {
		for _, p := range preds {
			if p.EndDate == nil {
				return validationf(KindPredecessorNotCompleted, "predecessor %s has not ended", p.ID)
			}
			if p.EndDate.After(*intendedAvailable) {
				return validationf(KindPredecessorNotCompleted, "predecessor %s ends after the requested available date", p.ID)
			}
		}
	}
	for _, s := range succs {
		if s.StartDate != nil && (intendedEnd == nil || intendedEnd.After(*s.StartDate)) {
			return validationf(KindSuccessorAlreadyStarted, "successor %s already started", s.ID)
		}
	}
	return nil
}

func (e Engine) loadTasksTx(ctx context.Context, tx *sql.Tx, taskIDs []string) ([]domain.Task, error) {
	res := make([]domain.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func taskItems(tasks []domain.Task) []dates.Item {
	items := make([]dates.Item, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, dates.Item{Available: t.AvailableDate, Start: t.StartDate, End: t.EndDate})
	}
	return items
}

func ids(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func applyEdgeEdits(current, add, remove []string) []string {
	set := make(map[string]bool, len(current)+len(add))
	for _, id := range current {
		set[id] = true
	}
	for _, id := range add {
		set[id] = true
	}
	for _, id := range remove {
		delete(set, id)
	}
	out := make([]string, 0, len(set))
	for _, id := range append(append([]string{}, current...), add...) {
		if set[id] {
			out = append(out, id)
			set[id] = false
		}
	}
	return out
}
