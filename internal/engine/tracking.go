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
	"tempoline/internal/repo"
)

// AssignmentCreateOptions are parameters for assigning a collaborator to a task.
type AssignmentCreateOptions struct {
	ID               string
	TaskID           string
	CollaboratorID   string
	CollaboratorName string
	ActorID          string
}

func (e Engine) CreateAssignment(ctx context.Context, opts AssignmentCreateOptions) (domain.Assignment, error) {
	if opts.CollaboratorID == "" {
		return domain.Assignment{}, errors.New("collaborator is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if t.EndDate != nil {
		return domain.Assignment{}, validationf(KindTaskEnded, "task %s has ended", t.ID)
	}
	now := e.nowUTC().Format(time.RFC3339)
	name := opts.CollaboratorName
	if name == "" {
		name = opts.CollaboratorID
	}
	if err := e.Repo.EnsureCollaborator(ctx, tx, opts.CollaboratorID, e.orgID(), name, now); err != nil {
		return domain.Assignment{}, err
	}
	a := domain.Assignment{
		ID:             newID(opts.ID),
		TaskID:         t.ID,
		CollaboratorID: opts.CollaboratorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertAssignmentTx(ctx, tx, a); err != nil {
		return domain.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	// An open assignment reopens the task: its end date can no longer hold.
	if err := e.recomputeTaskFromAssignmentsTx(ctx, tx, t.ID); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, events.AssignmentCreated, e.orgID(), a.ID, opts.ActorID, events.EventPayload{
		"task_id":         a.TaskID,
		"collaborator_id": a.CollaboratorID,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

// CloseAssignment marks an assignment done. A tracker still running on it is
// stopped first; the assignment end lands on the latest tracker end, falling
// back to the provided end or now.
func (e Engine) CloseAssignment(ctx context.Context, id string, end *time.Time, actorID string) (domain.Assignment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
	if err != nil {
		return a, err
	}
	if a.Closed {
		return a, validationf(KindAssignmentClosed, "assignment %s is already closed", a.ID)
	}
	now := e.nowUTC()
	closeAt := now
	if end != nil {
		closeAt = end.UTC().Truncate(time.Second)
	}

	open, err := e.Repo.GetOpenTrackerTx(ctx, tx, a.CollaboratorID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return a, err
	}
	if err == nil && open.AssignmentID != nil && *open.AssignmentID == a.ID {
		if !closeAt.After(open.Start) {
			return a, validationf(KindTrackerInvalidInterval, "tracker %s cannot end at or before its start", open.ID)
		}
		if err := e.checkDuration(open.Start, &closeAt); err != nil {
			return a, err
		}
		stop := closeAt
		open.End = &stop
		open.UpdatedAt = now.Format(time.RFC3339)
		if err := e.Repo.UpdateTrackerTx(ctx, tx, open); err != nil {
			return a, err
		}
	}

	trackers, err := e.Repo.ListTrackersByAssignmentTx(ctx, tx, a.ID)
	if err != nil {
		return a, err
	}
	a.StartDate, a.EndDate = trackerSpan(trackers)
	if a.EndDate == nil {
		a.EndDate = &closeAt
	}
	a.Closed = true
	a.UpdatedAt = now.Format(time.RFC3339)
	if err := e.Repo.UpdateAssignmentTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.recomputeTaskFromAssignmentsTx(ctx, tx, a.TaskID); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.AssignmentClosed, e.orgID(), a.ID, actorID, nil); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) DeleteAssignment(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignmentTx(ctx, tx, id)
	if err != nil {
		return err
	}
	trackers, err := e.Repo.ListTrackersByAssignmentTx(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	for _, t := range trackers {
		if err := e.Repo.DeleteTrackerTx(ctx, tx, t.ID); err != nil {
			return err
		}
	}
	if err := e.Repo.DeleteAssignmentTx(ctx, tx, a.ID); err != nil {
		return err
	}
	if err := e.recomputeTaskFromAssignmentsTx(ctx, tx, a.TaskID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.AssignmentDeleted, e.orgID(), a.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// TrackerStartOptions are parameters for recording a work interval. End left
// nil starts a running tracker, which only the collaborator themselves may do.
type TrackerStartOptions struct {
	ID             string
	AssignmentID   string
	CollaboratorID string
	Reason         string
	Start          *time.Time
	End            *time.Time
	ActorID        string
}

func (e Engine) StartTracker(ctx context.Context, opts TrackerStartOptions) (domain.Tracker, error) {
	if e.Config == nil {
		return domain.Tracker{}, errors.New("config not loaded")
	}
	if opts.CollaboratorID == "" {
		return domain.Tracker{}, errors.New("collaborator is required")
	}
	if opts.AssignmentID == "" && opts.Reason == "" {
		return domain.Tracker{}, errors.New("assignment or reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tracker{}, err
	}
	defer tx.Rollback()

	now := e.nowUTC()
	start := now
	if opts.Start != nil {
		start = opts.Start.UTC().Truncate(time.Second)
	}
	var end *time.Time
	if opts.End != nil {
		v := opts.End.UTC().Truncate(time.Second)
		end = &v
	}
	if end != nil && !end.After(start) {
		return domain.Tracker{}, validationf(KindTrackerInvalidInterval, "tracker end must be after its start")
	}
	if err := e.checkDuration(start, end); err != nil {
		return domain.Tracker{}, err
	}
	if end == nil && opts.ActorID != opts.CollaboratorID {
		return domain.Tracker{}, validationf(KindOpenTrackerForbidden, "only the collaborator can run an open tracker")
	}

	t := domain.Tracker{
		ID:             newID(opts.ID),
		CollaboratorID: opts.CollaboratorID,
		Start:          start,
		End:            end,
		CreatedAt:      now.Format(time.RFC3339),
		UpdatedAt:      now.Format(time.RFC3339),
	}
	if opts.Reason != "" {
		t.Reason = &opts.Reason
	}
	var a domain.Assignment
	if opts.AssignmentID != "" {
		a, err = e.Repo.GetAssignmentTx(ctx, tx, opts.AssignmentID)
		if err != nil {
			return t, err
		}
		if a.Closed {
			return t, validationf(KindAssignmentClosed, "assignment %s is closed", a.ID)
		}
		if a.CollaboratorID != opts.CollaboratorID {
			return t, errors.New("tracker collaborator does not match the assignment")
		}
		t.AssignmentID = &a.ID
	}

	if err := e.autoCloseOpenTrackerTx(ctx, tx, opts.CollaboratorID, start, now); err != nil {
		return t, err
	}
	existing, err := e.Repo.ListTrackersByCollaboratorTx(ctx, tx, opts.CollaboratorID)
	if err != nil {
		return t, err
	}
	if err := e.validatePlacement(t, existing, now); err != nil {
		return t, err
	}
	if err := e.Repo.InsertTrackerTx(ctx, tx, t); err != nil {
		return t, fmt.Errorf("insert tracker: %w", err)
	}
	if t.AssignmentID != nil {
		if err := e.recomputeAssignmentTx(ctx, tx, *t.AssignmentID); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TrackerStarted, e.orgID(), t.ID, opts.ActorID, events.EventPayload{
		"collaborator_id": t.CollaboratorID,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// StopTracker closes a running tracker at the given end, defaulting to now.
func (e Engine) StopTracker(ctx context.Context, id string, end *time.Time, actorID string) (domain.Tracker, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tracker{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTrackerTx(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if !t.Open() {
		return t, validationf(KindTrackerClosed, "tracker %s is already closed", t.ID)
	}
	now := e.nowUTC()
	stop := now
	if end != nil {
		stop = end.UTC().Truncate(time.Second)
	}
	if !stop.After(t.Start) {
		return t, validationf(KindTrackerInvalidInterval, "tracker end must be after its start")
	}
	if err := e.checkDuration(t.Start, &stop); err != nil {
		return t, err
	}
	t.End = &stop
	t.UpdatedAt = now.Format(time.RFC3339)

	existing, err := e.Repo.ListTrackersByCollaboratorTx(ctx, tx, t.CollaboratorID)
	if err != nil {
		return t, err
	}
	if err := e.validatePlacement(t, existing, now); err != nil {
		return t, err
	}
	if err := e.Repo.UpdateTrackerTx(ctx, tx, t); err != nil {
		return t, err
	}
	if t.AssignmentID != nil {
		if err := e.recomputeAssignmentTx(ctx, tx, *t.AssignmentID); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TrackerStopped, e.orgID(), t.ID, actorID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// TrackerUpdateOptions adjusts a recorded interval after the fact.
type TrackerUpdateOptions struct {
	ID      string
	Start   *time.Time
	End     *time.Time
	Reason  *string
	ActorID string
}

func (e Engine) UpdateTracker(ctx context.Context, opts TrackerUpdateOptions) (domain.Tracker, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tracker{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTrackerTx(ctx, tx, opts.ID)
	if err != nil {
		return t, err
	}
	if opts.Start != nil {
		v := opts.Start.UTC().Truncate(time.Second)
		t.Start = v
	}
	if opts.End != nil {
		v := opts.End.UTC().Truncate(time.Second)
		t.End = &v
	}
	if opts.Reason != nil {
		t.Reason = opts.Reason
	}
	if t.End != nil && !t.End.After(t.Start) {
		return t, validationf(KindTrackerInvalidInterval, "tracker end must be after its start")
	}
	if err := e.checkDuration(t.Start, t.End); err != nil {
		return t, err
	}
	now := e.nowUTC()
	existing, err := e.Repo.ListTrackersByCollaboratorTx(ctx, tx, t.CollaboratorID)
	if err != nil {
		return t, err
	}
	if err := e.validatePlacement(t, existing, now); err != nil {
		return t, err
	}
	t.UpdatedAt = now.Format(time.RFC3339)
	if err := e.Repo.UpdateTrackerTx(ctx, tx, t); err != nil {
		return t, err
	}
	if t.AssignmentID != nil {
		if err := e.recomputeAssignmentTx(ctx, tx, *t.AssignmentID); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TrackerUpdated, e.orgID(), t.ID, opts.ActorID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) DeleteTracker(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTrackerTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteTrackerTx(ctx, tx, t.ID); err != nil {
		return err
	}
	if t.AssignmentID != nil {
		if err := e.recomputeAssignmentTx(ctx, tx, *t.AssignmentID); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TrackerDeleted, e.orgID(), t.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// --- tracker validation ---

func (e Engine) maxTrackerDuration() time.Duration {
	if e.Config != nil && e.Config.Trackers.MaxDuration > 0 {
		return e.Config.Trackers.MaxDuration
	}
	return 12 * time.Hour
}

func (e Engine) checkDuration(start time.Time, end *time.Time) error {
	if end == nil {
		return nil
	}
	if d := end.Sub(start); d >= e.maxTrackerDuration() {
		return validationf(KindTrackerTooLong, "tracker spans %s, the cap is %s", d, e.maxTrackerDuration())
	}
	return nil
}

// validatePlacement checks the candidate against every other tracker of the
// collaborator. A running tracker counts as ending now, and a new running
// tracker must start after everything already recorded.
func (e Engine) validatePlacement(candidate domain.Tracker, existing []domain.Tracker, now time.Time) error {
	cEnd := now
	if candidate.End != nil {
		cEnd = *candidate.End
	}
	for _, other := range existing {
		if other.ID == candidate.ID {
			continue
		}
		oEnd := now
		if other.End != nil {
			oEnd = *other.End
		}
		if candidate.Start.Before(oEnd) && other.Start.Before(cEnd) {
			return validationf(KindTrackerOverlap, "tracker overlaps tracker %s", other.ID)
		}
		if candidate.Open() && other.End != nil && candidate.Start.Before(*other.End) {
			return validationf(KindTrackerOutOfOrder, "running tracker must start after tracker %s ends", other.ID)
		}
	}
	return nil
}

// autoCloseOpenTrackerTx closes a still-running tracker one second before the
// new interval begins. The implied interval has to pass the same checks as an
// explicit one.
func (e Engine) autoCloseOpenTrackerTx(ctx context.Context, tx *sql.Tx, collaboratorID string, newStart, now time.Time) error {
	open, err := e.Repo.GetOpenTrackerTx(ctx, tx, collaboratorID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	autoEnd := newStart.Add(-time.Second)
	if !autoEnd.After(open.Start) {
		return validationf(KindTrackerOverlap, "tracker starts inside running tracker %s", open.ID)
	}
	if err := e.checkDuration(open.Start, &autoEnd); err != nil {
		return err
	}
	open.End = &autoEnd
	open.UpdatedAt = now.Format(time.RFC3339)
	if err := e.Repo.UpdateTrackerTx(ctx, tx, open); err != nil {
		return err
	}
	if open.AssignmentID != nil {
		return e.recomputeAssignmentTx(ctx, tx, *open.AssignmentID)
	}
	return nil
}

// --- derived dates ---

// trackerSpan derives an assignment's dates from its trackers: start is the
// earliest tracker start, end is the latest tracker end once every tracker has
// one.
func trackerSpan(trackers []domain.Tracker) (start, end *time.Time) {
	for _, t := range trackers {
		s := t.Start
		if start == nil || s.Before(*start) {
			start = &s
		}
	}
	allEnded := len(trackers) > 0
	for _, t := range trackers {
		if t.End == nil {
			allEnded = false
			break
		}
		if end == nil || t.End.After(*end) {
			v := *t.End
			end = &v
		}
	}
	if !allEnded {
		end = nil
	}
	return start, end
}

// recomputeAssignmentTx re-derives an assignment's dates from its trackers and
// pushes the result into the owning task.
func (e Engine) recomputeAssignmentTx(ctx context.Context, tx *sql.Tx, assignmentID string) error {
	a, err := e.Repo.GetAssignmentTx(ctx, tx, assignmentID)
	if err != nil {
		return err
	}
	trackers, err := e.Repo.ListTrackersByAssignmentTx(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	start, end := trackerSpan(trackers)
	if a.Closed && end == nil {
		end = a.EndDate
	}
	if dates.Equal(a.StartDate, start) && dates.Equal(a.EndDate, end) {
		return nil
	}
	a.StartDate, a.EndDate = start, end
	a.UpdatedAt = e.nowUTC().Format(time.RFC3339)
	if err := e.Repo.UpdateAssignmentTx(ctx, tx, a); err != nil {
		return err
	}
	return e.recomputeTaskFromAssignmentsTx(ctx, tx, a.TaskID)
}

// recomputeTaskFromAssignmentsTx derives task start and end from assignments:
// start is the earliest assignment start, end is the latest assignment end once
// every assignment is closed. Tasks with no assignments keep their manual
// dates.
func (e Engine) recomputeTaskFromAssignmentsTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	assignments, err := e.Repo.ListAssignmentsByTaskTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		return nil
	}
	snap := dates.Capture(t.AvailableDate, t.StartDate, t.EndDate, t.ValueChainID)

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
	t.StartDate, t.EndDate = start, end

	d := snap.Diff(t.AvailableDate, t.StartDate, t.EndDate, t.ValueChainID)
	if !d.Changed() {
		return nil
	}
	t.UpdatedAt = e.nowUTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return err
	}
	return e.cascadeTaskTx(ctx, tx, t, d)
}
