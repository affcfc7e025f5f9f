package engine_test

import (
	"testing"
	"time"

	"tempoline/internal/domain"
	"tempoline/internal/engine"
)

func (env testEnv) newAssignment(t *testing.T, collaborator string) (domain.Task, domain.Assignment) {
	t.Helper()
	_, v := env.newChain(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "work", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		TaskID: task.ID, CollaboratorID: collaborator, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	return task, a
}

func TestAssignmentOnEndedTaskRejected(t *testing.T) {
	env := newTestEnv(t)
	_, v := env.newChain(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "done", ActorID: "tester"})
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, EndDate: atp(1), ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{TaskID: task.ID, CollaboratorID: "alice", ActorID: "tester"})
	if kindOf(t, err) != engine.KindTaskEnded {
		t.Fatalf("expected task ended rejection, got %v", err)
	}
}

func TestTrackerOverlapRejected(t *testing.T) {
	env := newTestEnv(t)
	_, a := env.newAssignment(t, "alice")
	if _, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(9), End: atp(11), ActorID: "tester",
	}); err != nil {
		t.Fatalf("first tracker: %v", err)
	}
	_, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(10), End: atp(12), ActorID: "tester",
	})
	if kindOf(t, err) != engine.KindTrackerOverlap {
		t.Fatalf("expected overlap rejection, got %v", err)
	}
	// adjacent intervals are fine
	if _, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(11), End: atp(12), ActorID: "tester",
	}); err != nil {
		t.Fatalf("adjacent tracker: %v", err)
	}
}

func TestTrackerDurationCap(t *testing.T) {
	env := newTestEnv(t)
	_, a := env.newAssignment(t, "alice")
	_, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(0), End: atp(12), ActorID: "tester",
	})
	if kindOf(t, err) != engine.KindTrackerTooLong {
		t.Fatalf("expected duration rejection, got %v", err)
	}
	_, err = env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(2), End: atp(2), ActorID: "tester",
	})
	if kindOf(t, err) != engine.KindTrackerInvalidInterval {
		t.Fatalf("expected interval rejection, got %v", err)
	}
}

func TestOpenTrackerOnlyForSelf(t *testing.T) {
	env := newTestEnv(t)
	_, a := env.newAssignment(t, "alice")
	_, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", ActorID: "manager",
	})
	if kindOf(t, err) != engine.KindOpenTrackerForbidden {
		t.Fatalf("expected open tracker rejection, got %v", err)
	}
	tr, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("self open tracker: %v", err)
	}
	if !tr.Open() {
		t.Fatalf("expected running tracker")
	}
}

func TestStartTrackerAutoClosesPrevious(t *testing.T) {
	env := newTestEnv(t)
	_, a := env.newAssignment(t, "alice")
	first, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(9), ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(11), ActorID: "alice",
	}); err != nil {
		t.Fatalf("second tracker: %v", err)
	}
	first, err = env.Engine.Repo.GetTracker(env.Ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := at(11).Add(-time.Second)
	if first.End == nil || !first.End.Equal(want) {
		t.Fatalf("expected auto-close at %v, got %v", want, first.End)
	}
}

func TestAutoCloseRejectedWhenOverCap(t *testing.T) {
	env := newTestEnv(t)
	_, a := env.newAssignment(t, "alice")
	first, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(0), ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	// the implied close at hour 13 minus a second would breach the 12h cap
	_, err = env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(13), End: atp(14), ActorID: "tester",
	})
	if kindOf(t, err) != engine.KindTrackerTooLong {
		t.Fatalf("expected duration rejection, got %v", err)
	}
	first, err = env.Engine.Repo.GetTracker(env.Ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Open() {
		t.Fatalf("rejected start must leave the running tracker open, got end %v", first.End)
	}
}

func TestOutOfOrderOpenTrackerRejected(t *testing.T) {
	env := newTestEnv(t)
	_, a := env.newAssignment(t, "alice")
	if _, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(9), End: atp(11), ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(10), ActorID: "alice",
	})
	if kindOf(t, err) != engine.KindTrackerOutOfOrder {
		t.Fatalf("expected out-of-order rejection, got %v", err)
	}
}

func TestStopTracker(t *testing.T) {
	env := newTestEnv(t)
	_, a := env.newAssignment(t, "alice")
	start := base.Add(-2 * time.Hour)
	tr, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: &start, ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	tr, err = env.Engine.StopTracker(env.Ctx, tr.ID, nil, "alice")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if tr.End == nil || !tr.End.Equal(base) {
		t.Fatalf("expected stop at now, got %v", tr.End)
	}
	_, err = env.Engine.StopTracker(env.Ctx, tr.ID, nil, "alice")
	if kindOf(t, err) != engine.KindTrackerClosed {
		t.Fatalf("expected already closed, got %v", err)
	}
}

func TestCloseAssignmentDerivesTaskDates(t *testing.T) {
	env := newTestEnv(t)
	task, a := env.newAssignment(t, "alice")
	if _, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(9), End: atp(11), ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.CloseAssignment(env.Ctx, a.ID, nil, "tester")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.EndDate == nil || !a.EndDate.Equal(at(11)) {
		t.Fatalf("expected assignment end at hour 11, got %v", a.EndDate)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.StartDate == nil || !got.StartDate.Equal(at(9)) {
		t.Fatalf("expected task start at hour 9, got %v", got.StartDate)
	}
	if got.EndDate == nil || !got.EndDate.Equal(at(11)) {
		t.Fatalf("expected task end at hour 11, got %v", got.EndDate)
	}
	v, _ := env.Engine.Repo.GetValueChain(env.Ctx, got.ValueChainID)
	if v.EndDate == nil || !v.EndDate.Equal(at(11)) {
		t.Fatalf("expected chain end at hour 11, got %v", v.EndDate)
	}
	_, err = env.Engine.CloseAssignment(env.Ctx, a.ID, nil, "tester")
	if kindOf(t, err) != engine.KindAssignmentClosed {
		t.Fatalf("expected already closed, got %v", err)
	}
}

func TestOpenAssignmentBlocksTaskEnd(t *testing.T) {
	env := newTestEnv(t)
	task, a := env.newAssignment(t, "alice")
	b, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		TaskID: task.ID, CollaboratorID: "bob", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CloseAssignment(env.Ctx, a.ID, atp(5), "tester"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.EndDate != nil {
		t.Fatalf("task must not end while bob's assignment is open")
	}
	if _, err := env.Engine.CloseAssignment(env.Ctx, b.ID, atp(8), "tester"); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.EndDate == nil || !got.EndDate.Equal(at(8)) {
		t.Fatalf("expected task end at hour 8, got %v", got.EndDate)
	}
}

func TestTrackerOnClosedAssignmentRejected(t *testing.T) {
	env := newTestEnv(t)
	_, a := env.newAssignment(t, "alice")
	if _, err := env.Engine.CloseAssignment(env.Ctx, a.ID, atp(1), "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.StartTracker(env.Ctx, engine.TrackerStartOptions{
		AssignmentID: a.ID, CollaboratorID: "alice", Start: atp(2), End: atp(3), ActorID: "tester",
	})
	if kindOf(t, err) != engine.KindAssignmentClosed {
		t.Fatalf("expected closed assignment rejection, got %v", err)
	}
}
