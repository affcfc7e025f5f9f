package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tempoline/internal/config"
	"tempoline/internal/db"
	"tempoline/internal/domain"
	"tempoline/internal/engine"
	"tempoline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// hour zero of the fixed test clock
var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }

func atp(h int) *time.Time {
	t := at(h)
	return &t
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return base }
	ctx := context.Background()
	if _, err := eng.InitOrg(ctx, "org-1", "test", "tester"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// newChain seeds a product with one value chain and returns both.
func (env testEnv) newChain(t *testing.T) (domain.Product, domain.ValueChain) {
	t.Helper()
	p, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{Name: "product", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	v, err := env.Engine.CreateValueChain(env.Ctx, engine.ValueChainCreateOptions{ProductID: p.ID, Name: "chain", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	return p, v
}

func kindOf(t *testing.T, err error) string {
	t.Helper()
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	return verr.Kind
}

func TestSubProductDepthLimit(t *testing.T) {
	env := newTestEnv(t)
	root, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{Name: "root", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{Name: "sub", ParentID: root.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create sub-product: %v", err)
	}
	_, err = env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{Name: "subsub", ParentID: sub.ID, ActorID: "tester"})
	if kindOf(t, err) != engine.KindHierarchyDepth {
		t.Fatalf("expected hierarchy depth rejection, got %v", err)
	}
}

func TestNewTaskAvailableImmediately(t *testing.T) {
	env := newTestEnv(t)
	_, v := env.newChain(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "solo", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if task.AvailableDate == nil || !task.AvailableDate.Equal(base) {
		t.Fatalf("expected availability now, got %v", task.AvailableDate)
	}
	got, err := env.Engine.Repo.GetValueChain(env.Ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AvailableDate == nil || !got.AvailableDate.Equal(base) {
		t.Fatalf("chain availability not derived: %v", got.AvailableDate)
	}
	if got.EndDate != nil {
		t.Fatalf("chain with open task must not have an end")
	}
}

func TestCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	_, v := env.newChain(t)
	a, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "a", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ValueChainID:   v.ID,
		Name:           "b",
		PredecessorIDs: []string{a.ID},
		SuccessorIDs:   []string{a.ID},
		ActorID:        "tester",
	})
	if kindOf(t, err) != engine.KindCircularDependency {
		t.Fatalf("expected circular dependency, got %v", err)
	}
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, AddPredecessors: []string{a.ID}, ActorID: "tester"})
	if kindOf(t, err) != engine.KindCircularDependency {
		t.Fatalf("expected self-dependency rejection, got %v", err)
	}
}

func TestAvailabilityFollowsPredecessorEnd(t *testing.T) {
	env := newTestEnv(t)
	_, v := env.newChain(t)
	a, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "a", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ValueChainID: v.ID, Name: "b", PredecessorIDs: []string{a.ID}, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.AvailableDate != nil {
		t.Fatalf("task behind an open predecessor must not be available")
	}
	// ending a makes b available at a's end
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: a.ID, StartDate: atp(1), EndDate: atp(3), ActorID: "tester",
	}); err != nil {
		t.Fatalf("end a: %v", err)
	}
	b, err = env.Engine.Repo.GetTask(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.AvailableDate == nil || !b.AvailableDate.Equal(at(3)) {
		t.Fatalf("expected b available at hour 3, got %v", b.AvailableDate)
	}
	// reopening a revokes it again
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, ClearEndDate: true, ActorID: "tester"}); err != nil {
		t.Fatalf("reopen a: %v", err)
	}
	b, _ = env.Engine.Repo.GetTask(env.Ctx, b.ID)
	if b.AvailableDate != nil {
		t.Fatalf("expected availability revoked, got %v", b.AvailableDate)
	}
}

func TestChainEndRequiresAllTasksEnded(t *testing.T) {
	env := newTestEnv(t)
	p, v := env.newChain(t)
	a, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "a", ActorID: "tester"})
	b, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "b", PredecessorIDs: []string{a.ID}, ActorID: "tester"})
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, StartDate: atp(1), EndDate: atp(2), ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetValueChain(env.Ctx, v.ID)
	if got.EndDate != nil {
		t.Fatalf("chain must not end while b is open")
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: b.ID, StartDate: atp(3), EndDate: atp(5), ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.Repo.GetValueChain(env.Ctx, v.ID)
	if got.EndDate == nil || !got.EndDate.Equal(at(5)) {
		t.Fatalf("expected chain end at hour 5, got %v", got.EndDate)
	}
	if got.StartDate == nil || !got.StartDate.Equal(at(1)) {
		t.Fatalf("expected chain start at hour 1, got %v", got.StartDate)
	}
	gp, _ := env.Engine.Repo.GetProduct(env.Ctx, p.ID)
	if gp.EndDate == nil || !gp.EndDate.Equal(at(5)) {
		t.Fatalf("expected product end at hour 5, got %v", gp.EndDate)
	}
	// reopening b revokes the end all the way up
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: b.ID, ClearEndDate: true, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.Repo.GetValueChain(env.Ctx, v.ID)
	gp, _ = env.Engine.Repo.GetProduct(env.Ctx, p.ID)
	if got.EndDate != nil || gp.EndDate != nil {
		t.Fatalf("expected ends revoked, chain=%v product=%v", got.EndDate, gp.EndDate)
	}
}

func TestCrossChainPropagation(t *testing.T) {
	env := newTestEnv(t)
	p, v1 := env.newChain(t)
	v2, err := env.Engine.CreateValueChain(env.Ctx, engine.ValueChainCreateOptions{ProductID: p.ID, Name: "chain-2", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v1.ID, Name: "a", ActorID: "tester"})
	b, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v2.ID, Name: "b", PredecessorIDs: []string{a.ID}, ActorID: "tester"})
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, EndDate: atp(4), ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	b, _ = env.Engine.Repo.GetTask(env.Ctx, b.ID)
	if b.AvailableDate == nil || !b.AvailableDate.Equal(at(4)) {
		t.Fatalf("expected cross-chain availability at hour 4, got %v", b.AvailableDate)
	}
	got, _ := env.Engine.Repo.GetValueChain(env.Ctx, v2.ID)
	if got.AvailableDate == nil || !got.AvailableDate.Equal(at(4)) {
		t.Fatalf("expected chain-2 availability at hour 4, got %v", got.AvailableDate)
	}
}

func TestMoveValueChainPrunesExternalEdges(t *testing.T) {
	env := newTestEnv(t)
	p1, v1 := env.newChain(t)
	_ = p1
	p2, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{Name: "other", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	v2, _ := env.Engine.CreateValueChain(env.Ctx, engine.ValueChainCreateOptions{ProductID: p1.ID, Name: "chain-2", ActorID: "tester"})
	a, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v1.ID, Name: "a", ActorID: "tester"})
	b, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v2.ID, Name: "b", PredecessorIDs: []string{a.ID}, ActorID: "tester"})
	if _, err := env.Engine.MoveValueChain(env.Ctx, v2.ID, p2.ID, "tester"); err != nil {
		t.Fatalf("move chain: %v", err)
	}
	b, _ = env.Engine.Repo.GetTask(env.Ctx, b.ID)
	if len(b.Predecessors) != 0 {
		t.Fatalf("expected cross-chain edge pruned, got %v", b.Predecessors)
	}
	// without the predecessor, b falls back to immediate availability
	if b.AvailableDate == nil {
		t.Fatalf("expected b available after losing its predecessor")
	}
}

func TestDeleteTaskSplicesGraph(t *testing.T) {
	env := newTestEnv(t)
	_, v := env.newChain(t)
	a, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "a", ActorID: "tester"})
	b, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "b", PredecessorIDs: []string{a.ID}, ActorID: "tester"})
	c, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "c", PredecessorIDs: []string{b.ID}, ActorID: "tester"})
	if err := env.Engine.DeleteTask(env.Ctx, b.ID, "tester"); err != nil {
		t.Fatalf("delete b: %v", err)
	}
	c, _ = env.Engine.Repo.GetTask(env.Ctx, c.ID)
	if len(c.Predecessors) != 1 || c.Predecessors[0] != a.ID {
		t.Fatalf("expected c spliced onto a, got %v", c.Predecessors)
	}
}

func TestDeleteTaskWithAssignmentsForbidden(t *testing.T) {
	env := newTestEnv(t)
	_, v := env.newChain(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "busy", ActorID: "tester"})
	if _, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{TaskID: task.ID, CollaboratorID: "alice", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	err := env.Engine.DeleteTask(env.Ctx, task.ID, "tester")
	if kindOf(t, err) != engine.KindTaskHasAssignments {
		t.Fatalf("expected assignment guard, got %v", err)
	}
}

func TestManualEndValidatedAgainstGraph(t *testing.T) {
	env := newTestEnv(t)
	_, v := env.newChain(t)
	a, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "a", ActorID: "tester"})
	b, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "b", PredecessorIDs: []string{a.ID}, ActorID: "tester"})
	// b cannot end while a is still open
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: b.ID, EndDate: atp(5), ActorID: "tester"})
	if kindOf(t, err) != engine.KindPredecessorNotCompleted {
		t.Fatalf("expected predecessor guard, got %v", err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, EndDate: atp(6), ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	// b cannot end before a did
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: b.ID, EndDate: atp(5), ActorID: "tester"})
	if kindOf(t, err) != engine.KindPredecessorNotCompleted {
		t.Fatalf("expected ordering guard, got %v", err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: b.ID, EndDate: atp(7), ActorID: "tester"}); err != nil {
		t.Fatalf("expected b to end after a: %v", err)
	}
}

func TestEdgeEditsRefreshSuccessorAvailability(t *testing.T) {
	env := newTestEnv(t)
	_, v := env.newChain(t)
	a, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "a", ActorID: "tester"})
	b, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "b", PredecessorIDs: []string{a.ID}, ActorID: "tester"})
	if b.AvailableDate != nil {
		t.Fatalf("task behind an open predecessor must not be available")
	}
	// dropping the edge from a's side frees b immediately
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, RemoveSuccessors: []string{b.ID}, ActorID: "tester"}); err != nil {
		t.Fatalf("remove successor: %v", err)
	}
	b, _ = env.Engine.Repo.GetTask(env.Ctx, b.ID)
	if len(b.Predecessors) != 0 {
		t.Fatalf("expected edge removed, got %v", b.Predecessors)
	}
	if b.AvailableDate == nil || !b.AvailableDate.Equal(base) {
		t.Fatalf("expected b available after losing its predecessor, got %v", b.AvailableDate)
	}
	// re-adding it from a's side revokes the availability again
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, AddSuccessors: []string{b.ID}, ActorID: "tester"}); err != nil {
		t.Fatalf("add successor: %v", err)
	}
	b, _ = env.Engine.Repo.GetTask(env.Ctx, b.ID)
	if b.AvailableDate != nil {
		t.Fatalf("expected availability revoked behind open predecessor, got %v", b.AvailableDate)
	}
}

func TestReopenBlockedByStartedSuccessor(t *testing.T) {
	env := newTestEnv(t)
	_, v := env.newChain(t)
	a, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "a", ActorID: "tester"})
	b, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "b", PredecessorIDs: []string{a.ID}, ActorID: "tester"})
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, StartDate: atp(1), EndDate: atp(2), ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: b.ID, StartDate: atp(3), ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, ClearEndDate: true, ActorID: "tester"})
	if kindOf(t, err) != engine.KindSuccessorAlreadyStarted {
		t.Fatalf("expected reopen rejection, got %v", err)
	}
	// a's end survives the rejected reopen
	a, _ = env.Engine.Repo.GetTask(env.Ctx, a.ID)
	if a.EndDate == nil || !a.EndDate.Equal(at(2)) {
		t.Fatalf("expected a's end untouched, got %v", a.EndDate)
	}
}

func TestEventsAppendedOnMutations(t *testing.T) {
	env := newTestEnv(t)
	_, v := env.newChain(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "evented", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, EndDate: atp(1), ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "org-1", "", "task", task.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(evts) < 2 {
		t.Fatalf("expected create and update events, got %d", len(evts))
	}
}
