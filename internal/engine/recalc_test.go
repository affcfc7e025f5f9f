package engine_test

import (
	"testing"

	"tempoline/internal/engine"
)

func TestRecalculateRepairsDerivedDates(t *testing.T) {
	env := newTestEnv(t)
	p, v := env.newChain(t)
	a, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "a", ActorID: "tester"})
	b, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "b", PredecessorIDs: []string{a.ID}, ActorID: "tester"})
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, StartDate: atp(1), EndDate: atp(2), ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: b.ID, StartDate: atp(3), EndDate: atp(6), ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	// corrupt the stored chain dates behind the engine's back
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE value_chains SET start_date=NULL, end_date=NULL WHERE id=?`, v.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE products SET end_date=NULL WHERE id=?`, p.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := env.Engine.Recalculate(env.Ctx, engine.RecalcOptions{OrgID: "org-1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if stats.ValueChainsUpdated != 1 || stats.ProductsUpdated != 1 {
		t.Fatalf("expected one chain and one product repaired, got %+v", stats)
	}
	got, _ := env.Engine.Repo.GetValueChain(env.Ctx, v.ID)
	if got.StartDate == nil || !got.StartDate.Equal(at(1)) || got.EndDate == nil || !got.EndDate.Equal(at(6)) {
		t.Fatalf("chain dates not repaired: start=%v end=%v", got.StartDate, got.EndDate)
	}
	gp, _ := env.Engine.Repo.GetProduct(env.Ctx, p.ID)
	if gp.EndDate == nil || !gp.EndDate.Equal(at(6)) {
		t.Fatalf("product end not repaired: %v", gp.EndDate)
	}
}

func TestRecalculateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	_, v := env.newChain(t)
	a, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "a", ActorID: "tester"})
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v.ID, Name: "b", PredecessorIDs: []string{a.ID}, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Recalculate(env.Ctx, engine.RecalcOptions{OrgID: "org-1", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	stats, err := env.Engine.Recalculate(env.Ctx, engine.RecalcOptions{OrgID: "org-1", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if stats.TasksUpdated != 0 || stats.ValueChainsUpdated != 0 || stats.ProductsUpdated != 0 {
		t.Fatalf("second run must be a no-op, got %+v", stats)
	}
}

func TestRecalculateScopedToProduct(t *testing.T) {
	env := newTestEnv(t)
	p1, v1 := env.newChain(t)
	p2, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{Name: "other", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	v2, _ := env.Engine.CreateValueChain(env.Ctx, engine.ValueChainCreateOptions{ProductID: p2.ID, Name: "other-chain", ActorID: "tester"})
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v1.ID, Name: "a", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ValueChainID: v2.ID, Name: "x", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE value_chains SET available_date=NULL`); err != nil {
		t.Fatal(err)
	}
	stats, err := env.Engine.Recalculate(env.Ctx, engine.RecalcOptions{OrgID: "org-1", ProductID: p1.ID, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if stats.ValueChainsUpdated != 1 {
		t.Fatalf("expected only the scoped chain repaired, got %+v", stats)
	}
	other, _ := env.Engine.Repo.GetValueChain(env.Ctx, v2.ID)
	if other.AvailableDate != nil {
		t.Fatalf("chain outside the scope must stay untouched")
	}
}
