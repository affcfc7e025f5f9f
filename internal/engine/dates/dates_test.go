package dates_test

import (
	"testing"
	"time"

	"tempoline/internal/engine/dates"
)

func ts(day int) *time.Time {
	t := time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestDiffMode(t *testing.T) {
	snap := dates.Capture(ts(1), ts(2), ts(3), "parent-1")

	d := snap.Diff(ts(1), ts(2), ts(3), "parent-1")
	if d.Changed() || d.Mode() != dates.ModeNone {
		t.Fatalf("expected no change, got %+v mode %s", d, d.Mode())
	}

	d = snap.Diff(ts(1), ts(2), ts(5), "parent-1")
	if !d.EndChanged || d.Mode() != dates.ModeEnd {
		t.Fatalf("expected end mode, got %s", d.Mode())
	}

	d = snap.Diff(ts(4), ts(2), ts(3), "parent-1")
	if d.Mode() != dates.ModeAvailable {
		t.Fatalf("expected available mode, got %s", d.Mode())
	}

	d = snap.Diff(ts(4), ts(5), ts(3), "parent-1")
	if d.Mode() != dates.ModeFull {
		t.Fatalf("expected full mode, got %s", d.Mode())
	}

	d = snap.Diff(ts(1), ts(2), ts(3), "parent-2")
	if !d.ParentChanged || d.Changed() {
		t.Fatalf("expected parent-only change, got %+v", d)
	}
}

func TestDiffNilHandling(t *testing.T) {
	snap := dates.Capture(nil, nil, ts(3), "")
	d := snap.Diff(nil, nil, nil, "")
	if !d.EndChanged || d.AvailableChanged || d.StartChanged {
		t.Fatalf("expected only end changed, got %+v", d)
	}
}

func TestAggregateStartIsMinimum(t *testing.T) {
	children := []dates.Item{
		{Start: ts(10)},
		{Start: ts(5)},
		{},
	}
	got := dates.AggregateStart(children)
	if got == nil || !got.Equal(*ts(5)) {
		t.Fatalf("expected start 2024-01-05, got %v", got)
	}
	if dates.AggregateStart([]dates.Item{{}, {}}) != nil {
		t.Fatalf("expected nil start when no child started")
	}
}

func TestAggregateEndRequiresAllEnded(t *testing.T) {
	open := []dates.Item{{End: ts(5)}, {End: nil}}
	if dates.AggregateEnd(open) != nil {
		t.Fatalf("parent must not end while a child is open")
	}
	closed := []dates.Item{{End: ts(5)}, {End: ts(10)}}
	got := dates.AggregateEnd(closed)
	if got == nil || !got.Equal(*ts(10)) {
		t.Fatalf("expected end 2024-01-10, got %v", got)
	}
	if dates.AggregateEnd(nil) != nil {
		t.Fatalf("expected nil end without children")
	}
}

func TestAggregateAvailableIsMinimum(t *testing.T) {
	children := []dates.Item{{Available: ts(7)}, {Available: ts(3)}, {}}
	got := dates.AggregateAvailable(children)
	if got == nil || !got.Equal(*ts(3)) {
		t.Fatalf("expected available 2024-01-03, got %v", got)
	}
}

func TestAvailableFromPredecessors(t *testing.T) {
	own := ts(1)
	if got := dates.AvailableFromPredecessors(nil, own); got == nil || !got.Equal(*own) {
		t.Fatalf("no predecessors should keep own value, got %v", got)
	}
	preds := []dates.Item{{End: ts(5)}, {End: nil}}
	if dates.AvailableFromPredecessors(preds, own) != nil {
		t.Fatalf("open predecessor must suppress availability")
	}
	preds = []dates.Item{{End: ts(5)}, {End: ts(10)}}
	got := dates.AvailableFromPredecessors(preds, own)
	if got == nil || !got.Equal(*ts(10)) {
		t.Fatalf("expected max predecessor end, got %v", got)
	}
}

func TestAggregateIdempotent(t *testing.T) {
	children := []dates.Item{{Available: ts(2), Start: ts(3), End: ts(9)}, {Available: ts(4), Start: ts(5), End: ts(6)}}
	a1, s1, e1 := dates.Aggregate(children)
	a2, s2, e2 := dates.Aggregate(children)
	if !dates.Equal(a1, a2) || !dates.Equal(s1, s2) || !dates.Equal(e1, e2) {
		t.Fatalf("aggregate not stable across runs")
	}
	snap := dates.Capture(a1, s1, e1, "")
	if snap.Diff(a2, s2, e2, "").Changed() {
		t.Fatalf("recompute without change must report none")
	}
}
