// Package dates holds the pure date bookkeeping shared by every level of the
// product hierarchy: before/after snapshots with a minimal recompute mode, and
// the aggregation rules that derive a parent's available/start/end dates from
// its children.
package dates

import "time"

// Mode names the minimal recomputation a change requires.
type Mode string

const (
	ModeNone      Mode = "none"
	ModeAvailable Mode = "available"
	ModeStart     Mode = "start"
	ModeEnd       Mode = "end"
	ModeFull      Mode = "full"
)

// Snapshot captures an entity's derived dates before a mutation.
type Snapshot struct {
	Available *time.Time
	Start     *time.Time
	End       *time.Time
	ParentID  string
}

// Capture records the current derived dates of an entity.
func Capture(available, start, end *time.Time, parentID string) Snapshot {
	return Snapshot{Available: available, Start: start, End: end, ParentID: parentID}
}

// Diff reports which derived fields moved between a snapshot and the
// post-mutation values.
type Diff struct {
	AvailableChanged bool
	StartChanged     bool
	EndChanged       bool
	ParentChanged    bool
}

// Diff compares the snapshot against post-mutation values.
func (s Snapshot) Diff(available, start, end *time.Time, parentID string) Diff {
	return Diff{
		AvailableChanged: !Equal(s.Available, available),
		StartChanged:     !Equal(s.Start, start),
		EndChanged:       !Equal(s.End, end),
		ParentChanged:    s.ParentID != parentID,
	}
}

// Changed reports whether any of the three derived dates moved.
func (d Diff) Changed() bool {
	return d.AvailableChanged || d.StartChanged || d.EndChanged
}

// Mode returns the minimal recompute mode for the parent level: the single
// changed field's mode, ModeFull when more than one moved, ModeNone otherwise.
func (d Diff) Mode() Mode {
	n := 0
	mode := ModeNone
	if d.AvailableChanged {
		n++
		mode = ModeAvailable
	}
	if d.StartChanged {
		n++
		mode = ModeStart
	}
	if d.EndChanged {
		n++
		mode = ModeEnd
	}
	if n > 1 {
		return ModeFull
	}
	return mode
}

// Equal compares two nullable timestamps.
func Equal(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Item is one date-bearing child seen by the aggregator.
type Item struct {
	Available *time.Time
	Start     *time.Time
	End       *time.Time
}

// AggregateAvailable returns the minimum available date among children that
// have one, or nil if none do.
func AggregateAvailable(children []Item) *time.Time {
	var min *time.Time
	for _, c := range children {
		if c.Available == nil {
			continue
		}
		if min == nil || c.Available.Before(*min) {
			min = c.Available
		}
	}
	return copyTime(min)
}

// AggregateStart returns the minimum non-null start date, or nil if no child
// has started.
func AggregateStart(children []Item) *time.Time {
	var min *time.Time
	for _, c := range children {
		if c.Start == nil {
			continue
		}
		if min == nil || c.Start.Before(*min) {
			min = c.Start
		}
	}
	return copyTime(min)
}

// AggregateEnd returns the maximum end date iff every child has ended. While
// any child remains open the parent may not report completion.
func AggregateEnd(children []Item) *time.Time {
	if len(children) == 0 {
		return nil
	}
	var max *time.Time
	for _, c := range children {
		if c.End == nil {
			return nil
		}
		if max == nil || c.End.After(*max) {
			max = c.End
		}
	}
	return copyTime(max)
}

// Aggregate derives all three dates at once.
func Aggregate(children []Item) (available, start, end *time.Time) {
	return AggregateAvailable(children), AggregateStart(children), AggregateEnd(children)
}

// AvailableFromPredecessors applies the task-level availability rule: nil
// while any predecessor is still open, otherwise the latest predecessor end.
// A task with no predecessors keeps its own recorded value.
func AvailableFromPredecessors(predecessors []Item, own *time.Time) *time.Time {
	if len(predecessors) == 0 {
		return copyTime(own)
	}
	var max *time.Time
	for _, p := range predecessors {
		if p.End == nil {
			return nil
		}
		if max == nil || p.End.After(*max) {
			max = p.End
		}
	}
	return copyTime(max)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
