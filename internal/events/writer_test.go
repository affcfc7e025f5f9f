package events

import "testing"

func TestEntityKind(t *testing.T) {
	cases := []struct {
		evt  Type
		want string
	}{
		{OrgInitialized, "org"},
		{ProductUpdated, "product"},
		{ValueChainMoved, "value_chain"},
		{TaskDeleted, "task"},
		{AssignmentClosed, "assignment"},
		{TrackerStarted, "tracker"},
		{RecalcCompleted, "org"},
	}
	for _, c := range cases {
		if got := c.evt.EntityKind(); got != c.want {
			t.Errorf("%s: expected entity kind %q, got %q", c.evt, c.want, got)
		}
	}
}
