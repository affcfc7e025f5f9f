package engine

import "fmt"

// Validation error kinds surfaced to callers. The HTTP layer maps these to the
// error envelope codes; none are retried.
const (
	KindCircularDependency      = "circular_dependency"
	KindPredecessorNotCompleted = "predecessor_not_completed"
	KindSuccessorAlreadyStarted = "successor_already_started"
	KindTrackerOverlap          = "tracker_overlap"
	KindTrackerTooLong          = "tracker_too_long"
	KindTrackerInvalidInterval  = "tracker_invalid_interval"
	KindTrackerOutOfOrder       = "tracker_out_of_order"
	KindTrackerClosed           = "tracker_closed"
	KindOpenTrackerForbidden    = "open_tracker_forbidden"
	KindAssignmentClosed        = "assignment_closed"
	KindTaskEnded               = "task_ended"
	KindTaskHasAssignments      = "task_has_assignments"
	KindHierarchyDepth          = "hierarchy_depth"
)

// ValidationError is a user-correctable rejection with a machine-readable kind.
type ValidationError struct {
	Kind    string
	Message string
}

func (e ValidationError) Error() string { return e.Message }

func validationf(kind, format string, args ...any) ValidationError {
	return ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
