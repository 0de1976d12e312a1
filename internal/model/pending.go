package model

// PendingOp marks an in-flight local mutation of a task. It only exists
// while the request is outstanding and is never persisted.
type PendingOp string

const (
	OpCompleting PendingOp = "completing"
	OpDeleting   PendingOp = "deleting"
	OpUpdating   PendingOp = "updating"
)

// PendingSet holds the flags currently set for one task.
type PendingSet map[PendingOp]struct{}

func (s PendingSet) Has(op PendingOp) bool {
	_, ok := s[op]
	return ok
}

// Busy reports whether any flag is set; the UI disables every control of the task then.
func (s PendingSet) Busy() bool {
	return len(s) > 0
}
