package reconcile

import "github.com/BuzzLyutic/shadowflow/internal/model"

// Snapshot is an immutable copy of what the view renders: the store
// projected through the active filter, plus per-task pending flags.
type Snapshot struct {
	Filter  model.Filter
	Tasks   []model.Task
	Pending map[string]model.PendingSet
	Loading bool
	// Stale is set while the change feed is down or the session was
	// rejected; the tasks may lag the server.
	Stale bool
	// Err is the error of the last failed resync, cleared by a successful one.
	Err error
}

func (s Snapshot) PendingFor(id string) model.PendingSet {
	return s.Pending[id]
}

func (s Snapshot) Find(id string) (model.Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return model.Task{}, false
}
