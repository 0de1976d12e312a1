package model

// EventKind is the row-level operation a change event describes.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventInsert, EventUpdate, EventDelete:
		return true
	}
	return false
}

// ChangeEvent is one entry of the change feed. Insert and update carry New;
// delete carries Old (at least its id). Update may carry Old when the
// producer knows the previous row.
type ChangeEvent struct {
	Kind EventKind `json:"eventType"`
	New  *Task     `json:"new,omitempty"`
	Old  *Task     `json:"old,omitempty"`
}

// TaskID returns the id of the row the event is about.
func (e ChangeEvent) TaskID() string {
	if e.New != nil && e.New.ID != "" {
		return e.New.ID
	}
	if e.Old != nil {
		return e.Old.ID
	}
	return ""
}

// UserID returns the owner of the row the event is about.
func (e ChangeEvent) UserID() string {
	if e.New != nil && e.New.UserID != "" {
		return e.New.UserID
	}
	if e.Old != nil {
		return e.Old.UserID
	}
	return ""
}
