package model

import "fmt"

// Filter selects which tasks a view shows. It is process-local and never persisted.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterActive    Filter = "active"
	FilterCompleted Filter = "completed"
)

func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterActive:
		return FilterActive, nil
	case FilterCompleted:
		return FilterCompleted, nil
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

// Match is the membership predicate of the filter.
func (f Filter) Match(t Task) bool {
	switch f {
	case FilterActive:
		return !t.IsCompleted
	case FilterCompleted:
		return t.IsCompleted
	default:
		return true
	}
}

// Completed returns the is_completed value the filter pins, if any.
func (f Filter) Completed() (bool, bool) {
	switch f {
	case FilterActive:
		return false, true
	case FilterCompleted:
		return true, true
	}
	return false, false
}

// Next cycles all -> active -> completed -> all.
func (f Filter) Next() Filter {
	switch f {
	case FilterAll:
		return FilterActive
	case FilterActive:
		return FilterCompleted
	default:
		return FilterAll
	}
}

func (f Filter) Title() string {
	switch f {
	case FilterActive:
		return "Active Tasks"
	case FilterCompleted:
		return "Completed Tasks"
	default:
		return "All Tasks"
	}
}
