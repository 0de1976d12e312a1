// Package store holds the locally rendered tasks of one signed-in user.
package store

import (
	"sort"

	"github.com/BuzzLyutic/shadowflow/internal/model"
)

// Store is an ordered collection of tasks keyed by id, newest first.
// It is not safe for concurrent use: exactly one goroutine (the reconciler
// loop) owns it. Every operation is total.
type Store struct {
	tasks []model.Task
	index map[string]int
}

func New() *Store {
	return &Store{index: make(map[string]int)}
}

// ReplaceAll discards the current contents. Duplicate ids in the input
// collapse to the last occurrence.
func (s *Store) ReplaceAll(tasks []model.Task) {
	latest := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		latest[t.ID] = t
	}

	s.tasks = make([]model.Task, 0, len(latest))
	for _, t := range latest {
		s.tasks = append(s.tasks, t)
	}
	sort.Slice(s.tasks, func(i, j int) bool { return s.tasks[i].Newer(s.tasks[j]) })
	s.reindex(0)
}

// Upsert overwrites the task with the same id in place, or inserts it at the
// slot that keeps created_at descending order.
func (s *Store) Upsert(t model.Task) {
	if i, ok := s.index[t.ID]; ok {
		if s.tasks[i].CreatedAt.Equal(t.CreatedAt) {
			s.tasks[i] = t
			return
		}
		// created_at never changes server-side; a differing value means the
		// stored copy was wrong, so move the task to its proper slot.
		s.Remove(t.ID)
	}

	pos := sort.Search(len(s.tasks), func(i int) bool { return t.Newer(s.tasks[i]) })
	s.tasks = append(s.tasks, model.Task{})
	copy(s.tasks[pos+1:], s.tasks[pos:])
	s.tasks[pos] = t
	s.reindex(pos)
}

// Remove deletes the task if present.
func (s *Store) Remove(id string) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
	delete(s.index, id)
	s.reindex(i)
}

// Project returns a copy of the ordered subsequence matching f.
func (s *Store) Project(f model.Filter) []model.Task {
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) Get(id string) (model.Task, bool) {
	i, ok := s.index[id]
	if !ok {
		return model.Task{}, false
	}
	return s.tasks[i], true
}

func (s *Store) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *Store) Len() int {
	return len(s.tasks)
}

func (s *Store) reindex(from int) {
	if from == 0 {
		s.index = make(map[string]int, len(s.tasks))
	}
	for i := from; i < len(s.tasks); i++ {
		s.index[s.tasks[i].ID] = i
	}
}
