package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BuzzLyutic/shadowflow/internal/model"
)

// MemoryRepo keeps everything in process. Used for development and tests.
type MemoryRepo struct {
	mu    sync.RWMutex
	tasks map[string]model.Task
	users map[string]model.User
	now   func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		tasks: make(map[string]model.Task),
		users: make(map[string]model.User),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepo) List(ctx context.Context, userID string, filter model.Filter) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.Task, 0)
	for _, t := range r.tasks {
		if t.UserID == userID && filter.Match(t) {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Newer(tasks[j]) })
	return tasks, nil
}

func (r *MemoryRepo) Get(ctx context.Context, userID, id string) (model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok || t.UserID != userID {
		return model.Task{}, ErrorNotFound
	}
	return t, nil
}

func (r *MemoryRepo) Create(ctx context.Context, t model.Task) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if _, ok := r.tasks[t.ID]; ok {
		return model.Task{}, ErrorConflict
	}
	now := r.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	r.tasks[t.ID] = t
	return t, nil
}

func (r *MemoryRepo) Update(ctx context.Context, userID, id string, patch model.TaskPatch) (model.Task, model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.tasks[id]
	if !ok || old.UserID != userID {
		return model.Task{}, model.Task{}, ErrorNotFound
	}
	updated := old
	if patch.Title != nil {
		updated.Title = *patch.Title
	}
	if patch.IsCompleted != nil {
		updated.IsCompleted = *patch.IsCompleted
	}
	updated.UpdatedAt = r.now()
	r.tasks[id] = updated
	return old, updated, nil
}

func (r *MemoryRepo) Delete(ctx context.Context, userID, id string) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.tasks[id]
	if !ok || old.UserID != userID {
		return model.Task{}, ErrorNotFound
	}
	delete(r.tasks, id)
	return old, nil
}

func (r *MemoryRepo) Enrich(ctx context.Context, userID, id string, title, description *string) (model.Task, model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.tasks[id]
	if !ok || (userID != "" && old.UserID != userID) {
		return model.Task{}, model.Task{}, ErrorNotFound
	}
	updated := old
	updated.TitleEnriched = title
	updated.DescriptionEnriched = description
	updated.UpdatedAt = r.now()
	r.tasks[id] = updated
	return old, updated, nil
}

func (r *MemoryRepo) GetUser(ctx context.Context, id string) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return model.User{}, ErrorNotFound
	}
	return u, nil
}

func (r *MemoryRepo) FindUserByTelegramID(ctx context.Context, telegramID string) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if telegramID != "" && u.TelegramID == telegramID {
			return u, nil
		}
	}
	return model.User{}, ErrorNotFound
}

func (r *MemoryRepo) SaveUser(ctx context.Context, u model.User) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, other := range r.users {
		if other.ID != u.ID && u.TelegramID != "" && other.TelegramID == u.TelegramID {
			return model.User{}, ErrorConflict
		}
	}
	now := r.now()
	if prev, ok := r.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	r.users[u.ID] = u
	return u, nil
}
