package repo

import (
	"context"

	"github.com/BuzzLyutic/shadowflow/internal/model"
)

// TaskRepository stores tasks scoped to their owner. Mutations return the row
// as it was before the change so callers can publish change events.
type TaskRepository interface {
	List(ctx context.Context, userID string, filter model.Filter) ([]model.Task, error)
	Get(ctx context.Context, userID, id string) (model.Task, error)
	Create(ctx context.Context, t model.Task) (model.Task, error)
	Update(ctx context.Context, userID, id string, patch model.TaskPatch) (old, updated model.Task, err error)
	Delete(ctx context.Context, userID, id string) (model.Task, error)
	// Enrich stores enrichment output; an empty userID matches any owner.
	Enrich(ctx context.Context, userID, id string, title, description *string) (old, updated model.Task, err error)
}

// UserRepository resolves accounts for the bot integration.
type UserRepository interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	FindUserByTelegramID(ctx context.Context, telegramID string) (model.User, error)
	SaveUser(ctx context.Context, u model.User) (model.User, error)
}

type Repository interface {
	TaskRepository
	UserRepository
}
