package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/shadowflow/internal/model"
	"github.com/BuzzLyutic/shadowflow/internal/realtime"
	"github.com/BuzzLyutic/shadowflow/internal/repo"
	"github.com/BuzzLyutic/shadowflow/internal/worker"
)

const MaxTitleLength = 200

const SourceTelegram = "telegram"

var (
	ErrValidation   = errors.New("validation error")
	ErrUserNotFound = errors.New("user not found")
)

// Dispatcher queues outbound webhooks. *worker.Pool implements it.
type Dispatcher interface {
	Enqueue(job worker.Job) bool
}

type Webhooks struct {
	EnrichmentURL     string
	NotifyURL         string
	EnrichDoneMessage string
}

type TaskService struct {
	repo     repo.Repository
	changes  realtime.Publisher
	dispatch Dispatcher
	hooks    Webhooks
	logger   *zap.Logger
	locks    taskLocks
}

func NewTaskService(r repo.Repository, changes realtime.Publisher, dispatch Dispatcher, hooks Webhooks, logger *zap.Logger) *TaskService {
	return &TaskService{
		repo:     r,
		changes:  changes,
		dispatch: dispatch,
		hooks:    hooks,
		logger:   logger,
	}
}

func (s *TaskService) List(ctx context.Context, userID string, filter model.Filter) ([]model.Task, error) {
	return s.repo.List(ctx, userID, filter)
}

func (s *TaskService) Create(ctx context.Context, userID, title string) (model.Task, error) {
	return s.create(ctx, userID, title, "")
}

// CreateFromBot creates a task for the account linked to telegramID.
func (s *TaskService) CreateFromBot(ctx context.Context, req model.BotTaskRequest) (model.Task, error) {
	if _, err := validateTitle(req.Title); err != nil {
		return model.Task{}, err
	}
	if strings.TrimSpace(req.TelegramID) == "" {
		return model.Task{}, fmt.Errorf("%w: telegram id is required", ErrValidation)
	}

	user, err := s.repo.FindUserByTelegramID(ctx, req.TelegramID)
	if errors.Is(err, repo.ErrorNotFound) {
		return model.Task{}, ErrUserNotFound
	}
	if err != nil {
		return model.Task{}, err
	}
	return s.create(ctx, user.ID, req.Title, SourceTelegram)
}

func (s *TaskService) create(ctx context.Context, userID, title, source string) (model.Task, error) {
	title, err := validateTitle(title)
	if err != nil {
		return model.Task{}, err
	}

	// id выдаем заранее, чтобы INSERT ушел подписчикам раньше любого UPDATE
	id := uuid.NewString()
	unlock := s.locks.lock(id)
	task, err := s.repo.Create(ctx, model.Task{ID: id, UserID: userID, Title: title})
	if err != nil {
		unlock()
		return task, err
	}
	s.publish(ctx, model.ChangeEvent{Kind: model.EventInsert, New: &task})
	unlock()

	// Запускаем обогащение задачи, ответ не ждем
	s.enqueue(worker.Job{
		Kind: "enrichment",
		URL:  s.hooks.EnrichmentURL,
		Payload: model.EnrichmentRequest{
			TaskID: task.ID,
			Title:  task.Title,
			UserID: userID,
			Source: source,
		},
	})
	return task, nil
}

func (s *TaskService) Update(ctx context.Context, userID, id string, patch model.TaskPatch) (model.Task, error) {
	if patch.Title == nil && patch.IsCompleted == nil {
		return model.Task{}, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	if patch.Title != nil {
		title, err := validateTitle(*patch.Title)
		if err != nil {
			return model.Task{}, err
		}
		patch.Title = &title
	}

	defer s.locks.lock(id)()
	old, updated, err := s.repo.Update(ctx, userID, id, patch)
	if err != nil {
		return updated, err
	}
	s.publish(ctx, model.ChangeEvent{Kind: model.EventUpdate, Old: &old, New: &updated})
	return updated, nil
}

func (s *TaskService) Delete(ctx context.Context, userID, id string) error {
	defer s.locks.lock(id)()
	old, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return err
	}
	s.publish(ctx, model.ChangeEvent{Kind: model.EventDelete, Old: &old})
	return nil
}

// CompleteEnrichment stores the output of the enrichment workflow and lets
// the owner's bot account know about it.
func (s *TaskService) CompleteEnrichment(ctx context.Context, cb model.EnrichmentCallback) (model.EnrichmentResult, error) {
	if strings.TrimSpace(cb.TaskID) == "" {
		return model.EnrichmentResult{}, fmt.Errorf("%w: task id is required", ErrValidation)
	}
	title, description := nullable(cb.TitleEnriched), nullable(cb.DescriptionEnriched)

	unlock := s.locks.lock(cb.TaskID)
	old, updated, err := s.repo.Enrich(ctx, cb.UserID, cb.TaskID, title, description)
	if err != nil {
		unlock()
		return model.EnrichmentResult{}, err
	}
	s.publish(ctx, model.ChangeEvent{Kind: model.EventUpdate, Old: &old, New: &updated})
	unlock()
	s.logger.Info("task enriched", zap.String("task_id", updated.ID))

	owner, err := s.repo.GetUser(ctx, updated.UserID)
	switch {
	case errors.Is(err, repo.ErrorNotFound) || (err == nil && owner.TelegramID == ""):
		s.logger.Info("no bot account linked, skipping notification", zap.String("user_id", updated.UserID))
	case err != nil:
		s.logger.Error("load task owner", zap.String("user_id", updated.UserID), zap.Error(err))
	default:
		s.enqueue(worker.Job{
			Kind: "notify",
			URL:  s.hooks.NotifyURL,
			Payload: model.BotNotification{
				TelegramID:          owner.TelegramID,
				Email:               owner.Email,
				Action:              model.ActionEnrichmentCompleted,
				TaskID:              updated.ID,
				TaskTitle:           updated.Title,
				TitleEnriched:       updated.TitleEnriched,
				DescriptionEnriched: updated.DescriptionEnriched,
				Message:             s.hooks.EnrichDoneMessage,
			},
		})
	}

	return model.EnrichmentResult{
		Success:             true,
		Message:             "Task enriched successfully",
		TaskID:              updated.ID,
		TitleEnriched:       updated.TitleEnriched,
		DescriptionEnriched: updated.DescriptionEnriched,
	}, nil
}

// UserByTelegramID returns the linked account or an inactive zero user.
func (s *TaskService) UserByTelegramID(ctx context.Context, telegramID string) (model.User, error) {
	if strings.TrimSpace(telegramID) == "" {
		return model.User{}, fmt.Errorf("%w: telegram id is required", ErrValidation)
	}
	u, err := s.repo.FindUserByTelegramID(ctx, telegramID)
	if errors.Is(err, repo.ErrorNotFound) {
		return model.User{}, nil
	}
	return u, err
}

// publish runs after the commit while the task's lock is held; a lost event
// is repaired by the client's next resync, so it never fails the request.
func (s *TaskService) publish(ctx context.Context, ev model.ChangeEvent) {
	if err := s.changes.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error("publish change",
			zap.String("event", string(ev.Kind)),
			zap.String("task_id", ev.TaskID()),
			zap.Error(err),
		)
	}
}

func (s *TaskService) enqueue(job worker.Job) {
	if job.URL == "" {
		return
	}
	if !s.dispatch.Enqueue(job) {
		s.logger.Warn("webhook not queued", zap.String("kind", job.Kind))
	}
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("%w: task title is required", ErrValidation)
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", fmt.Errorf("%w: task title must be at most %d characters", ErrValidation, MaxTitleLength)
	}
	return title, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
