// Package gateway issues task mutations to the API on behalf of one view,
// applying them optimistically through the reconciler and rolling back by
// resync when the server disagrees.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/shadowflow/internal/apiclient"
	"github.com/BuzzLyutic/shadowflow/internal/model"
	"github.com/BuzzLyutic/shadowflow/internal/reconcile"
	"github.com/BuzzLyutic/shadowflow/internal/session"
)

const MaxTitleLength = 200

var ErrOperationPending = reconcile.ErrOperationPending

// API is the part of the task API the gateway needs.
type API interface {
	ListTasks(ctx context.Context, token string, f model.Filter) ([]model.Task, error)
	CreateTask(ctx context.Context, token, title string) (model.Task, error)
	UpdateTask(ctx context.Context, token, id string, patch model.TaskPatch) (model.Task, error)
	DeleteTask(ctx context.Context, token, id string) error
}

// Fetcher loads the source of truth for the reconciler with the session's token.
type Fetcher struct {
	api  API
	sess *session.Session
}

func NewFetcher(api API, sess *session.Session) *Fetcher {
	return &Fetcher{api: api, sess: sess}
}

func (f *Fetcher) Fetch(ctx context.Context, filter model.Filter) ([]model.Task, error) {
	token, err := accessToken(ctx, f.sess)
	if err != nil {
		return nil, err
	}
	return f.api.ListTasks(ctx, token, filter)
}

type Gateway struct {
	api    API
	sess   *session.Session
	rec    *reconcile.Reconciler
	logger *zap.Logger
}

func New(api API, sess *session.Session, rec *reconcile.Reconciler, logger *zap.Logger) *Gateway {
	return &Gateway{
		api:    api,
		sess:   sess,
		rec:    rec,
		logger: logger,
	}
}

// Create blocks until the server assigned an id, then shows the task.
// Nothing is inserted before that, so there is no placeholder to reconcile
// with the feed's insert event.
func (g *Gateway) Create(ctx context.Context, title string) (model.Task, error) {
	title, err := ValidateTitle(title)
	if err != nil {
		return model.Task{}, err
	}
	token, err := accessToken(ctx, g.sess)
	if err != nil {
		return model.Task{}, err
	}

	t, err := g.api.CreateTask(context.WithoutCancel(ctx), token, title)
	if err != nil {
		g.logger.Warn("create task failed", zap.Error(err))
		// the task may exist even though the answer was lost
		if !errors.Is(err, apiclient.ErrValidation) && !errors.Is(err, apiclient.ErrUnauthorized) {
			if syncErr := g.rec.Resync(context.WithoutCancel(ctx)); syncErr != nil {
				g.logger.Error("resync after failed create", zap.Error(syncErr))
			}
		}
		return model.Task{}, fmt.Errorf("create task: %w", err)
	}

	if err := g.rec.Insert(context.WithoutCancel(ctx), t); err != nil {
		return t, err
	}
	g.logger.Info("task created", zap.String("task_id", t.ID))
	return t, nil
}

func (g *Gateway) Rename(ctx context.Context, id, title string) error {
	title, err := ValidateTitle(title)
	if err != nil {
		return err
	}
	token, err := accessToken(ctx, g.sess)
	if err != nil {
		return err
	}
	if err := g.rec.BeginRename(ctx, id, title); err != nil {
		return err
	}

	_, err = g.api.UpdateTask(context.WithoutCancel(ctx), token, id, model.TaskPatch{Title: &title})
	return g.finish(ctx, id, model.OpUpdating, err)
}

func (g *Gateway) SetCompleted(ctx context.Context, id string, completed bool) error {
	token, err := accessToken(ctx, g.sess)
	if err != nil {
		return err
	}
	if err := g.rec.BeginSetCompleted(ctx, id, completed); err != nil {
		return err
	}

	_, err = g.api.UpdateTask(context.WithoutCancel(ctx), token, id, model.TaskPatch{IsCompleted: &completed})
	return g.finish(ctx, id, model.OpCompleting, err)
}

// Toggle flips the completion state of a task currently in the view.
func (g *Gateway) Toggle(ctx context.Context, id string) error {
	t, ok := g.rec.Snapshot().Find(id)
	if !ok {
		return fmt.Errorf("%w: task %s is not in the view", apiclient.ErrNotFound, id)
	}
	return g.SetCompleted(ctx, id, !t.IsCompleted)
}

func (g *Gateway) Delete(ctx context.Context, id string) error {
	token, err := accessToken(ctx, g.sess)
	if err != nil {
		return err
	}
	if err := g.rec.BeginDelete(ctx, id); err != nil {
		return err
	}

	err = g.api.DeleteTask(context.WithoutCancel(ctx), token, id)
	return g.finish(ctx, id, model.OpDeleting, err)
}

// finish clears the pending flag and, on failure, brings the store back in
// line with the server: a missing task is dropped, a rejected session marks
// the view stale, anything else triggers a full resync.
func (g *Gateway) finish(ctx context.Context, id string, op model.PendingOp, err error) error {
	ctx = context.WithoutCancel(ctx)
	if endErr := g.rec.End(ctx, id, op); endErr != nil {
		g.logger.Error("clear pending flag", zap.String("task_id", id), zap.Error(endErr))
	}
	if err == nil {
		return nil
	}

	g.logger.Warn("task mutation failed",
		zap.String("task_id", id),
		zap.String("op", string(op)),
		zap.Error(err),
	)

	switch {
	case errors.Is(err, apiclient.ErrNotFound):
		if rmErr := g.rec.Remove(ctx, id); rmErr != nil {
			g.logger.Error("remove vanished task", zap.String("task_id", id), zap.Error(rmErr))
		}
	case errors.Is(err, apiclient.ErrUnauthorized):
		if staleErr := g.rec.MarkStale(ctx); staleErr != nil {
			g.logger.Error("mark view stale", zap.Error(staleErr))
		}
	default:
		if syncErr := g.rec.Resync(ctx); syncErr != nil {
			g.logger.Error("resync after failed mutation", zap.Error(syncErr))
		}
	}
	return fmt.Errorf("%s task %s: %w", op, id, err)
}

// ValidateTitle trims the title and checks it is between 1 and
// MaxTitleLength characters.
func ValidateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("%w: task title is required", apiclient.ErrValidation)
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", fmt.Errorf("%w: task title is too long", apiclient.ErrValidation)
	}
	return title, nil
}

func accessToken(ctx context.Context, sess *session.Session) (string, error) {
	token, err := sess.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apiclient.ErrUnauthorized, err)
	}
	return token, nil
}
