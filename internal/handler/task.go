package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/shadowflow/internal/model"
	"github.com/BuzzLyutic/shadowflow/internal/realtime"
	"github.com/BuzzLyutic/shadowflow/internal/repo"
	"github.com/BuzzLyutic/shadowflow/internal/service"
	"github.com/BuzzLyutic/shadowflow/pkg/respond"
)

const DefaultHeartbeat = 15 * time.Second

// ChangeFeed hands out per-user change subscriptions. *realtime.Hub implements it.
type ChangeFeed interface {
	Subscribe(userID string) *realtime.Subscription
}

type TaskHandler struct {
	service   *service.TaskService
	feed      ChangeFeed
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewTaskHandler(srv *service.TaskService, feed ChangeFeed, heartbeat time.Duration, logger *zap.Logger) *TaskHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &TaskHandler{
		service:   srv,
		feed:      feed,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// Routes mounts the API on r.
func (h *TaskHandler) Routes(r chi.Router, tokens TokenVerifier, internalKey string) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireUser(tokens, h.logger))
		r.Get("/tasks", h.List)
		r.Post("/tasks", h.Create)
		r.Get("/tasks/changes", h.Changes)
		r.Put("/tasks/{id}", h.Update)
		r.Delete("/tasks/{id}", h.Delete)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireInternalKey(internalKey))
		r.Post("/tasks/telegram", h.CreateFromBot)
		r.Post("/enrichment/callback", h.EnrichmentCallback)
		r.Get("/users/telegram/{telegram_id}", h.UserByTelegramID)
	})
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := model.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		respond.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}

	tasks, err := h.service.List(r.Context(), UserID(r.Context()), filter)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, tasks)
}

func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTaskRequest
	if !h.decode(w, r, &req) {
		return
	}

	task, err := h.service.Create(r.Context(), UserID(r.Context()), req.Title)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/tasks/%s", task.ID))
	respond.JSON(w, r, http.StatusCreated, task)
}

func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch model.TaskPatch
	if !h.decode(w, r, &patch) {
		return
	}

	task, err := h.service.Update(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, task)
}

func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, model.DeleteResponse{Success: true})
}

// Changes streams the caller's row changes as server-sent events until the
// client leaves or falls too far behind.
func (h *TaskHandler) Changes(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	// подписываемся до ответа, чтобы не потерять изменения между ними
	sub := h.feed.Subscribe(userID)
	defer sub.Close()

	// поток живет дольше WriteTimeout сервера
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	stream, err := respond.NewStream(w)
	if err != nil {
		h.logger.Error("change feed", zap.Error(err))
		respond.Error(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	h.logger.Debug("change feed opened", zap.String("user_id", userID))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			h.logger.Info("change feed closed by server", zap.String("user_id", userID))
			return
		case ev := <-sub.Events():
			if err := stream.Event(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := stream.Comment("heartbeat"); err != nil {
				return
			}
		}
	}
}

func (h *TaskHandler) CreateFromBot(w http.ResponseWriter, r *http.Request) {
	var req model.BotTaskRequest
	if !h.decode(w, r, &req) {
		return
	}

	task, err := h.service.CreateFromBot(r.Context(), req)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusCreated, task)
}

func (h *TaskHandler) EnrichmentCallback(w http.ResponseWriter, r *http.Request) {
	var cb model.EnrichmentCallback
	if !h.decode(w, r, &cb) {
		return
	}

	res, err := h.service.CompleteEnrichment(r.Context(), cb)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, res)
}

func (h *TaskHandler) UserByTelegramID(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.UserByTelegramID(r.Context(), chi.URLParam(r, "telegram_id"))
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, user)
}

func (h *TaskHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		respond.Error(w, r, http.StatusBadRequest, "empty request body")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debug("failed to decode json", zap.Error(err))
		respond.Error(w, r, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return false
	}
	return true
}

func (h *TaskHandler) handleErrors(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrorNotFound):
		respond.Error(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrUserNotFound):
		respond.Error(w, r, http.StatusNotFound, "user not found with this telegram id")
	case errors.Is(err, repo.ErrorConflict):
		respond.Error(w, r, http.StatusConflict, "conflict")
	case errors.Is(err, service.ErrValidation):
		respond.Error(w, r, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("internal error", zap.Error(err))
		respond.Error(w, r, http.StatusInternalServerError, "internal error")
	}
}
