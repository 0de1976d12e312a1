package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/shadowflow/internal/auth"
	"github.com/BuzzLyutic/shadowflow/internal/handler"
	"github.com/BuzzLyutic/shadowflow/internal/realtime"
	"github.com/BuzzLyutic/shadowflow/internal/repo"
	"github.com/BuzzLyutic/shadowflow/internal/service"
	"github.com/BuzzLyutic/shadowflow/internal/worker"
)

const (
	JWTSecret         = "test-secret"
	InternalKey       = "test-internal-key"
	EnrichDoneMessage = "Your task has been enriched"
)

// APIServer is the real router with its hub, webhook pool and repository.
type APIServer struct {
	*httptest.Server
	Repo   repo.Repository
	Hub    *realtime.Hub
	Issuer *auth.Issuer
	Hooks  *WebhookRecorder
}

// NewAPIServer starts an API server over the in-memory repository that lives
// until the test ends. Webhooks are delivered to a recorder.
func NewAPIServer(t *testing.T) *APIServer {
	t.Helper()
	return NewAPIServerWithRepo(t, repo.NewMemoryRepo())
}

func NewAPIServerWithRepo(t *testing.T, store repo.Repository) *APIServer {
	t.Helper()
	logger := zap.NewNop()

	hooks := newWebhookRecorder(t)
	hub := realtime.NewHub(logger, realtime.DefaultBuffer)
	pool := worker.NewPool(hooks.Client(), logger, 2,
		worker.WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} }))
	pool.Start(context.Background())

	svc := service.NewTaskService(store, hub, pool, service.Webhooks{
		EnrichmentURL:     hooks.URL + "/enrich",
		NotifyURL:         hooks.URL + "/notify",
		EnrichDoneMessage: EnrichDoneMessage,
	}, logger)
	issuer := auth.NewIssuer(JWTSecret)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	handler.NewTaskHandler(svc, hub, time.Second, logger).Routes(r, issuer, InternalKey)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		pool.Stop()
	})

	return &APIServer{
		Server: srv,
		Repo:   store,
		Hub:    hub,
		Issuer: issuer,
		Hooks:  hooks,
	}
}

// Token returns a valid bearer token for userID.
func (s *APIServer) Token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.Issuer.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

// WebhookCall is one request received by the recorder.
type WebhookCall struct {
	Path string
	Body map[string]interface{}
}

type WebhookRecorder struct {
	*httptest.Server
	mu    sync.Mutex
	calls []WebhookCall
}

func newWebhookRecorder(t *testing.T) *WebhookRecorder {
	rec := &WebhookRecorder{}
	rec.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, WebhookCall{Path: r.URL.Path, Body: body})
		rec.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(rec.Server.Close)
	return rec
}

func (rec *WebhookRecorder) Calls() []WebhookCall {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]WebhookCall(nil), rec.calls...)
}

// Wait blocks until n calls to path arrived and returns them.
func (rec *WebhookRecorder) Wait(t *testing.T, path string, n int) []WebhookCall {
	t.Helper()
	var got []WebhookCall
	require.Eventually(t, func() bool {
		got = got[:0]
		for _, c := range rec.Calls() {
			if c.Path == path {
				got = append(got, c)
			}
		}
		return len(got) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return got
}
