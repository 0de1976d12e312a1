package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BuzzLyutic/shadowflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func task(id string, minute int, done bool) model.Task {
	return model.Task{
		ID:          id,
		UserID:      "user-1",
		Title:       "Task " + id,
		IsCompleted: done,
		CreatedAt:   base.Add(time.Duration(minute) * time.Minute),
		UpdatedAt:   base.Add(time.Duration(minute) * time.Minute),
	}
}

func ptr[T any](v T) *T { return &v }

// fakeServer is the source of truth behind the fetcher.
type fakeServer struct {
	mu    sync.Mutex
	tasks []model.Task
	err   error
	calls int
	// gate, when set, blocks each fetch until a value is received
	gate chan struct{}
}

func (s *fakeServer) set(tasks ...model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = tasks
}

func (s *fakeServer) Fetch(ctx context.Context, f model.Filter) ([]model.Task, error) {
	s.mu.Lock()
	gate := s.gate
	var out []model.Task
	for _, t := range s.tasks {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	err := s.err
	s.calls++
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, err
}

type harness struct {
	t      *testing.T
	r      *Reconciler
	server *fakeServer
	events chan model.ChangeEvent
	ctx    context.Context
}

func newHarness(t *testing.T, filter model.Filter, seed ...model.Task) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	server := &fakeServer{}
	server.set(seed...)
	h := &harness{
		t:      t,
		r:      New(server, filter, zap.NewNop()),
		server: server,
		events: make(chan model.ChangeEvent),
		ctx:    ctx,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.r.Run(ctx, h.events)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, h.r.Resync(ctx))
	return h
}

// remote delivers ev and waits until the loop has applied it.
func (h *harness) remote(ev model.ChangeEvent) {
	h.t.Helper()
	h.events <- ev
	require.NoError(h.t, h.r.do(h.ctx, func() {}))
}

func (h *harness) ids() []string {
	snap := h.r.Snapshot()
	out := make([]string, len(snap.Tasks))
	for i, t := range snap.Tasks {
		out[i] = t.ID
	}
	return out
}

func TestReconciler_InitialLoad(t *testing.T) {
	h := newHarness(t, model.FilterAll, task("a", 1, false), task("b", 2, true))

	snap := h.r.Snapshot()
	assert.False(t, snap.Loading)
	assert.Equal(t, model.FilterAll, snap.Filter)
	assert.Equal(t, []string{"b", "a"}, h.ids())
}

func TestReconciler_RemoteInsert(t *testing.T) {
	h := newHarness(t, model.FilterActive, task("a", 1, false))

	h.remote(model.ChangeEvent{Kind: model.EventInsert, New: ptr(task("done", 2, true))})
	assert.Equal(t, []string{"a"}, h.ids(), "insert outside the filter is dropped")

	h.remote(model.ChangeEvent{Kind: model.EventInsert, New: ptr(task("bot", 3, false))})
	assert.Equal(t, []string{"bot", "a"}, h.ids())

	// a late duplicate insert does not duplicate the task
	h.remote(model.ChangeEvent{Kind: model.EventInsert, New: ptr(task("bot", 3, false))})
	assert.Equal(t, []string{"bot", "a"}, h.ids())
}

func TestReconciler_RemoteUpdateMembership(t *testing.T) {
	tests := []struct {
		name   string
		filter model.Filter
		seed   []model.Task
		event  model.ChangeEvent
		want   []string
		title  string
	}{
		{
			name:   "in to in overwrites in place",
			filter: model.FilterActive,
			seed:   []model.Task{task("a", 1, false), task("b", 2, false)},
			event: model.ChangeEvent{
				Kind: model.EventUpdate,
				Old:  ptr(task("a", 1, false)),
				New:  func() *model.Task { t := task("a", 1, false); t.Title = "renamed"; return &t }(),
			},
			want:  []string{"b", "a"},
			title: "renamed",
		},
		{
			name:   "out to in inserts",
			filter: model.FilterActive,
			seed:   []model.Task{task("b", 2, false)},
			event: model.ChangeEvent{
				Kind: model.EventUpdate,
				Old:  ptr(task("a", 1, true)),
				New:  ptr(task("a", 1, false)),
			},
			want: []string{"b", "a"},
		},
		{
			name:   "in to out removes",
			filter: model.FilterActive,
			seed:   []model.Task{task("a", 1, false), task("b", 2, false)},
			event: model.ChangeEvent{
				Kind: model.EventUpdate,
				Old:  ptr(task("a", 1, false)),
				New:  ptr(task("a", 1, true)),
			},
			want: []string{"b"},
		},
		{
			name:   "out to out ignored",
			filter: model.FilterCompleted,
			seed:   []model.Task{task("b", 2, true)},
			event: model.ChangeEvent{
				Kind: model.EventUpdate,
				Old:  ptr(task("a", 1, false)),
				New:  func() *model.Task { t := task("a", 1, false); t.Title = "renamed"; return &t }(),
			},
			want: []string{"b"},
		},
		{
			name:   "without old image membership comes from the store",
			filter: model.FilterActive,
			seed:   []model.Task{task("a", 1, false)},
			event: model.ChangeEvent{
				Kind: model.EventUpdate,
				New:  ptr(task("a", 1, true)),
			},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.filter, tt.seed...)
			h.remote(tt.event)
			assert.Equal(t, tt.want, h.ids())
			if tt.title != "" {
				got, ok := h.r.Snapshot().Find(tt.event.TaskID())
				require.True(t, ok)
				assert.Equal(t, tt.title, got.Title)
			}
		})
	}
}

func TestReconciler_CompletionLeavesActiveView(t *testing.T) {
	h := newHarness(t, model.FilterActive, task("x", 1, false), task("y", 2, false))

	// server-side the task gets completed
	h.server.set(task("x", 1, true), task("y", 2, false))
	h.remote(model.ChangeEvent{Kind: model.EventUpdate, Old: ptr(task("x", 1, false)), New: ptr(task("x", 1, true))})
	assert.Equal(t, []string{"y"}, h.ids())

	require.NoError(t, h.r.SetFilter(h.ctx, model.FilterCompleted))
	assert.Equal(t, []string{"x"}, h.ids())
	assert.Equal(t, model.FilterCompleted, h.r.Snapshot().Filter)
}

func TestReconciler_RemoteDelete(t *testing.T) {
	h := newHarness(t, model.FilterAll, task("a", 1, false))

	h.remote(model.ChangeEvent{Kind: model.EventDelete, Old: &model.Task{ID: "a"}})
	assert.Empty(t, h.ids())

	h.remote(model.ChangeEvent{Kind: model.EventDelete, Old: &model.Task{ID: "missing"}})
	assert.Empty(t, h.ids())
}

func TestReconciler_SequentialUpdatesReplaceWholeRow(t *testing.T) {
	h := newHarness(t, model.FilterAll, task("a", 1, false))

	enriched := task("a", 1, false)
	enriched.TitleEnriched = ptr("Buy two litres of milk")
	enriched.DescriptionEnriched = ptr("<ul><li>Go to the shop</li></ul>")
	h.remote(model.ChangeEvent{Kind: model.EventUpdate, New: ptr(enriched)})

	renamed := enriched
	renamed.Title = "Buy oat milk"
	h.remote(model.ChangeEvent{Kind: model.EventUpdate, New: ptr(renamed)})

	got, ok := h.r.Snapshot().Find("a")
	require.True(t, ok)
	assert.Equal(t, "Buy oat milk", got.Title)
	require.NotNil(t, got.TitleEnriched)
	assert.Equal(t, "Buy two litres of milk", *got.TitleEnriched)
	assert.True(t, got.Enriched())
}

func TestReconciler_OptimisticToggle(t *testing.T) {
	t.Run("all filter keeps the task in place", func(t *testing.T) {
		h := newHarness(t, model.FilterAll, task("a", 1, false), task("x", 2, false))

		require.NoError(t, h.r.BeginSetCompleted(h.ctx, "x", true))
		snap := h.r.Snapshot()
		assert.Equal(t, []string{"x", "a"}, h.ids())
		x, _ := snap.Find("x")
		assert.True(t, x.IsCompleted)
		assert.True(t, snap.PendingFor("x").Has(model.OpCompleting))

		require.NoError(t, h.r.End(h.ctx, "x", model.OpCompleting))
		after := h.r.Snapshot()
		assert.Equal(t, snap.Tasks, after.Tasks, "success changes nothing but the flag")
		assert.False(t, after.PendingFor("x").Busy())
	})

	t.Run("active filter removes the task", func(t *testing.T) {
		h := newHarness(t, model.FilterActive, task("a", 1, false), task("x", 2, false))

		require.NoError(t, h.r.BeginSetCompleted(h.ctx, "x", true))
		assert.Equal(t, []string{"a"}, h.ids())
	})
}

func TestReconciler_PendingFlags(t *testing.T) {
	h := newHarness(t, model.FilterAll, task("a", 1, false))

	require.NoError(t, h.r.BeginRename(h.ctx, "a", "new title"))
	assert.ErrorIs(t, h.r.BeginRename(h.ctx, "a", "again"), ErrOperationPending)

	// a different flag kind is tracked independently
	require.NoError(t, h.r.BeginSetCompleted(h.ctx, "a", true))
	set := h.r.Snapshot().PendingFor("a")
	assert.True(t, set.Has(model.OpUpdating))
	assert.True(t, set.Has(model.OpCompleting))

	require.NoError(t, h.r.End(h.ctx, "a", model.OpUpdating))
	require.NoError(t, h.r.End(h.ctx, "a", model.OpCompleting))
	assert.Empty(t, h.r.Snapshot().Pending)

	got, _ := h.r.Snapshot().Find("a")
	assert.Equal(t, "new title", got.Title)
}

func TestReconciler_DeleteThenResyncRestores(t *testing.T) {
	original := task("a", 1, false)
	original.TitleEnriched = ptr("enriched")
	h := newHarness(t, model.FilterAll, original, task("b", 2, false))

	require.NoError(t, h.r.BeginDelete(h.ctx, "a"))
	assert.Equal(t, []string{"b"}, h.ids())

	// a stray update for the task while the delete is in flight does not resurrect it
	h.remote(model.ChangeEvent{Kind: model.EventUpdate, New: ptr(original)})
	assert.Equal(t, []string{"b"}, h.ids())

	// the server rejected the delete
	require.NoError(t, h.r.End(h.ctx, "a", model.OpDeleting))
	require.NoError(t, h.r.Resync(h.ctx))

	got, ok := h.r.Snapshot().Find("a")
	require.True(t, ok)
	assert.Equal(t, original, got)
	assert.Equal(t, []string{"b", "a"}, h.ids())
}

func TestReconciler_InsertAfterCreate(t *testing.T) {
	h := newHarness(t, model.FilterAll)

	created := task("srv-1", 5, false)
	created.Title = "Buy milk"
	require.NoError(t, h.r.Insert(h.ctx, created))

	// the feed echoes the insert later
	h.remote(model.ChangeEvent{Kind: model.EventInsert, New: ptr(created)})

	snap := h.r.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "srv-1", snap.Tasks[0].ID)
	assert.Equal(t, "Buy milk", snap.Tasks[0].Title)

	hc := newHarness(t, model.FilterCompleted)
	require.NoError(t, hc.r.Insert(hc.ctx, created))
	assert.Empty(t, hc.ids(), "a new active task is not shown in the completed view")
}

func TestReconciler_InsertAfterCreateKeepsNewerFeedRow(t *testing.T) {
	created := task("srv-1", 5, false)
	created.Title = "Buy milk"

	t.Run("later update already applied", func(t *testing.T) {
		h := newHarness(t, model.FilterAll)

		enriched := created
		enriched.TitleEnriched = ptr("Buy 2L of milk")
		h.remote(model.ChangeEvent{Kind: model.EventInsert, New: ptr(created)})
		h.remote(model.ChangeEvent{Kind: model.EventUpdate, Old: ptr(created), New: ptr(enriched)})

		// ответ на POST приходит последним и старее ленты
		require.NoError(t, h.r.Insert(h.ctx, created))

		got, ok := h.r.Snapshot().Find("srv-1")
		require.True(t, ok)
		require.NotNil(t, got.TitleEnriched)
		assert.Equal(t, "Buy 2L of milk", *got.TitleEnriched)
	})

	t.Run("deleted before the response", func(t *testing.T) {
		h := newHarness(t, model.FilterAll)

		h.remote(model.ChangeEvent{Kind: model.EventInsert, New: ptr(created)})
		h.remote(model.ChangeEvent{Kind: model.EventDelete, Old: ptr(created)})

		require.NoError(t, h.r.Insert(h.ctx, created))
		assert.Empty(t, h.ids())
	})

	t.Run("completed elsewhere before the response", func(t *testing.T) {
		h := newHarness(t, model.FilterActive)

		done := created
		done.IsCompleted = true
		h.remote(model.ChangeEvent{Kind: model.EventInsert, New: ptr(created)})
		h.remote(model.ChangeEvent{Kind: model.EventUpdate, Old: ptr(created), New: ptr(done)})

		require.NoError(t, h.r.Insert(h.ctx, created))
		assert.Empty(t, h.ids())
	})
}

func TestReconciler_RemoteUpdateDuringPendingRename(t *testing.T) {
	h := newHarness(t, model.FilterAll, task("a", 1, false))

	require.NoError(t, h.r.BeginRename(h.ctx, "a", "local title"))

	// чужое изменение приходит, пока запрос rename еще в полете
	before, _ := h.r.Snapshot().Find("a")
	remote := before
	remote.Title = "remote title"
	remote.TitleEnriched = ptr("enriched")
	h.remote(model.ChangeEvent{Kind: model.EventUpdate, Old: ptr(before), New: ptr(remote)})

	snap := h.r.Snapshot()
	got, ok := snap.Find("a")
	require.True(t, ok)
	assert.Equal(t, "remote title", got.Title, "last applied wins")
	require.NotNil(t, got.TitleEnriched)
	assert.True(t, snap.PendingFor("a").Has(model.OpUpdating), "flag survives the remote update")

	// successful rename confirmation does not touch the store
	require.NoError(t, h.r.End(h.ctx, "a", model.OpUpdating))
	after := h.r.Snapshot()
	assert.False(t, after.PendingFor("a").Busy())
	got, _ = after.Find("a")
	assert.Equal(t, "remote title", got.Title)

	// the feed's echo of the rename is applied last and wins
	echo := got
	echo.Title = "local title"
	h.remote(model.ChangeEvent{Kind: model.EventUpdate, Old: ptr(got), New: ptr(echo)})
	got, _ = h.r.Snapshot().Find("a")
	assert.Equal(t, "local title", got.Title)
	assert.Equal(t, "enriched", *got.TitleEnriched)
}

func TestReconciler_ResyncDroppedAfterFilterSwitch(t *testing.T) {
	h := newHarness(t, model.FilterAll, task("a", 1, false), task("b", 2, true))

	gate := make(chan struct{})
	h.server.mu.Lock()
	h.server.gate = gate
	h.server.mu.Unlock()

	slow := make(chan error, 1)
	go func() { slow <- h.r.Resync(h.ctx) }()
	require.Eventually(t, func() bool {
		h.server.mu.Lock()
		defer h.server.mu.Unlock()
		return h.server.calls == 2
	}, time.Second, 5*time.Millisecond)

	switched := make(chan error, 1)
	go func() { switched <- h.r.SetFilter(h.ctx, model.FilterCompleted) }()
	require.Eventually(t, func() bool { return h.r.Snapshot().Filter == model.FilterCompleted }, time.Second, 5*time.Millisecond)

	// release both fetches; whichever order they finish in, the all-filter result is dropped
	gate <- struct{}{}
	gate <- struct{}{}
	require.NoError(t, <-slow)
	require.NoError(t, <-switched)

	assert.Equal(t, []string{"b"}, h.ids())
	assert.False(t, h.r.Snapshot().Loading)
}

func TestReconciler_ReplayDuringResync(t *testing.T) {
	h := newHarness(t, model.FilterAll, task("a", 1, false))

	gate := make(chan struct{})
	h.server.mu.Lock()
	h.server.gate = gate
	h.server.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.r.Resync(h.ctx) }()
	require.Eventually(t, func() bool {
		h.server.mu.Lock()
		defer h.server.mu.Unlock()
		return h.server.calls == 2
	}, time.Second, 5*time.Millisecond)

	// the fetch snapshot was taken before these committed
	h.remote(model.ChangeEvent{Kind: model.EventInsert, New: ptr(task("bot", 2, false))})
	h.remote(model.ChangeEvent{Kind: model.EventDelete, Old: &model.Task{ID: "a"}})

	gate <- struct{}{}
	require.NoError(t, <-done)

	assert.Equal(t, []string{"bot"}, h.ids())
}

func TestReconciler_StaleAndResyncError(t *testing.T) {
	h := newHarness(t, model.FilterAll, task("a", 1, false))

	require.NoError(t, h.r.MarkStale(h.ctx))
	assert.True(t, h.r.Snapshot().Stale)

	boom := errors.New("network down")
	h.server.mu.Lock()
	h.server.err = boom
	h.server.mu.Unlock()

	assert.ErrorIs(t, h.r.Resync(h.ctx), boom)
	snap := h.r.Snapshot()
	assert.True(t, snap.Stale)
	assert.ErrorIs(t, snap.Err, boom)

	h.server.mu.Lock()
	h.server.err = nil
	h.server.mu.Unlock()

	require.NoError(t, h.r.Resync(h.ctx))
	snap = h.r.Snapshot()
	assert.False(t, snap.Stale)
	assert.NoError(t, snap.Err)
}

func TestReconciler_Stopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(&fakeServer{}, model.FilterAll, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, nil) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.ErrorIs(t, r.Remove(context.Background(), "a"), ErrStopped)
	assert.Error(t, r.Run(context.Background(), nil), "second run is refused")
}

func TestReconciler_OnChange(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	r := New(&fakeServer{}, model.FilterAll, zap.NewNop(), WithOnChange(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, nil)

	require.NoError(t, r.Insert(ctx, task("a", 1, false)))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
